package service

import (
	"context"
	"testing"

	"eventdesk/internal/repository/memory"
)

func TestEnsureDefaultSwitchesKeepsStoredValues(t *testing.T) {
	ctx := context.Background()
	svc := &SystemSettingsService{Repo: memory.New()}
	if err := svc.SetEnabled(ctx, FeatureClustering, false); err != nil {
		t.Fatalf("set err=%v", err)
	}
	if err := svc.EnsureDefaultSwitches(ctx); err != nil {
		t.Fatalf("ensure err=%v", err)
	}
	if got := svc.IsEnabled(ctx, FeatureClustering, true); got {
		t.Fatalf("clustering=%v want=false", got)
	}
	if got := svc.IsEnabled(ctx, FeatureIngest, false); !got {
		t.Fatalf("ingest=%v want=true", got)
	}
	switches := svc.Switches(ctx)
	if len(switches) != 5 || switches[0].Key != FeatureClustering || switches[0].Enabled {
		t.Fatalf("switches=%+v", switches)
	}
}

func TestIsEnabledFallback(t *testing.T) {
	var nilSvc *SystemSettingsService
	if !nilSvc.IsEnabled(context.Background(), FeatureIngest, true) {
		t.Fatalf("nil service should return fallback")
	}
	svc := &SystemSettingsService{Repo: memory.New()}
	if svc.IsEnabled(context.Background(), "feature.unknown", false) {
		t.Fatalf("missing key should return fallback")
	}
	if got := FeatureKey("ingest"); got != FeatureIngest {
		t.Fatalf("key=%s want=%s", got, FeatureIngest)
	}
	if got := FeatureKey("feature.ingest"); got != FeatureIngest {
		t.Fatalf("key=%s want=%s", got, FeatureIngest)
	}
}
