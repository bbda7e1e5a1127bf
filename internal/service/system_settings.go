package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

const (
	FeatureIngest         = "feature.ingest"
	FeatureClustering     = "feature.clustering"
	FeatureLifecycleSweep = "feature.lifecycle_sweep"
	FeatureIdeaGeneration = "feature.idea_generation"
	FeatureCostReset      = "feature.cost_reset"
)

const featurePrefix = "feature."

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureIngest:         true,
		FeatureClustering:     true,
		FeatureLifecycleSweep: true,
		FeatureIdeaGeneration: true,
		FeatureCostReset:      true,
	}
}

// FeatureKey turns a switch name like "clustering" into its setting key.
func FeatureKey(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, featurePrefix) {
		return name
	}
	return featurePrefix + name
}

type Switch struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

type SystemSettingsService struct {
	Repo repository.Repository
}

// EnsureDefaultSwitches writes missing switches. Stored values are never overwritten.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, _ := json.Marshal(enabled)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		UpdatedAt:   time.Now().UTC(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

// Switches reports every known switch, sorted by key.
func (s *SystemSettingsService) Switches(ctx context.Context) []Switch {
	defaults := DefaultFeatureSwitches()
	out := make([]Switch, 0, len(defaults))
	for key, def := range defaults {
		out = append(out, Switch{
			Name:    strings.TrimPrefix(key, featurePrefix),
			Key:     key,
			Enabled: s.IsEnabled(ctx, key, def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
