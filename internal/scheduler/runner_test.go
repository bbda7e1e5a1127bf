package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticFlags map[string]bool

func (f staticFlags) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	v, ok := f[key]
	if !ok {
		return fallback
	}
	return v
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	r := New(nil, context.Background(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := r.Add(Job{Name: "cluster", Run: func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	}}); err != nil {
		t.Fatalf("add err=%v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Trigger(context.Background(), "cluster")
		done <- err
	}()
	<-started

	if _, err := r.Trigger(context.Background(), "cluster"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err=%v want=%v", err, ErrAlreadyRunning)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run err=%v", err)
	}

	st := r.Statuses()[0]
	if st.Runs != 1 || st.Skips != 1 || st.Running || st.LastResult != "done" {
		t.Fatalf("status=%+v", st)
	}
}

func TestFailureAndPanicAreIsolated(t *testing.T) {
	r := New(nil, context.Background(), nil)
	calls := 0
	_ = r.Add(Job{Name: "ideas", Run: func(ctx context.Context) (any, error) {
		return nil, errors.New("provider down")
	}})
	_ = r.Add(Job{Name: "sweep", Run: func(ctx context.Context) (any, error) {
		panic("boom")
	}})
	_ = r.Add(Job{Name: "ingest", Run: func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	}})

	if _, err := r.Trigger(context.Background(), "ideas"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := r.Trigger(context.Background(), "sweep"); err == nil {
		t.Fatalf("expected panic converted to error")
	}
	if _, err := r.Trigger(context.Background(), "sweep"); err == nil {
		t.Fatalf("expected panic converted to error on rerun")
	}
	if _, err := r.Trigger(context.Background(), "ingest"); err != nil || calls != 1 {
		t.Fatalf("ingest err=%v calls=%d", err, calls)
	}

	byName := map[string]Status{}
	for _, st := range r.Statuses() {
		byName[st.Name] = st
	}
	if byName["ideas"].Failures != 1 || byName["ideas"].LastError != "provider down" {
		t.Fatalf("ideas=%+v", byName["ideas"])
	}
	if byName["sweep"].Failures != 2 || byName["sweep"].Running {
		t.Fatalf("sweep=%+v", byName["sweep"])
	}
	if byName["ingest"].Failures != 0 || byName["ingest"].LastRunID == "" {
		t.Fatalf("ingest=%+v", byName["ingest"])
	}
}

func TestTickHonoursFeatureSwitch(t *testing.T) {
	r := New(nil, context.Background(), staticFlags{"feature.ingest": false})
	ran := false
	_ = r.Add(Job{Name: "ingest", Feature: "feature.ingest", Run: func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}})
	r.mu.RLock()
	e := r.jobs["ingest"]
	r.mu.RUnlock()

	r.tick(e)
	if ran {
		t.Fatalf("disabled job ran")
	}
	if st := r.Statuses()[0]; st.Disabled != 1 || st.Runs != 0 {
		t.Fatalf("status=%+v", st)
	}

	// manual trigger ignores the switch
	if _, err := r.Trigger(context.Background(), "ingest"); err != nil || !ran {
		t.Fatalf("trigger err=%v ran=%v", err, ran)
	}
}

func TestAddValidation(t *testing.T) {
	r := New(nil, context.Background(), nil)
	noop := func(ctx context.Context) (any, error) { return nil, nil }
	if err := r.Add(Job{Name: "a", Spec: "not a spec", Run: noop}); err == nil {
		t.Fatalf("expected bad spec error")
	}
	if len(r.Statuses()) != 0 {
		t.Fatalf("failed job left registered")
	}
	if err := r.Add(Job{Name: "a", Spec: "@every 1m", Run: noop}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := r.Add(Job{Name: "a", Run: noop}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := r.Trigger(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownJob)
	}
	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
}
