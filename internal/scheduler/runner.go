// Package scheduler drives the periodic pipeline jobs on robfig/cron.
// Each job runs at most once at a time; a tick that finds it still running
// is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"eventdesk/internal/logger"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

// JobFunc returns an optional summary that is kept as the job's last result.
type JobFunc func(ctx context.Context) (any, error)

type Job struct {
	Name string
	// Spec is a cron expression with seconds. Empty means manual only.
	Spec string
	// Feature is the switch key consulted before a scheduled run.
	Feature string
	Run     JobFunc
}

type Flags interface {
	IsEnabled(ctx context.Context, key string, fallback bool) bool
}

type Status struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	Feature       string     `json:"feature,omitempty"`
	Running       bool       `json:"running"`
	Runs          int64      `json:"runs"`
	Skips         int64      `json:"skips"`
	Disabled      int64      `json:"disabled"`
	Failures      int64      `json:"failures"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	LastDuration  string     `json:"last_duration,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastResult    any        `json:"last_result,omitempty"`
}

type entry struct {
	job     Job
	running atomic.Bool

	mu     sync.Mutex
	status Status
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
	flags   Flags

	mu   sync.RWMutex
	jobs map[string]*entry

	now func() time.Time
}

func New(l *zap.Logger, baseCtx context.Context, flags Flags) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	l = logger.OrNop(l)
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(logger.CronLogger(l))),
		logger:  l.Named("scheduler"),
		baseCtx: baseCtx,
		flags:   flags,
		jobs:    map[string]*entry{},
		now:     time.Now,
	}
}

// Add registers a job and, when it has a spec, schedules it.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and func are required")
	}
	r.mu.Lock()
	if _, ok := r.jobs[job.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("job %q already registered", job.Name)
	}
	e := &entry{job: job, status: Status{Name: job.Name, Spec: job.Spec, Feature: job.Feature}}
	r.jobs[job.Name] = e
	r.mu.Unlock()

	if job.Spec == "" {
		return nil
	}
	if _, err := r.cron.AddFunc(job.Spec, func() { r.tick(e) }); err != nil {
		r.mu.Lock()
		delete(r.jobs, job.Name)
		r.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	return nil
}

func (r *Runner) tick(e *entry) {
	ctx := r.baseCtx
	if e.job.Feature != "" && r.flags != nil && !r.flags.IsEnabled(ctx, e.job.Feature, true) {
		e.mu.Lock()
		e.status.Disabled++
		e.mu.Unlock()
		r.logger.Debug("job disabled by switch", zap.String("job", e.job.Name), zap.String("feature", e.job.Feature))
		return
	}
	_, _ = r.execute(ctx, e)
}

// Trigger runs a job now. The switch is not consulted; the overlap guard is.
func (r *Runner) Trigger(ctx context.Context, name string) (any, error) {
	r.mu.RLock()
	e, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if ctx == nil {
		ctx = r.baseCtx
	}
	return r.execute(ctx, e)
}

func (r *Runner) execute(ctx context.Context, e *entry) (result any, err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Lock()
		e.status.Skips++
		e.mu.Unlock()
		r.logger.Info("job still running, tick skipped", zap.String("job", e.job.Name))
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	runID := uuid.NewString()
	started := r.now().UTC()
	log := r.logger.With(zap.String("job", e.job.Name), zap.String("run_id", runID))
	log.Debug("job started")

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
			log.Error("job panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		elapsed := r.now().Sub(started)

		e.mu.Lock()
		e.status.Runs++
		e.status.LastRunID = runID
		e.status.LastStartedAt = &started
		e.status.LastDuration = elapsed.String()
		e.status.LastResult = result
		if err != nil {
			e.status.Failures++
			e.status.LastError = err.Error()
		} else {
			e.status.LastError = ""
		}
		e.mu.Unlock()

		if err != nil {
			log.Warn("job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		log.Info("job finished", zap.Duration("elapsed", elapsed))
	}()

	return e.job.Run(ctx)
}

func (r *Runner) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.jobs))
	for _, e := range r.jobs {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		st.Running = e.running.Load()
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
