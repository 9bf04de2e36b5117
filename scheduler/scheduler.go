// Package scheduler drives the periodic maintenance jobs: reputation
// recompute, stale expiry, purge, correlation scans, and rule generation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threatcloud/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobKind identifies one scheduled job. Each kind has its own cadence and
// its own single-flight lock; kinds run concurrently with each other, never
// with themselves.
type JobKind string

const (
	JobReputation  JobKind = "reputation_recompute"
	JobExpiry      JobKind = "stale_expiry"
	JobPurge       JobKind = "purge"
	JobCorrelation JobKind = "correlation_scan"
	JobRuleGen     JobKind = "rule_generation"
)

// JobFunc is one job's work unit. It runs to completion or returns an error;
// there is no user-facing cancellation beyond scheduler shutdown.
type JobFunc func(ctx context.Context) error

// Scheduler fires registered jobs on their cron cadences with a
// single-flight guarantee per kind: a fire that lands while the prior run of
// the same kind is still active is skipped and logged, never queued, so
// recomputation cost stays bounded regardless of backlog.
//
// The lock is an in-process mutex-guarded flag: this store runs as a single
// instance, so no distributed lease is needed.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.SugaredLogger

	mu      sync.Mutex
	running map[JobKind]bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Jobs are registered before Start.
func New(logger *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger,
		running: make(map[JobKind]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job on a cron cadence ("@every 1h" or a standard cron expression).
func (s *Scheduler) Register(kind JobKind, schedule string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("job %s: nil job function", kind)
	}
	_, err := s.cron.AddFunc(schedule, func() {
		s.RunJob(kind, fn)
	})
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", kind, schedule, err)
	}
	return nil
}

// RunJob executes fn under kind's single-flight lock. It returns true if
// the job ran, false if it was skipped because a prior run is still active.
// Failures are caught and logged per job; they never abort other kinds or
// future fires of the same kind.
func (s *Scheduler) RunJob(kind JobKind, fn JobFunc) bool {
	if !s.tryAcquire(kind) {
		s.logger.Warnw("Skipping job fire, prior run still active", "job", kind)
		metrics.SchedulerRuns.WithLabelValues(string(kind), "skipped").Inc()
		return false
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.release(kind)

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Errorw("Job panicked", "job", kind, "panic", p, "duration", time.Since(start))
			metrics.SchedulerRuns.WithLabelValues(string(kind), "failed").Inc()
		}
	}()

	if err := fn(s.ctx); err != nil {
		s.logger.Errorw("Job failed", "job", kind, "error", err, "duration", time.Since(start))
		metrics.SchedulerRuns.WithLabelValues(string(kind), "failed").Inc()
		return true
	}

	s.logger.Infow("Job completed", "job", kind, "duration", time.Since(start))
	metrics.SchedulerRuns.WithLabelValues(string(kind), "completed").Inc()
	return true
}

func (s *Scheduler) tryAcquire(kind JobKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[kind] {
		return false
	}
	s.running[kind] = true
	return true
}

func (s *Scheduler) release(kind JobKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[kind] = false
}

// IsRunning reports whether a run of kind is currently active.
func (s *Scheduler) IsRunning(kind JobKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[kind]
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started")
}

// Stop halts future fires and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
