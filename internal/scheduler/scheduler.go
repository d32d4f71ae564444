package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/model"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns a Clock backed by the system time.
func RealClock() Clock { return realClock{} }

// OnDueFunc is called for each due timer. The callee owns the per-instance
// exclusion and must tolerate the step having already exited.
type OnDueFunc func(ctx context.Context, instanceID, stepID string) error

// Scheduler installs escalation deadlines and fires them from a periodic
// scan. It never mutates instances itself; firing delegates to the runner
// through the OnDue callback, set at wiring time.
type Scheduler struct {
	store    TimerStore
	clock    Clock
	interval time.Duration
	onDue    OnDueFunc
	logger   *zap.Logger
}

// New creates a Scheduler scanning for due timers every interval.
func New(store TimerStore, clock Clock, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// SetOnDue installs the due-timer callback. Must be called before Run.
func (s *Scheduler) SetOnDue(fn OnDueFunc) {
	s.onDue = fn
}

// Schedule installs a deadline of now + timeout for (instanceID, stepID),
// replacing any previous timer for the pair.
func (s *Scheduler) Schedule(ctx context.Context, instanceID, stepID string, timeout time.Duration) error {
	return s.store.Schedule(ctx, model.EscalationTimer{
		InstanceID: instanceID,
		StepID:     stepID,
		DueAt:      s.clock.Now().Add(timeout),
	})
}

// Cancel removes the timer for (instanceID, stepID). Idempotent; cancelling
// an absent or already-fired timer is not an error.
func (s *Scheduler) Cancel(ctx context.Context, instanceID, stepID string) error {
	return s.store.Cancel(ctx, instanceID, stepID)
}

// Run scans for due timers every interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

// ProcessDue fires every timer due as of now. A timer is removed before its
// callback runs, so a firing is attempted at most once; callback failures are
// logged and do not stop the scan.
func (s *Scheduler) ProcessDue(ctx context.Context) {
	due, err := s.store.Due(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("scanning due timers", zap.Error(err))
		return
	}

	for _, timer := range due {
		if err := s.store.Cancel(ctx, timer.InstanceID, timer.StepID); err != nil {
			s.logger.Error("removing fired timer",
				zap.String("instance_id", timer.InstanceID),
				zap.String("step_id", timer.StepID),
				zap.Error(err),
			)
			continue
		}
		if s.onDue == nil {
			continue
		}
		if err := s.onDue(ctx, timer.InstanceID, timer.StepID); err != nil {
			s.logger.Error("escalation callback failed",
				zap.String("instance_id", timer.InstanceID),
				zap.String("step_id", timer.StepID),
				zap.Error(err),
			)
		}
	}
}
