// Package reset restores balances to their tier quota on each tier's cadence.
package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/doorman-gateway/accounting/internal/lease"
	log "github.com/sirupsen/logrus"
)

const (
	defaultInterval = time.Minute
	defaultLeaseTTL = 2 * time.Minute
)

// Store is the slice of the accounting service the scheduler drives.
type Store interface {
	ListCohorts(ctx context.Context) ([]accounting.Cohort, error)
	DueBalances(ctx context.Context, cohort accounting.Cohort, now time.Time) ([]accounting.DueBalance, error)
	ApplyReset(ctx context.Context, cohort accounting.Cohort, balance accounting.DueBalance, now time.Time, reason string) (bool, error)
	ResetGroup(ctx context.Context, kind accounting.Kind, groupID string) (int, error)
}

// Leaser grants exclusive cohort leases.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease)
}

// Observer receives scheduler outcomes, typically metrics.
type Observer interface {
	ObserveResetRun(duration time.Duration, summary Summary)
	ObserveReset(kind string, count int)
}

// Summary reports one pass over all cohorts.
type Summary struct {
	Cohorts int // Cohorts inspected.
	Leased  int // Cohorts skipped because another instance held the lease.
	Reset   int // Balances restored.
	Skipped int // Balances already reset or re-bound concurrently.
	Failed  int // Balances or cohorts that errored; retried next tick.
}

// Scheduler periodically resets due balances.
type Scheduler struct {
	store    Store
	leases   Leaser
	observer Observer
	interval time.Duration
	leaseTTL time.Duration
	now      func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLeaseTTL sets how long a cohort lease lasts.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(observer Observer) Option {
	return func(s *Scheduler) { s.observer = observer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler constructs a reset scheduler.
func NewScheduler(store Store, leases Leaser, opts ...Option) *Scheduler {
	if store == nil || leases == nil {
		return nil
	}
	s := &Scheduler{
		store:    store,
		leases:   leases,
		interval: defaultInterval,
		leaseTTL: defaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the reset loop in the background until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("reset scheduler started (interval=%s)", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reset scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	if err != nil {
		log.WithError(err).Warn("reset scheduler: pass failed")
		return
	}
	if summary.Reset > 0 || summary.Failed > 0 {
		log.WithFields(log.Fields{
			"cohorts": summary.Cohorts,
			"reset":   summary.Reset,
			"skipped": summary.Skipped,
			"leased":  summary.Leased,
			"failed":  summary.Failed,
		}).Info("reset scheduler: pass complete")
	}
}

// RunOnce inspects every schedulable cohort and resets its due balances.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if s == nil {
		return Summary{}, fmt.Errorf("reset scheduler: nil scheduler")
	}
	started := time.Now()
	var summary Summary
	defer func() {
		if s.observer != nil {
			s.observer.ObserveResetRun(time.Since(started), summary)
		}
	}()

	cohorts, err := s.store.ListCohorts(ctx)
	if err != nil {
		return summary, fmt.Errorf("reset scheduler: list cohorts: %w", err)
	}
	summary.Cohorts = len(cohorts)
	for _, cohort := range cohorts {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		s.resetCohort(ctx, cohort, &summary)
	}
	return summary, nil
}

func (s *Scheduler) resetCohort(ctx context.Context, cohort accounting.Cohort, summary *Summary) {
	entry := log.WithFields(log.Fields{"kind": cohort.Kind, "group_id": cohort.GroupID, "tier": cohort.TierName})

	held, errLease := s.leases.Acquire(ctx, cohort.Key(), s.leaseTTL)
	if errLease != nil {
		if errors.Is(errLease, lease.ErrHeld) {
			summary.Leased++
			return
		}
		summary.Failed++
		entry.WithError(errLease).Warn("reset scheduler: lease failed")
		return
	}
	defer s.leases.Release(ctx, held)

	now := s.now().UTC()
	due, errDue := s.store.DueBalances(ctx, cohort, now)
	if errDue != nil {
		summary.Failed++
		entry.WithError(errDue).Warn("reset scheduler: load due balances failed")
		return
	}

	reset := 0
	for _, balance := range due {
		applied, errApply := s.store.ApplyReset(ctx, cohort, balance, now, "scheduled")
		if errApply != nil {
			summary.Failed++
			entry.WithError(errApply).WithField("username", balance.Username).Warn("reset scheduler: reset failed")
			continue
		}
		if !applied {
			summary.Skipped++
			continue
		}
		reset++
	}
	summary.Reset += reset
	if reset > 0 && s.observer != nil {
		s.observer.ObserveReset(string(cohort.Kind), reset)
	}
}

// ResetGroupNow forces every balance in the group back to quota under a group-wide lease.
func (s *Scheduler) ResetGroupNow(ctx context.Context, kind accounting.Kind, groupID string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("reset scheduler: nil scheduler")
	}
	held, errLease := s.leases.Acquire(ctx, string(kind)+":"+groupID+":*", s.leaseTTL)
	if errLease != nil {
		if errors.Is(errLease, lease.ErrHeld) {
			return 0, &accounting.Error{Code: accounting.CodeConflict, Message: "a reset for this group is already running", Err: errLease}
		}
		return 0, &accounting.Error{Code: accounting.CodeUnavailable, Message: "reset lease unavailable, retry later", Err: errLease}
	}
	defer s.leases.Release(ctx, held)

	count, err := s.store.ResetGroup(ctx, kind, groupID)
	if err != nil {
		return 0, err
	}
	if count > 0 && s.observer != nil {
		s.observer.ObserveReset(string(kind), count)
	}
	return count, nil
}
