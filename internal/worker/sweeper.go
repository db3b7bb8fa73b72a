package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// SweeperConfig shapes a Sweeper.
type SweeperConfig struct {
	Policy            jobstate.Policy
	Interval          time.Duration
	StalePendingAfter time.Duration
	BatchSize         int
}

// Sweeper recovers jobs whose worker disappeared: expired leases are
// reclaimed through the state machine, and PENDING jobs nobody picked up
// are enqueued again. Duplicate enqueues are harmless because workers drop
// deliveries for jobs that are no longer PENDING.
type Sweeper struct {
	cfg    SweeperConfig
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	requeued map[uuid.UUID]time.Time
}

func NewSweeper(cfg SweeperConfig, st store.Store, q queue.Queue) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		queue:    q,
		logger:   slog.Default().With("component", "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
		requeued: make(map[uuid.UUID]time.Time),
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reclaimed int
	Failed    int
	Requeued  int
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	expired, err := s.store.ListExpiredLeases(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired leases: %w", err)
	}
	for _, job := range expired {
		next, err := s.store.CompareAndSwap(ctx, job.ID, job.State, s.cfg.Policy.Reclaim(now))
		if err != nil {
			if !errors.Is(err, store.ErrStateConflict) && !errors.Is(err, jobstate.ErrLeaseActive) {
				s.logger.Error("reclaim failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		metrics.ObserveTransition(string(job.State), string(next.State))
		s.logger.Info("reclaimed expired lease",
			"job_id", job.ID, "worker_id", job.Lease.WorkerID, "attempt", job.AttemptCount, "state", next.State)

		if next.State == models.JobStateFailed {
			res.Failed++
			metrics.SweeperRecovered.WithLabelValues("lease_exhausted").Inc()
			continue
		}
		res.Reclaimed++
		metrics.SweeperRecovered.WithLabelValues("lease_expired").Inc()
		if err := s.queue.Enqueue(ctx, job.ID.String()); err != nil {
			s.logger.Error("re-enqueue after reclaim failed", "job_id", job.ID, "error", err)
			continue
		}
		s.markRequeued(job.ID, now)
	}

	if s.cfg.StalePendingAfter > 0 {
		stale, err := s.store.ListStalePending(ctx, now.Add(-s.cfg.StalePendingAfter), s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list stale pending: %w", err)
		}
		for _, job := range stale {
			if s.recentlyRequeued(job.ID, now) {
				continue
			}
			if err := s.queue.Enqueue(ctx, job.ID.String()); err != nil {
				s.logger.Error("re-enqueue stale job failed", "job_id", job.ID, "error", err)
				continue
			}
			s.markRequeued(job.ID, now)
			res.Requeued++
			metrics.SweeperRecovered.WithLabelValues("stale_pending").Inc()
		}
	}

	s.prune(now)
	return res, nil
}

// Run sweeps on the configured interval until ctx is cancelled. Overlapping
// sweeps are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.cfg.Interval)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc("@every "+s.cfg.Interval.String(), func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
			return
		}
		if res != (SweepResult{}) {
			s.logger.Info("sweep finished", "reclaimed", res.Reclaimed, "failed", res.Failed, "requeued", res.Requeued)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	c.Start()
	s.logger.Info("sweeper started", "interval", s.cfg.Interval)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) markRequeued(id uuid.UUID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued[id] = now
}

// recentlyRequeued keeps a long queue backlog from collecting one duplicate
// per sweep for every waiting job.
func (s *Sweeper) recentlyRequeued(id uuid.UUID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.requeued[id]
	return ok && now.Sub(at) < s.cfg.StalePendingAfter
}

func (s *Sweeper) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.requeued {
		if now.Sub(at) >= s.cfg.StalePendingAfter {
			delete(s.requeued, id)
		}
	}
}
