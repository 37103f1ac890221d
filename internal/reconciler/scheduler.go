package reconciler

import (
	"context"
	"math/rand"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/pkg/concurrency"
)

// Scheduler fans reconcile tasks out on a fixed interval. Per-account
// jitter spreads the exchange load inside each tick; the queue's task
// id keyed on the account keeps overlapping cycles from stacking up.
type Scheduler struct {
	store     core.IStore
	queue     core.IQueue
	pool      *concurrency.WorkerPool
	interval  time.Duration
	maxJitter time.Duration
	logger    core.ILogger
}

// NewScheduler builds the periodic reconcile scheduler.
func NewScheduler(store core.IStore, q core.IQueue, cfg config.ReconcileConfig, logger core.ILogger) *Scheduler {
	return &Scheduler{
		store: store,
		queue: q,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "ReconcileSchedulerPool",
			MaxWorkers:  4,
			MaxCapacity: 1000,
		}, logger),
		interval:  cfg.Interval,
		maxJitter: cfg.MaxJitter,
		logger:    logger.WithField("component", "reconcile-scheduler"),
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately so a fresh deployment converges without waiting a full
// interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Reconcile scheduler started",
		"interval", s.interval.String(),
		"maxJitter", s.maxJitter.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.pool.Stop()
			s.logger.Info("Reconcile scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list active accounts", "error", err)
		return
	}

	for _, account := range accounts {
		id := account.ID
		if err := s.pool.Submit(func() {
			if err := s.queue.EnqueueReconcile(ctx, id, s.jitter()); err != nil {
				s.logger.Warn("Failed to enqueue reconcile", "accountId", id, "error", err)
			}
		}); err != nil {
			s.logger.Warn("Scheduler pool saturated", "accountId", id, "error", err)
		}
	}
	s.logger.Debug("Reconcile tick scheduled", "accounts", len(accounts))
}

func (s *Scheduler) jitter() time.Duration {
	if s.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(s.maxJitter)))
}
