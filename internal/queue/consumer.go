package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/retry"

	"github.com/hibiken/asynq"
)

// ExecuteHandler processes one execution job.
type ExecuteHandler func(ctx context.Context, p ExecutePayload) error

// ReconcileHandler runs one reconcile cycle.
type ReconcileHandler func(ctx context.Context, p ReconcilePayload) error

// Consumer drains the execute and reconcile queues. Each queue gets its
// own server so one concurrency bound cannot starve the other.
type Consumer struct {
	execute   *asynq.Server
	reconcile *asynq.Server
	execMux   *asynq.ServeMux
	reconMux  *asynq.ServeMux
	logger    core.ILogger
}

// ConsumerConfig bounds the two queue servers.
type ConsumerConfig struct {
	RedisURL             string
	ExecuteConcurrency   int
	ReconcileConcurrency int
}

// NewConsumer builds the dequeue side. Handlers wrap the worker and
// reconciler entry points; terminal taxonomy errors skip the queue's
// retry schedule.
func NewConsumer(cfg ConsumerConfig, onExecute ExecuteHandler, onReconcile ReconcileHandler, logger core.ILogger) (*Consumer, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	log := logger.WithField("component", "queue_consumer")

	delayFn := func(n int, e error, t *asynq.Task) time.Duration {
		return retry.QueuePolicy.Backoff(n)
	}

	c := &Consumer{
		execute: asynq.NewServer(opt, asynq.Config{
			Concurrency:    cfg.ExecuteConcurrency,
			Queues:         map[string]int{QueueExecute: 1},
			RetryDelayFunc: delayFn,
		}),
		reconcile: asynq.NewServer(opt, asynq.Config{
			Concurrency:    cfg.ReconcileConcurrency,
			Queues:         map[string]int{QueueReconcile: 1},
			RetryDelayFunc: delayFn,
		}),
		execMux:  asynq.NewServeMux(),
		reconMux: asynq.NewServeMux(),
		logger:   log,
	}

	c.execMux.HandleFunc(TypeExecute, func(ctx context.Context, t *asynq.Task) error {
		var p ExecutePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("malformed execute payload: %v: %w", err, asynq.SkipRetry)
		}
		return terminalAware(onExecute(ctx, p))
	})
	c.reconMux.HandleFunc(TypeReconcile, func(ctx context.Context, t *asynq.Task) error {
		var p ReconcilePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("malformed reconcile payload: %v: %w", err, asynq.SkipRetry)
		}
		return terminalAware(onReconcile(ctx, p))
	})

	return c, nil
}

// terminalAware marks classified-terminal errors so asynq archives the
// task instead of walking the retry schedule.
func terminalAware(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.Terminal(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Start launches both servers. Non-blocking.
func (c *Consumer) Start() error {
	if err := c.execute.Start(c.execMux); err != nil {
		return fmt.Errorf("start execute server: %w", err)
	}
	if err := c.reconcile.Start(c.reconMux); err != nil {
		c.execute.Shutdown()
		return fmt.Errorf("start reconcile server: %w", err)
	}
	c.logger.Info("Queue consumers started")
	return nil
}

// Shutdown waits for inflight tasks to finish, then stops both servers.
func (c *Consumer) Shutdown() {
	c.execute.Stop()
	c.reconcile.Stop()
	c.execute.Shutdown()
	c.reconcile.Shutdown()
	c.logger.Info("Queue consumers stopped")
}
