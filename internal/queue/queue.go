// Package queue is the durable job queue facade on asynq/Redis. An
// execute task is keyed by alert id and a reconcile task by account id,
// so re-enqueueing either while one is pending or inflight is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradehook/internal/core"

	"github.com/hibiken/asynq"
)

// Task type names.
const (
	TypeExecute   = "job:execute"
	TypeReconcile = "account:reconcile"
)

// Queue names. Each queue is drained by its own server with its own
// concurrency bound.
const (
	QueueExecute   = "execute"
	QueueReconcile = "reconcile"
)

// ExecutePayload carries one execution job.
type ExecutePayload struct {
	JobID   string `json:"job_id"`
	AlertID string `json:"alert_id"`
}

// ReconcilePayload carries one reconcile cycle request.
type ReconcilePayload struct {
	AccountID string `json:"account_id"`
}

// Client implements core.IQueue on an asynq client.
type Client struct {
	inner             *asynq.Client
	executeAttempts   int
	reconcileAttempts int
	logger            core.ILogger
}

// NewClient builds the enqueue side from a redis URL.
func NewClient(redisURL string, executeAttempts, reconcileAttempts int, logger core.ILogger) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{
		inner:             asynq.NewClient(opt),
		executeAttempts:   executeAttempts,
		reconcileAttempts: reconcileAttempts,
		logger:            logger.WithField("component", "queue"),
	}, nil
}

// EnqueueExecute schedules one execution job. The task id is derived
// from the alert id, so a duplicate alert that slipped past the store
// dedup still collapses into one task.
func (c *Client) EnqueueExecute(ctx context.Context, jobID, alertID string) error {
	payload, err := json.Marshal(ExecutePayload{JobID: jobID, AlertID: alertID})
	if err != nil {
		return fmt.Errorf("marshal execute payload: %w", err)
	}

	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeExecute, payload),
		asynq.Queue(QueueExecute),
		asynq.TaskID("execute:"+alertID),
		asynq.MaxRetry(c.executeAttempts-1),
		asynq.Timeout(2*time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.logger.Debug("Execute task already enqueued", "alertId", alertID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue execute: %w", err)
	}
	return nil
}

// EnqueueReconcile schedules a reconcile cycle for one account. The
// task id prevents piling up cycles for an account that is already
// pending or running.
func (c *Client) EnqueueReconcile(ctx context.Context, accountID string, delay time.Duration) error {
	payload, err := json.Marshal(ReconcilePayload{AccountID: accountID})
	if err != nil {
		return fmt.Errorf("marshal reconcile payload: %w", err)
	}

	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(TypeReconcile, payload),
		asynq.Queue(QueueReconcile),
		asynq.TaskID("reconcile:"+accountID),
		asynq.MaxRetry(c.reconcileAttempts-1),
		asynq.ProcessIn(delay),
		asynq.Timeout(time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue reconcile: %w", err)
	}
	return nil
}

// Close releases the underlying redis connections.
func (c *Client) Close() error {
	return c.inner.Close()
}
