package store

import (
	"context"
	"errors"
	"fmt"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// GetWebhookByPath looks up a webhook by its URL path segment.
func (s *Store) GetWebhookByPath(ctx context.Context, urlPath string) (*core.Webhook, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, url_path, secret, is_public, status,
		       rate_per_minute, rate_per_hour, error_threshold,
		       consecutive_errors, total_deliveries, total_failures
		FROM webhooks WHERE url_path = $1`, urlPath)

	var w core.Webhook
	err := row.Scan(&w.ID, &w.UserID, &w.URLPath, &w.Secret, &w.IsPublic, &w.Status,
		&w.RatePerMinute, &w.RatePerHour, &w.ErrorThreshold,
		&w.ConsecutiveErrors, &w.TotalDeliveries, &w.TotalFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

// RecordWebhookDelivery updates delivery counters. A success resets the
// consecutive-error counter; a failure increments it and auto-pauses
// the webhook once the threshold is crossed. It reports whether this
// delivery caused the pause.
func (s *Store) RecordWebhookDelivery(ctx context.Context, webhookID string, success bool) (bool, error) {
	if success {
		_, err := s.pool.Exec(ctx, `
			UPDATE webhooks
			SET consecutive_errors = 0, total_deliveries = total_deliveries + 1
			WHERE id = $1`, webhookID)
		return false, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE webhooks
		SET consecutive_errors = consecutive_errors + 1,
		    total_deliveries = total_deliveries + 1,
		    total_failures = total_failures + 1,
		    status = CASE
		        WHEN status = 'active' AND consecutive_errors + 1 >= error_threshold
		        THEN 'paused' ELSE status END
		WHERE id = $1
		RETURNING status, consecutive_errors, error_threshold`, webhookID)

	var status string
	var consecutive, threshold int
	if err := row.Scan(&status, &consecutive, &threshold); err != nil {
		return false, fmt.Errorf("record webhook delivery: %w", err)
	}
	// Paused by exactly this delivery, not a pre-existing pause.
	return status == core.WebhookPaused && consecutive == threshold, nil
}
