package store

import (
	"context"
	"errors"
	"fmt"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `
	id, alert_id, account_id, user_id, webhook_id, payload, status,
	retry_count, last_error, created_at, completed_at`

func scanJob(row pgx.Row) (*core.Job, error) {
	var j core.Job
	err := row.Scan(&j.ID, &j.AlertID, &j.AccountID, &j.UserID, &j.WebhookID,
		&j.Payload, &j.Status, &j.RetryCount, &j.LastError, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// CreateJob atomically inserts a job keyed by alert id. When the alert
// id already exists the existing row is returned with created=false;
// no second job is ever created for one alert identifier.
func (s *Store) CreateJob(ctx context.Context, job *core.Job) (bool, *core.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, alert_id, account_id, user_id, webhook_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id) DO NOTHING
		RETURNING `+jobColumns,
		job.ID, job.AlertID, job.AccountID, job.UserID, job.WebhookID, job.Payload, core.JobPending)

	created, err := scanJob(row)
	if err == nil {
		return true, created, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, nil, fmt.Errorf("create job: %w", err)
	}

	existing, err := s.getJobByAlertID(ctx, job.AlertID)
	if err != nil {
		return false, nil, fmt.Errorf("fetch duplicate job: %w", err)
	}
	return false, existing, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *Store) getJobByAlertID(ctx context.Context, alertID string) (*core.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE alert_id = $1`, alertID))
}

// MarkJobProcessing transitions a job to processing.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1`, id, core.JobProcessing)
	return err
}

// MarkJobCompleted transitions a job to completed and stamps it.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, completed_at = now(), last_error = '' WHERE id = $1`,
		id, core.JobCompleted)
	return err
}

// MarkJobFailed records a classified failure and bumps the retry count.
func (s *Store) MarkJobFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = retry_count + 1, last_error = $3
		WHERE id = $1`, id, core.JobFailed, lastError)
	return err
}
