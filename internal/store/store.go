// Package store implements the relational persistence contract on
// PostgreSQL via pgx. Money columns are NUMERIC and cross the driver
// boundary as text; decimal arithmetic stays in the application.
package store

import (
	"context"
	_ "embed"
	"fmt"

	"tradehook/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger core.ILogger
}

// Connect initializes the connection pool and verifies reachability.
func Connect(ctx context.Context, connStr string, logger core.ILogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &Store{pool: pool, logger: logger.WithField("component", "store")}, nil
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info("Schema initialized")
	return nil
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
