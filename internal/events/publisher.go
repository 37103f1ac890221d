// Package events publishes account lifecycle events on the shared
// Redis pub/sub channel consumed by downstream dashboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"tradehook/internal/core"

	"github.com/redis/go-redis/v9"
)

// ChannelAccountUpdates is the pub/sub channel name.
const ChannelAccountUpdates = "account_updates"

// Publisher implements core.IPublisher on a Redis client.
type Publisher struct {
	rdb    *redis.Client
	logger core.ILogger
}

// NewPublisher builds the publisher from a redis URL.
func NewPublisher(redisURL string, logger core.ILogger) (*Publisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Publisher{
		rdb:    redis.NewClient(opt),
		logger: logger.WithField("component", "events"),
	}, nil
}

// PublishAccountUpdate emits one account-update event. Subscribers are
// best-effort listeners; a publish failure is reported but callers
// treat it as non-fatal.
func (p *Publisher) PublishAccountUpdate(ctx context.Context, ev *core.AccountUpdateEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal account update: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelAccountUpdates, body).Err(); err != nil {
		return fmt.Errorf("publish account update: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
