// Package retry provides a policy-driven retry wrapper. Retry decisions
// dispatch on the error taxonomy, so the same helper serves exchange
// calls, store writes and queue operations. Adapters are never retried
// internally; the retry always lives at the layer that owns the
// business meaning of the call.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "tradehook/pkg/errors"
)

// Policy defines how an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the fraction of the backoff randomized around the
	// deterministic value, e.g. 0.2 for +-20%.
	Jitter float64
	// RetryIf decides whether an error is worth another attempt.
	// Nil means apperrors.IsRetryable.
	RetryIf func(error) bool
}

// DefaultPolicy is tuned for exchange REST calls inside one job attempt.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         0.2,
}

// QueuePolicy mirrors the queue facade's backoff contract: base 2s,
// factor 2, jitter +-20%, capped at 60s.
var QueuePolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     60 * time.Second,
	Jitter:         0.2,
}

// Backoff returns the jittered delay before the given attempt
// (0-based). Exposed so the queue facade can reuse the exact schedule.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if p.Jitter > 0 {
		span := float64(d) * p.Jitter
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do executes fn, retrying classified-retryable failures with jittered
// exponential backoff until the policy's attempts are exhausted or the
// context is cancelled. The last error is returned as-is so its
// classification survives.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = apperrors.IsRetryable
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryIf(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
	return err
}
