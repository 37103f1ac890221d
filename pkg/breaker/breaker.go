// Package breaker provides a registry of per-key circuit breakers
// protecting outbound exchange calls. Keys follow the convention
// "exchange-<operation>-<exchange>", e.g. "exchange-place-order-bybit".
// State is process-local; replicas may diverge.
package breaker

import (
	"sync"
	"time"

	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// Config controls the sliding failure window of each breaker.
type Config struct {
	// FailureThreshold failures within Window transition Closed -> Open.
	FailureThreshold uint
	Window           time.Duration
	// Cooldown is how long the breaker stays Open before admitting a
	// half-open trial call.
	Cooldown time.Duration
}

// DefaultConfig matches the exchange API defaults: window 60s, failure
// threshold 10, cooldown 30s.
var DefaultConfig = Config{
	FailureThreshold: 10,
	Window:           60 * time.Second,
	Cooldown:         30 * time.Second,
}

// Registry lazily creates one breaker per key.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker[any]
	config   Config
	logger   core.ILogger
}

// NewRegistry creates a breaker registry with the given config.
func NewRegistry(cfg Config, logger core.ILogger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig
	}
	return &Registry{
		breakers: make(map[string]circuitbreaker.CircuitBreaker[any]),
		config:   cfg,
		logger:   logger.WithField("component", "breaker"),
	}
}

// Get returns the breaker for a key, creating it on first use.
func (r *Registry) Get(key string) circuitbreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdPeriod(r.config.FailureThreshold, r.config.Window).
		WithDelay(r.config.Cooldown).
		Build()
	r.breakers[key] = cb
	return cb
}

// Execute runs fn under the breaker for key. While the breaker is open
// the call fails fast with circuit/open. Only failures that indicate an
// unhealthy dependency accumulate; logical rejections (bad size, min
// notional) pass through without tripping the breaker.
func (r *Registry) Execute(key string, fn func() error) error {
	cb := r.Get(key)

	if !cb.TryAcquirePermit() {
		return apperrors.Newf(apperrors.KindCircuitOpen, "breaker %s open", key)
	}

	err := fn()
	if err == nil {
		cb.RecordSuccess()
		return nil
	}
	if countsAsFailure(err) {
		cb.RecordFailure()
		if cb.IsOpen() {
			r.logger.Warn("Circuit breaker opened", "key", key, "error", err.Error())
		}
	} else {
		// A definitive answer from the dependency means it is healthy.
		cb.RecordSuccess()
	}
	return err
}

// countsAsFailure reports whether an error should accumulate toward
// opening the breaker.
func countsAsFailure(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindExchangeTransient, apperrors.KindExchangeThrottled, apperrors.KindInternal:
		return true
	default:
		return false
	}
}
