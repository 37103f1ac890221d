// Package base provides common functionality for exchange adapters.
// Adapters classify every failure into the error taxonomy at this
// boundary and never retry internally.
package base

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"
	"tradehook/pkg/httpx"

	"github.com/shopspring/decimal"
)

// ParseErrorFunc turns an exchange error body into a classified error.
// Returning nil falls back to the status-code classification.
type ParseErrorFunc func(statusCode int, body []byte) error

// Adapter carries the shared plumbing every concrete adapter embeds.
// Client signs; Public hits unauthenticated market-data endpoints.
type Adapter struct {
	Tag    string
	Client *httpx.Client
	Public *httpx.Client
	Logger core.ILogger

	// ParseError is set by the concrete adapter.
	ParseError ParseErrorFunc
}

// NewAdapter builds the shared layer for one exchange endpoint. The
// config's base URL, when set, overrides the adapter default.
func NewAdapter(tag, baseURL string, cfg config.ExchangeConfig, signer httpx.Signer, logger core.ILogger) *Adapter {
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		Tag:    tag,
		Client: httpx.NewClient(baseURL, timeout, cfg.RequestsPerSecond, signer),
		Public: httpx.NewClient(baseURL, timeout, cfg.RequestsPerSecond, nil),
		Logger: logger.WithField("exchange", tag),
	}
}

// Name returns the exchange tag.
func (a *Adapter) Name() string { return a.Tag }

// Get executes a GET and classifies the outcome.
func (a *Adapter) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := a.Client.Get(ctx, path, params)
	return body, a.Classify(err)
}

// Post executes a JSON POST and classifies the outcome.
func (a *Adapter) Post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := a.Client.Post(ctx, path, payload)
	return body, a.Classify(err)
}

// GetPublic executes an unsigned GET and classifies the outcome.
func (a *Adapter) GetPublic(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := a.Public.Get(ctx, path, params)
	return body, a.Classify(err)
}

// Delete executes a DELETE and classifies the outcome.
func (a *Adapter) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := a.Client.Delete(ctx, path, params)
	return body, a.Classify(err)
}

// Classify maps a transport-level failure into the taxonomy. The
// exchange-specific parser gets first refusal on HTTP error bodies.
func (a *Adapter) Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.KindExchangeTransient, "request cancelled", err)
	}

	var apiErr *httpx.APIError
	if errors.As(err, &apiErr) {
		if a.ParseError != nil {
			if classified := a.ParseError(apiErr.StatusCode, apiErr.Body); classified != nil {
				return classified
			}
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return apperrors.Wrap(apperrors.KindExchangeThrottled, "exchange throttled", err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return apperrors.Wrap(apperrors.KindCredentialsInvalid, "exchange rejected credentials", err)
		case apiErr.StatusCode >= 500:
			return apperrors.Wrap(apperrors.KindExchangeTransient, "exchange unavailable", err)
		default:
			return apperrors.Wrap(apperrors.KindExchangeLogical, "exchange rejected request", err)
		}
	}

	// Network errors, timeouts, DNS failures.
	return apperrors.Wrap(apperrors.KindExchangeTransient, "transport failure", err)
}

// ParseDecimal safely parses a string to decimal; malformed values map
// to zero with a warning rather than failing the whole payload.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds.
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
