// Package apperrors defines the error taxonomy shared by the gateway,
// the execution worker and the reconciler. Every failure that crosses a
// component boundary is classified into exactly one Kind; the retry and
// circuit-breaker layers dispatch on the Kind, never on raw error text.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a stable taxonomy tag. The string form is what lands on
// Job.LastError and in HTTP error responses.
type Kind string

const (
	KindSignatureInvalid    Kind = "auth/signature_invalid"
	KindCredentialsInvalid  Kind = "auth/credentials_invalid"
	KindRateLimited         Kind = "rate/limit_exceeded"
	KindExchangeThrottled   Kind = "rate/exchange_throttled"
	KindNoAccount           Kind = "config/no_account"
	KindAccountInactive     Kind = "config/account_inactive"
	KindUnsupportedExchange Kind = "config/unsupported_exchange"
	KindInvalidSize         Kind = "config/invalid_size"
	KindInsufficientFunds   Kind = "funds/insufficient"
	KindPriceUnavailable    Kind = "price/feed_unavailable"
	KindExchangeTransient   Kind = "exchange/transient"
	KindExchangeLogical     Kind = "exchange/logical"
	KindCircuitOpen         Kind = "circuit/open"
	KindInternal            Kind = "internal/error"
)

// Error carries a taxonomy Kind plus a short human reason. It wraps the
// underlying cause so errors.Is / errors.As keep working through it.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by Kind, so callers can write
// errors.Is(err, apperrors.New(KindCircuitOpen, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a classified error without an underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates a classified error with a formatted reason.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause returns nil.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf walks the wrap chain and returns the first taxonomy Kind.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a classified failure is worth retrying.
// The mapping follows the propagation policy: transient exchange
// failures, exchange throttling, open breakers and unclassified internal
// errors retry; auth, config, funds and logical rejections do not.
// price/feed_unavailable is terminal within one attempt but the queue
// may re-run the whole job, so it counts as retryable at the queue layer.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindExchangeTransient, KindExchangeThrottled, KindCircuitOpen, KindInternal, KindPriceUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether a failure should fail the job without
// another queue attempt.
func Terminal(err error) bool { return !IsRetryable(err) }
