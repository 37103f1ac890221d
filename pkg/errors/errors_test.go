package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindInsufficientFunds, "free balance 10 USDT below required 20 USDT")
	if KindOf(err) == KindInternal {
		t.Fatal("classified error reported as internal")
	}
	if KindOf(err) != KindInsufficientFunds {
		t.Fatalf("got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("placing order: %w", err)
	if KindOf(wrapped) != KindInsufficientFunds {
		t.Error("classification lost through fmt.Errorf wrap")
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("unclassified error should map to internal/error")
	}
}

func TestIsMatchesByKind(t *testing.T) {
	a := Wrap(KindCircuitOpen, "breaker open", errors.New("fast fail"))
	if !errors.Is(a, New(KindCircuitOpen, "")) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(a, New(KindExchangeTransient, "")) {
		t.Error("errors.Is matched a different kind")
	}
}

func TestRetryClassification(t *testing.T) {
	retryable := []Kind{
		KindExchangeTransient, KindExchangeThrottled, KindCircuitOpen,
		KindInternal, KindPriceUnavailable,
	}
	for _, k := range retryable {
		if !IsRetryable(New(k, "x")) {
			t.Errorf("%s should be retryable", k)
		}
	}

	terminal := []Kind{
		KindSignatureInvalid, KindCredentialsInvalid, KindRateLimited,
		KindNoAccount, KindAccountInactive, KindUnsupportedExchange,
		KindInvalidSize, KindInsufficientFunds, KindExchangeLogical,
	}
	for _, k := range terminal {
		if IsRetryable(New(k, "x")) {
			t.Errorf("%s should be terminal", k)
		}
		if !Terminal(New(k, "x")) {
			t.Errorf("Terminal(%s) = false", k)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindExchangeTransient, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
