package logging

import (
	"testing"
)

func TestZapLogger_Basic(t *testing.T) {
	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	logger.Info("gateway listening", "addr", ":8080")
	logger.Debug("raw alert", "bytes", 128)

	scoped := logger.WithField("component", "executor")
	scoped.Warn("price fallback engaged", "symbol", "BTCUSDT")

	// Odd field counts must not panic, the dangling key is dropped.
	logger.Info("odd fields", "only-key")

	_ = logger.Sync() // stdout sync may fail on some platforms, ignore
}

func TestZapLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	logger, err := NewZapLogger("loud")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("still works")
}

func TestGlobalLogger(t *testing.T) {
	if GetGlobalLogger() == nil {
		t.Fatal("global logger should be initialized by default")
	}
	Info("global info path", "k", "v")
}
