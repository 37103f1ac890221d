package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradehook/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewManager(time.Second, logger)
}

func TestCheckEmptyManagerIsHealthy(t *testing.T) {
	m := newManager(t)
	report := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Components)
}

func TestCheckRollup(t *testing.T) {
	m := newManager(t)
	m.Register("database", true, func(ctx context.Context) error { return nil })
	m.Register("redis", true, func(ctx context.Context) error { return nil })

	report := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, StatusHealthy, report.Components["database"].Status)

	m.Register("broker", false, func(ctx context.Context) error { return errors.New("down") })
	report = m.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "down", report.Components["broker"].Error)

	m.Register("database", true, func(ctx context.Context) error { return errors.New("pool exhausted") })
	report = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestCheckEnforcesProbeTimeout(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	m := NewManager(20*time.Millisecond, logger)

	m.Register("slow", true, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	report := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestMemoryProbe(t *testing.T) {
	assert.NoError(t, MemoryProbe(0)(context.Background()))
	assert.NoError(t, MemoryProbe(1<<30)(context.Background()))

	ballast := make([]byte, 8<<20)
	assert.Error(t, MemoryProbe(1)(context.Background()))
	_ = ballast[0]
}
