// Package health aggregates liveness probes over the gateway's
// dependencies. Probes run concurrently with a shared deadline so one
// hung dependency cannot stall the endpoint.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"tradehook/internal/core"

	"golang.org/x/sync/errgroup"
)

// Component statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// ComponentStatus is the per-probe verdict.
type ComponentStatus struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt int64  `json:"checked_at"`
}

// Report is the aggregated health verdict.
type Report struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

type registration struct {
	probe    Probe
	critical bool
}

// Manager aggregates health probes from different components.
type Manager struct {
	logger  core.ILogger
	timeout time.Duration

	mu     sync.RWMutex
	probes map[string]registration
}

// NewManager creates a health manager. Probes get the given per-check
// timeout; zero means 3s.
func NewManager(timeout time.Duration, logger core.ILogger) *Manager {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Manager{
		logger:  logger.WithField("component", "health"),
		timeout: timeout,
		probes:  make(map[string]registration),
	}
}

// Register adds a probe. A failing critical probe makes the whole
// report unhealthy; a failing non-critical one only degrades it.
func (m *Manager) Register(component string, critical bool, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[component] = registration{probe: probe, critical: critical}
}

// Check runs every probe concurrently and rolls the verdicts up.
func (m *Manager) Check(ctx context.Context) *Report {
	m.mu.RLock()
	probes := make(map[string]registration, len(m.probes))
	for name, reg := range m.probes {
		probes[name] = reg
	}
	m.mu.RUnlock()

	report := &Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentStatus, len(probes)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, reg := range probes {
		name, reg := name, reg
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := reg.probe(cctx)
			status := ComponentStatus{
				Status:    StatusHealthy,
				Critical:  reg.critical,
				LatencyMS: time.Since(start).Milliseconds(),
				CheckedAt: start.Unix(),
			}
			if err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
				m.logger.Warn("Health probe failed", "probe", name, "error", err)
			}

			mu.Lock()
			report.Components[name] = status
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, status := range report.Components {
		if status.Status != StatusUnhealthy {
			continue
		}
		if status.Critical {
			report.Status = StatusUnhealthy
			break
		}
		report.Status = StatusDegraded
	}
	return report
}

// MemoryProbe fails when the process heap exceeds the threshold in MB.
// Zero disables the check.
func MemoryProbe(thresholdMB uint64) Probe {
	return func(ctx context.Context) error {
		if thresholdMB == 0 {
			return nil
		}
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if used := stats.HeapAlloc / (1 << 20); used > thresholdMB {
			return fmt.Errorf("heap %dMB above threshold %dMB", used, thresholdMB)
		}
		return nil
	}
}
