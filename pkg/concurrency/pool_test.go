package concurrency

import (
	"sync/atomic"
	"testing"
	"tradehook/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_SubmitAndWait(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 3, MaxCapacity: 10}, &noopLogger{})
	defer pool.Stop()

	var counter int64
	for i := 0; i < 20; i++ {
		pool.SubmitAndWait(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	if counter != 20 {
		t.Fatalf("expected 20 completed tasks, got %d", counter)
	}
}

func TestWorkerPool_PanicRecovered(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "panicky", MaxWorkers: 1, MaxCapacity: 5}, &noopLogger{})

	_ = pool.Submit(func() { panic("boom") })
	pool.Stop() // must not propagate the panic
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "bench",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, &noopLogger{})
	defer pool.Stop()

	b.ResetTimer()
	var counter int64
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}
