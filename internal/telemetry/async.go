// Package telemetry holds delivery helpers shared by the telemetry exporters.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"device-session-control/internal/audit"
	"device-session-control/internal/audit/domain"
)

// emitTimeout is the max time allowed for a single async emit. ShutdownDrainDuration is derived from it.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long Drain should be given after the servers stop, before the
// OTel providers shut down. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// AsyncEmitter runs each Emit of the wrapped emitter in its own goroutine so request handlers
// are not blocked by exporter latency. Errors are logged, never returned.
type AsyncEmitter struct {
	inner audit.Emitter
	log   *slog.Logger
	wg    sync.WaitGroup
}

// NewAsyncEmitter wraps inner. A nil inner yields an emitter that drops events.
func NewAsyncEmitter(inner audit.Emitter, log *slog.Logger) *AsyncEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &AsyncEmitter{inner: inner, log: log}
}

// Emit schedules event for delivery and returns immediately. The emit keeps ctx's values
// (trace context) but not its cancellation, and is bounded by emitTimeout.
func (e *AsyncEmitter) Emit(ctx context.Context, event *domain.AuditEvent) error {
	if e.inner == nil || event == nil {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		emitCtx, cancel := context.WithTimeout(detached, emitTimeout)
		defer cancel()
		if err := e.inner.Emit(emitCtx, event); err != nil {
			e.log.Warn("telemetry.emit", "action", event.Action, "error", err)
		}
	}()
	return nil
}

// Drain waits for in-flight emits, or until ctx is done.
func (e *AsyncEmitter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
