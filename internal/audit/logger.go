// Package audit records session admission outcomes as audit events.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"device-session-control/internal/audit/domain"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Emitter ships an audit event to its sink (e.g. OTel logs). Best-effort.
type Emitter interface {
	Emit(ctx context.Context, event *domain.AuditEvent) error
}

// AuditLogger writes a single audit event. Used by the admission engine.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, userSub, deviceID, action, outcome, metadata string)
}

// Logger implements AuditLogger on top of an Emitter and a structured log line.
type Logger struct {
	emitter     Emitter
	ipExtractor IPExtractor
	log         *slog.Logger
	now         func() time.Time
}

// NewLogger returns an AuditLogger that emits to emitter and uses ipExtractor for client IP.
// emitter and ipExtractor may be nil; then events are only logged and IP is recorded as "unknown".
func NewLogger(emitter Emitter, ipExtractor IPExtractor, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{emitter: emitter, ipExtractor: ipExtractor, log: log, now: time.Now}
}

// LogEvent records one audit event. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, userSub, deviceID, action, outcome, metadata string) {
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	event := &domain.AuditEvent{
		ID:        uuid.New().String(),
		UserSub:   userSub,
		DeviceID:  deviceID,
		Action:    action,
		Outcome:   outcome,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	}
	l.log.InfoContext(ctx, "audit.event",
		"audit_id", event.ID,
		"user_sub", userSub,
		"device_id", deviceID,
		"action", action,
		"outcome", outcome,
		"ip", ip,
	)
	if l.emitter == nil {
		return
	}
	if err := l.emitter.Emit(ctx, event); err != nil {
		l.log.WarnContext(ctx, "audit.emit", "action", action, "error", err)
	}
}
