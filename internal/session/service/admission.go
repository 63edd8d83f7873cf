// Package service implements device session admission: the per-identity cap on concurrently
// active devices, heartbeat liveness, eviction, logout and revoke-all.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"device-session-control/internal/audit"
	auditdomain "device-session-control/internal/audit/domain"
	"device-session-control/internal/metrics"
	"device-session-control/internal/policy/engine"
	"device-session-control/internal/session/domain"
	"device-session-control/internal/session/repository"
)

// Revocation reasons reported to metrics.
const (
	reasonEvict     = "evict"
	reasonLogout    = "logout"
	reasonRevokeAll = "revoke_all"
)

// LoginResult is the outcome of Login. ActiveSessions is the identity's active list after the operation.
type LoginResult struct {
	Status         domain.LoginStatus
	ActiveSessions []domain.SessionInfo
}

// HeartbeatResult tells the device whether it must sign out. Message is set only when Revoked.
type HeartbeatResult struct {
	Revoked bool
	Message string
}

// EvictResult carries the identity's active list after the eviction.
type EvictResult struct {
	ActiveSessions []domain.SessionInfo
}

// AdmissionService decides which devices may hold a session for an identity.
// Every operation runs inside the store's per-identity critical section, so the cap check
// and the insert are one decision.
type AdmissionService struct {
	repo       repository.Repository
	sessionMax int
	policy     engine.DeviceEvaluator
	audit      audit.AuditLogger
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures an AdmissionService.
type Option func(*AdmissionService)

// WithClock overrides the time source (default time.Now).
func WithClock(now func() time.Time) Option {
	return func(s *AdmissionService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDevicePolicy consults p before a new device is admitted.
func WithDevicePolicy(p engine.DeviceEvaluator) Option {
	return func(s *AdmissionService) { s.policy = p }
}

func WithAuditLogger(a audit.AuditLogger) Option {
	return func(s *AdmissionService) { s.audit = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AdmissionService) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AdmissionService) {
		if l != nil {
			s.log = l
		}
	}
}

// NewAdmissionService returns an AdmissionService enforcing sessionMax active sessions per identity.
// sessionMax below 1 is treated as 1.
func NewAdmissionService(repo repository.Repository, sessionMax int, opts ...Option) *AdmissionService {
	if sessionMax < 1 {
		sessionMax = 1
	}
	s := &AdmissionService{
		repo:       repo,
		sessionMax: sessionMax,
		log:        slog.Default(),
		now:        time.Now,
		tracer:     otel.Tracer("device-session-control/internal/session/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionMax returns the configured cap.
func (s *AdmissionService) SessionMax() int { return s.sessionMax }

// Login admits deviceID for identity. A known active device is touched; a revoked device stays
// revoked; a new device is created only while the identity is below the cap.
func (s *AdmissionService) Login(ctx context.Context, identity, deviceID string) (_ *LoginResult, err error) {
	ctx, span := s.startSpan(ctx, "session.Login", identity, deviceID)
	defer func() { endSpan(span, err) }()

	if deviceID == "" {
		return nil, domain.ErrDeviceIDRequired
	}
	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, identity, deviceID)
		if err != nil {
			return nil, fmt.Errorf("evaluate device policy: %w", err)
		}
		if !decision.Allow {
			s.metrics.ObserveLogin("rejected")
			s.log.InfoContext(ctx, "session.login", "user_sub", identity, "device_id", deviceID, "status", "rejected", "reason", decision.Reason)
			s.auditEvent(ctx, identity, deviceID, auditdomain.ActionLogin, "rejected", decision.Reason)
			if decision.Reason == "" {
				return nil, domain.ErrDeviceRejected
			}
			return nil, fmt.Errorf("%w: %s", domain.ErrDeviceRejected, decision.Reason)
		}
	}

	res := &LoginResult{}
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		now := s.now().UTC()
		existing, err := tx.Find(ctx, deviceID)
		if err != nil {
			return err
		}
		switch {
		case existing != nil && !existing.Active():
			res.Status = domain.LoginRevoked
		case existing != nil:
			if _, err := tx.Touch(ctx, existing.ID, now); err != nil {
				return err
			}
			res.Status = domain.LoginOK
		default:
			n, err := tx.CountActive(ctx)
			if err != nil {
				return err
			}
			if n >= s.sessionMax {
				res.Status = domain.LoginLimitExceeded
				break
			}
			if _, err := tx.Create(ctx, deviceID, now); err != nil {
				return err
			}
			res.Status = domain.LoginOK
		}
		active, err := tx.ListActive(ctx)
		if err != nil {
			return err
		}
		res.ActiveSessions = domain.Infos(active)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	s.metrics.ObserveLogin(string(res.Status))
	s.log.InfoContext(ctx, "session.login", "user_sub", identity, "device_id", deviceID, "status", res.Status, "active", len(res.ActiveSessions))
	s.auditEvent(ctx, identity, deviceID, auditdomain.ActionLogin, string(res.Status), "active="+strconv.Itoa(len(res.ActiveSessions)))
	return res, nil
}

// Heartbeat refreshes last_seen_at of an active session. Missing or revoked sessions are reported
// as revoked so the device signs out; a heartbeat never creates or revives a session.
func (s *AdmissionService) Heartbeat(ctx context.Context, identity, deviceID string) (_ *HeartbeatResult, err error) {
	ctx, span := s.startSpan(ctx, "session.Heartbeat", identity, deviceID)
	defer func() { endSpan(span, err) }()

	if deviceID == "" {
		s.metrics.ObserveHeartbeat(true)
		return &HeartbeatResult{Revoked: true, Message: domain.HeartbeatDeviceMissing}, nil
	}
	res := &HeartbeatResult{}
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		sess, err := tx.Find(ctx, deviceID)
		if err != nil {
			return err
		}
		switch {
		case sess == nil:
			res.Revoked, res.Message = true, domain.HeartbeatSessionMissing
		case !sess.Active():
			res.Revoked, res.Message = true, domain.HeartbeatSessionRevoked
		default:
			touched, err := tx.Touch(ctx, sess.ID, s.now().UTC())
			if err != nil {
				return err
			}
			if !touched {
				res.Revoked, res.Message = true, domain.HeartbeatSessionRevoked
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	s.metrics.ObserveHeartbeat(res.Revoked)
	if res.Revoked {
		s.log.DebugContext(ctx, "session.heartbeat", "user_sub", identity, "device_id", deviceID, "revoked", true, "message", res.Message)
	}
	return res, nil
}

// Evict revokes the active session of deviceID. Returns domain.ErrSessionNotFound when the
// device has no active session.
func (s *AdmissionService) Evict(ctx context.Context, identity, deviceID string) (_ *EvictResult, err error) {
	ctx, span := s.startSpan(ctx, "session.Evict", identity, deviceID)
	defer func() { endSpan(span, err) }()

	if deviceID == "" {
		return nil, domain.ErrDeviceIDRequired
	}
	res := &EvictResult{}
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		sess, err := tx.Find(ctx, deviceID)
		if err != nil {
			return err
		}
		if !sess.Active() {
			return domain.ErrSessionNotFound
		}
		if _, err := tx.Revoke(ctx, sess.ID, s.now().UTC()); err != nil {
			return err
		}
		active, err := tx.ListActive(ctx)
		if err != nil {
			return err
		}
		res.ActiveSessions = domain.Infos(active)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("evict: %w", err)
	}
	s.metrics.ObserveRevocations(reasonEvict, 1)
	s.log.InfoContext(ctx, "session.evict", "user_sub", identity, "device_id", deviceID, "active", len(res.ActiveSessions))
	s.auditEvent(ctx, identity, deviceID, auditdomain.ActionEvict, "evicted", "")
	return res, nil
}

// Logout revokes deviceID's active session if there is one. It is a no-op for a missing
// device_id, an unknown device, or an already revoked session.
func (s *AdmissionService) Logout(ctx context.Context, identity, deviceID string) (err error) {
	ctx, span := s.startSpan(ctx, "session.Logout", identity, deviceID)
	defer func() { endSpan(span, err) }()

	if deviceID == "" {
		return nil
	}
	var revoked bool
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		sess, err := tx.Find(ctx, deviceID)
		if err != nil {
			return err
		}
		if !sess.Active() {
			return nil
		}
		revoked, err = tx.Revoke(ctx, sess.ID, s.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if revoked {
		s.metrics.ObserveRevocations(reasonLogout, 1)
		s.log.InfoContext(ctx, "session.logout", "user_sub", identity, "device_id", deviceID)
		s.auditEvent(ctx, identity, deviceID, auditdomain.ActionLogout, "ok", "")
	}
	return nil
}

// RevokeAll revokes every active session of identity and returns how many were revoked.
func (s *AdmissionService) RevokeAll(ctx context.Context, identity string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "session.RevokeAll", identity, "")
	defer func() { endSpan(span, err) }()

	var n int
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		n, err = tx.RevokeAllActive(ctx, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	s.metrics.ObserveRevocations(reasonRevokeAll, n)
	s.log.InfoContext(ctx, "session.revoke_all", "user_sub", identity, "revoked", n)
	s.auditEvent(ctx, identity, "", auditdomain.ActionRevokeAll, "ok", "revoked="+strconv.Itoa(n))
	return n, nil
}

// ActiveCount returns the number of active sessions of identity.
func (s *AdmissionService) ActiveCount(ctx context.Context, identity string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "session.ActiveCount", identity, "")
	defer func() { endSpan(span, err) }()

	var n int
	err = s.repo.WithinIdentity(ctx, identity, func(tx repository.Tx) error {
		n, err = tx.CountActive(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

func (s *AdmissionService) startSpan(ctx context.Context, name, identity, deviceID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("session.user_sub", identity))
	if deviceID != "" {
		span.SetAttributes(attribute.String("session.device_id", deviceID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *AdmissionService) auditEvent(ctx context.Context, identity, deviceID, action, outcome, metadata string) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, identity, deviceID, action, outcome, metadata)
}
