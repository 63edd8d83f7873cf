package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"device-session-control/internal/db"
	"device-session-control/internal/db/migrate"
	"device-session-control/internal/metrics"
	"device-session-control/internal/policy/engine"
	"device-session-control/internal/session/domain"
	"device-session-control/internal/session/repository"
)

// stepClock returns t0, t0+1s, t0+2s, ... on successive calls.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// stubPolicy implements engine.DeviceEvaluator with a fixed answer.
type stubPolicy struct {
	decision engine.Decision
	err      error
	calls    int
}

func (p *stubPolicy) Evaluate(ctx context.Context, identity, deviceID string) (engine.Decision, error) {
	p.calls++
	return p.decision, p.err
}

// recordingAudit implements audit.AuditLogger and keeps every event.
type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) LogEvent(ctx context.Context, userSub, deviceID, action, outcome, metadata string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf("%s %s %s %s", action, userSub, deviceID, outcome))
}

// failingRepo implements repository.Repository and fails every transaction.
type failingRepo struct{ err error }

func (r *failingRepo) WithinIdentity(ctx context.Context, userSub string, fn func(tx repository.Tx) error) error {
	return r.err
}
func (r *failingRepo) Ping(ctx context.Context) error { return r.err }
func (r *failingRepo) Close() error                   { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newService(t *testing.T, max int, opts ...Option) *AdmissionService {
	t.Helper()
	opts = append([]Option{WithClock(newStepClock().Now), WithLogger(quietLogger())}, opts...)
	return NewAdmissionService(repository.NewMemoryRepository(), max, opts...)
}

func deviceIDs(infos []domain.SessionInfo) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.DeviceID)
	}
	return out
}

func equalIDs(got []domain.SessionInfo, want ...string) bool {
	ids := deviceIDs(got)
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

func mustLogin(t *testing.T, s *AdmissionService, identity, deviceID string) *LoginResult {
	t.Helper()
	res, err := s.Login(context.Background(), identity, deviceID)
	if err != nil {
		t.Fatalf("Login(%s, %s): %v", identity, deviceID, err)
	}
	return res
}

func TestLogin_CapReached(t *testing.T) {
	s := newService(t, 3)
	for _, d := range []string{"d1", "d2", "d3"} {
		res := mustLogin(t, s, "U1", d)
		if res.Status != domain.LoginOK {
			t.Fatalf("Login %s status = %s, want ok", d, res.Status)
		}
	}
	res := mustLogin(t, s, "U1", "d3")
	if !equalIDs(res.ActiveSessions, "d1", "d2", "d3") {
		t.Fatalf("active = %v", deviceIDs(res.ActiveSessions))
	}

	res = mustLogin(t, s, "U1", "d4")
	if res.Status != domain.LoginLimitExceeded {
		t.Fatalf("Login d4 status = %s, want limit_exceeded", res.Status)
	}
	if !equalIDs(res.ActiveSessions, "d1", "d2", "d3") {
		t.Errorf("active after limit_exceeded = %v, want [d1 d2 d3]", deviceIDs(res.ActiveSessions))
	}
	n, err := s.ActiveCount(context.Background(), "U1")
	if err != nil || n != 3 {
		t.Errorf("ActiveCount = %d, %v; want 3", n, err)
	}
}

func TestEvict_FreesSlot(t *testing.T) {
	s := newService(t, 3)
	for _, d := range []string{"d1", "d2", "d3"} {
		mustLogin(t, s, "U1", d)
	}
	ev, err := s.Evict(context.Background(), "U1", "d2")
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if !equalIDs(ev.ActiveSessions, "d1", "d3") {
		t.Errorf("active after evict = %v, want [d1 d3]", deviceIDs(ev.ActiveSessions))
	}
	res := mustLogin(t, s, "U1", "d4")
	if res.Status != domain.LoginOK {
		t.Fatalf("Login d4 after evict = %s, want ok", res.Status)
	}
	if !equalIDs(res.ActiveSessions, "d1", "d3", "d4") {
		t.Errorf("active = %v, want [d1 d3 d4]", deviceIDs(res.ActiveSessions))
	}
}

func TestLogin_SameDeviceRefreshes(t *testing.T) {
	s := newService(t, 3)
	first := mustLogin(t, s, "U1", "d1")
	second := mustLogin(t, s, "U1", "d1")
	if second.Status != domain.LoginOK {
		t.Fatalf("re-login status = %s, want ok", second.Status)
	}
	if len(second.ActiveSessions) != 1 {
		t.Fatalf("active len = %d, want 1", len(second.ActiveSessions))
	}
	a, b := first.ActiveSessions[0], second.ActiveSessions[0]
	if !a.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", a.CreatedAt, b.CreatedAt)
	}
	if !b.LastSeenAt.After(a.LastSeenAt) {
		t.Errorf("last_seen_at not advanced: %v -> %v", a.LastSeenAt, b.LastSeenAt)
	}
}

func TestRevokeAll_HeartbeatsReportRevoked(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()
	for _, d := range []string{"d1", "d2", "d3"} {
		mustLogin(t, s, "U1", d)
	}
	mustLogin(t, s, "U2", "d1")

	n, err := s.RevokeAll(ctx, "U1")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("RevokeAll = %d, want 3", n)
	}
	for _, d := range []string{"d1", "d2", "d3"} {
		hb, err := s.Heartbeat(ctx, "U1", d)
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if !hb.Revoked || hb.Message != domain.HeartbeatSessionRevoked {
			t.Errorf("Heartbeat %s = %+v, want revoked", d, hb)
		}
	}
	if n, _ := s.RevokeAll(ctx, "U1"); n != 0 {
		t.Errorf("second RevokeAll = %d, want 0", n)
	}
	hb, err := s.Heartbeat(ctx, "U2", "d1")
	if err != nil || hb.Revoked {
		t.Errorf("other identity heartbeat = %+v, %v; want live", hb, err)
	}
}

func TestLogin_RevokedDeviceNotResurrected(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()
	mustLogin(t, s, "U1", "d1")
	mustLogin(t, s, "U1", "d2")
	if _, err := s.Evict(ctx, "U1", "d1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	res := mustLogin(t, s, "U1", "d1")
	if res.Status != domain.LoginRevoked {
		t.Fatalf("Login after evict = %s, want revoked", res.Status)
	}
	if !equalIDs(res.ActiveSessions, "d2") {
		t.Errorf("active = %v, want [d2]", deviceIDs(res.ActiveSessions))
	}
	if err := s.Logout(ctx, "U1", "d2"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if res := mustLogin(t, s, "U1", "d2"); res.Status != domain.LoginRevoked {
		t.Errorf("Login after logout = %s, want revoked", res.Status)
	}
	if n, _ := s.ActiveCount(ctx, "U1"); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestEvict_NotFoundAndIdempotent(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()
	if _, err := s.Evict(ctx, "U1", "ghost"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Evict unknown: want ErrSessionNotFound, got %v", err)
	}
	mustLogin(t, s, "U1", "d1")
	if _, err := s.Evict(ctx, "U1", "d1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := s.Evict(ctx, "U1", "d1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("second Evict: want ErrSessionNotFound, got %v", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()
	for _, d := range []string{"", "unknown"} {
		if err := s.Logout(ctx, "U1", d); err != nil {
			t.Errorf("Logout(%q): %v", d, err)
		}
	}
	mustLogin(t, s, "U1", "d1")
	for i := 0; i < 2; i++ {
		if err := s.Logout(ctx, "U1", "d1"); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	hb, _ := s.Heartbeat(ctx, "U1", "d1")
	if !hb.Revoked {
		t.Error("heartbeat after logout should report revoked")
	}
}

func TestHeartbeat_States(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()

	hb, err := s.Heartbeat(ctx, "U1", "")
	if err != nil || !hb.Revoked || hb.Message != domain.HeartbeatDeviceMissing {
		t.Errorf("missing device_id = %+v, %v", hb, err)
	}
	hb, err = s.Heartbeat(ctx, "U1", "d1")
	if err != nil || !hb.Revoked || hb.Message != domain.HeartbeatSessionMissing {
		t.Errorf("unknown device = %+v, %v", hb, err)
	}
	if n, _ := s.ActiveCount(ctx, "U1"); n != 0 {
		t.Errorf("heartbeat must not create a session, ActiveCount = %d", n)
	}

	first := mustLogin(t, s, "U1", "d1").ActiveSessions[0]
	hb, err = s.Heartbeat(ctx, "U1", "d1")
	if err != nil || hb.Revoked || hb.Message != "" {
		t.Errorf("live device = %+v, %v", hb, err)
	}
	after := mustLogin(t, s, "U1", "d1").ActiveSessions[0]
	if !after.LastSeenAt.After(first.LastSeenAt) {
		t.Errorf("last_seen_at did not advance: %v -> %v", first.LastSeenAt, after.LastSeenAt)
	}
}

func TestHeartbeat_ClockSkewNeverMovesBackward(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	s := NewAdmissionService(repository.NewMemoryRepository(), 3,
		WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	ctx := context.Background()

	mustLogin(t, s, "U1", "d1")
	now = t0.Add(time.Minute)
	if _, err := s.Heartbeat(ctx, "U1", "d1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	now = t0.Add(10 * time.Second)
	if _, err := s.Heartbeat(ctx, "U1", "d1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got := mustLogin(t, s, "U1", "d1").ActiveSessions[0]
	if !got.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("last_seen_at = %v, want %v", got.LastSeenAt, t0.Add(time.Minute))
	}
}

func TestDeviceIDRequired(t *testing.T) {
	s := newService(t, 3)
	ctx := context.Background()
	if _, err := s.Login(ctx, "U1", ""); !errors.Is(err, domain.ErrDeviceIDRequired) {
		t.Errorf("Login: want ErrDeviceIDRequired, got %v", err)
	}
	if _, err := s.Evict(ctx, "U1", ""); !errors.Is(err, domain.ErrDeviceIDRequired) {
		t.Errorf("Evict: want ErrDeviceIDRequired, got %v", err)
	}
}

func TestLogin_DevicePolicy(t *testing.T) {
	ctx := context.Background()

	deny := &stubPolicy{decision: engine.Decision{Reason: "device_id contains invalid characters"}}
	s := newService(t, 3, WithDevicePolicy(deny))
	_, err := s.Login(ctx, "U1", "bad id")
	if !errors.Is(err, domain.ErrDeviceRejected) {
		t.Fatalf("denied device: want ErrDeviceRejected, got %v", err)
	}
	if n, _ := s.ActiveCount(ctx, "U1"); n != 0 {
		t.Errorf("denied device created a session")
	}

	broken := &stubPolicy{err: context.DeadlineExceeded}
	s = newService(t, 3, WithDevicePolicy(broken))
	if _, err := s.Login(ctx, "U1", "d1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("policy error: want DeadlineExceeded, got %v", err)
	}

	allow := &stubPolicy{decision: engine.Decision{Allow: true}}
	s = newService(t, 1, WithDevicePolicy(allow))
	mustLogin(t, s, "U1", "d1")
	if res := mustLogin(t, s, "U1", "d2"); res.Status != domain.LoginLimitExceeded {
		t.Errorf("allowed device beyond cap = %s, want limit_exceeded", res.Status)
	}
	if allow.calls != 2 {
		t.Errorf("policy calls = %d, want 2", allow.calls)
	}
}

func TestLogin_WithOPAPolicy(t *testing.T) {
	ctx := context.Background()
	policy, err := engine.NewOPAEvaluator(ctx, "", quietLogger())
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	s := newService(t, 3, WithDevicePolicy(policy))
	if _, err := s.Login(ctx, "U1", "no spaces allowed"); !errors.Is(err, domain.ErrDeviceRejected) {
		t.Errorf("want ErrDeviceRejected, got %v", err)
	}
	if res := mustLogin(t, s, "U1", "laptop-01"); res.Status != domain.LoginOK {
		t.Errorf("status = %s, want ok", res.Status)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewAdmissionService(&failingRepo{err: boom}, 3, WithLogger(quietLogger()))
	ctx := context.Background()

	if _, err := s.Login(ctx, "U1", "d1"); !errors.Is(err, boom) {
		t.Errorf("Login: want store error, got %v", err)
	}
	if _, err := s.Heartbeat(ctx, "U1", "d1"); !errors.Is(err, boom) {
		t.Errorf("Heartbeat: want store error, got %v", err)
	}
	if _, err := s.Evict(ctx, "U1", "d1"); !errors.Is(err, boom) {
		t.Errorf("Evict: want store error, got %v", err)
	}
	if err := s.Logout(ctx, "U1", "d1"); !errors.Is(err, boom) {
		t.Errorf("Logout: want store error, got %v", err)
	}
	if _, err := s.RevokeAll(ctx, "U1"); !errors.Is(err, boom) {
		t.Errorf("RevokeAll: want store error, got %v", err)
	}
	if _, err := s.ActiveCount(ctx, "U1"); !errors.Is(err, boom) {
		t.Errorf("ActiveCount: want store error, got %v", err)
	}
}

func TestLogin_ConcurrentCap(t *testing.T) {
	repos := map[string]func(t *testing.T) repository.Repository{
		"memory": func(t *testing.T) repository.Repository { return repository.NewMemoryRepository() },
		"sqlite": func(t *testing.T) repository.Repository {
			conn, err := db.OpenSQLite(context.Background(), ":memory:")
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			if err := migrate.UpSQLite(conn); err != nil {
				t.Fatalf("UpSQLite: %v", err)
			}
			r := repository.NewSQLiteRepository(conn)
			t.Cleanup(func() { _ = r.Close() })
			return r
		},
	}
	for name, newRepo := range repos {
		t.Run(name, func(t *testing.T) {
			const max, workers = 3, 20
			s := NewAdmissionService(newRepo(t), max, WithLogger(quietLogger()))
			ctx := context.Background()

			var wg sync.WaitGroup
			statuses := make(chan domain.LoginStatus, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := s.Login(ctx, "U1", fmt.Sprintf("dev-%02d", i))
					if err != nil {
						t.Errorf("Login: %v", err)
						return
					}
					statuses <- res.Status
				}(i)
			}
			wg.Wait()
			close(statuses)

			counts := map[domain.LoginStatus]int{}
			for st := range statuses {
				counts[st]++
			}
			if counts[domain.LoginOK] != max || counts[domain.LoginLimitExceeded] != workers-max {
				t.Errorf("outcomes = %v, want %d ok and %d limit_exceeded", counts, max, workers-max)
			}
			if n, err := s.ActiveCount(ctx, "U1"); err != nil || n != max {
				t.Errorf("ActiveCount = %d, %v; want %d", n, err, max)
			}
		})
	}
}

func TestMetricsAndAudit(t *testing.T) {
	m := metrics.New()
	rec := &recordingAudit{}
	s := newService(t, 1, WithMetrics(m), WithAuditLogger(rec))
	ctx := context.Background()

	mustLogin(t, s, "U1", "d1")
	mustLogin(t, s, "U1", "d2")
	if _, err := s.Heartbeat(ctx, "U1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RevokeAll(ctx, "U1"); err != nil {
		t.Fatal(err)
	}

	reg := m.Registry()
	if got, err := testutil.GatherAndCount(reg, "sessions_login_total"); err != nil || got != 2 {
		t.Errorf("sessions_login_total series = %d, %v; want 2 (ok, limit_exceeded)", got, err)
	}
	if got, err := testutil.GatherAndCount(reg, "sessions_revoked_total"); err != nil || got != 1 {
		t.Errorf("sessions_revoked_total series = %d, %v; want 1", got, err)
	}

	want := []string{
		"session.login U1 d1 ok",
		"session.login U1 d2 limit_exceeded",
		"session.revoke_all U1  ok",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("audit events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("audit[%d] = %q, want %q", i, rec.events[i], want[i])
		}
	}
}

func TestNewAdmissionService_MinimumCap(t *testing.T) {
	s := NewAdmissionService(repository.NewMemoryRepository(), 0)
	if s.SessionMax() != 1 {
		t.Errorf("SessionMax = %d, want 1", s.SessionMax())
	}
}
