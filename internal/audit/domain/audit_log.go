package domain

import "time"

// Audit actions recorded for session operations.
const (
	ActionLogin     = "session.login"
	ActionEvict     = "session.evict"
	ActionLogout    = "session.logout"
	ActionRevokeAll = "session.revoke_all"
)

// AuditEvent is one security-relevant outcome for an identity. Events are emitted, not stored.
type AuditEvent struct {
	ID        string
	UserSub   string
	DeviceID  string
	Action    string
	Outcome   string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
