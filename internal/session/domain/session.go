package domain

import (
	"errors"
	"time"
)

var (
	// ErrDeviceIDRequired is returned when an operation that names a device is called without one.
	ErrDeviceIDRequired = errors.New("device_id required")
	// ErrDeviceRejected is returned when the device policy refuses a device_id.
	ErrDeviceRejected = errors.New("device_id rejected")
	// ErrSessionNotFound is returned by evict when the device has no active session.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is one device's login lineage for an identity. Rows are never deleted;
// revocation is terminal.
type Session struct {
	ID         string
	UserSub    string
	DeviceID   string
	CreatedAt  time.Time
	LastSeenAt time.Time
	RevokedAt  *time.Time // nil while active
}

// Active reports whether the session has not been revoked.
func (s *Session) Active() bool {
	return s != nil && s.RevokedAt == nil
}

// Info returns the client-facing view of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		DeviceID:   s.DeviceID,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		RevokedAt:  s.RevokedAt,
	}
}

// SessionInfo is the client-facing projection of a Session.
type SessionInfo struct {
	DeviceID   string     `json:"device_id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Infos projects sessions in order.
func Infos(sessions []*Session) []SessionInfo {
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// LoginStatus is the outcome of a login attempt.
type LoginStatus string

const (
	LoginOK            LoginStatus = "ok"
	LoginLimitExceeded LoginStatus = "limit_exceeded"
	LoginRevoked       LoginStatus = "revoked"
)

// Heartbeat messages returned with revoked=true.
const (
	HeartbeatDeviceMissing  = "device_id missing"
	HeartbeatSessionMissing = "session missing"
	HeartbeatSessionRevoked = "session revoked"
)
