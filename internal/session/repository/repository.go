package repository

import (
	"context"
	"errors"
	"time"

	"device-session-control/internal/session/domain"
)

// ErrActiveSessionExists is returned by Create when the device already has an active session
// for the identity (the partial unique index on user_sub, device_id).
var ErrActiveSessionExists = errors.New("active session already exists for device")

// Tx is the session store as seen from inside one identity's critical section.
// Every method is scoped to the identity passed to Repository.WithinIdentity.
type Tx interface {
	// ListActive returns the identity's unrevoked sessions ordered by created_at, then id.
	ListActive(ctx context.Context) ([]*domain.Session, error)
	// Find returns the most recent session for deviceID regardless of revocation, or nil if none exists.
	Find(ctx context.Context, deviceID string) (*domain.Session, error)
	// Create inserts a new active session for deviceID with created_at = last_seen_at = now.
	Create(ctx context.Context, deviceID string, now time.Time) (*domain.Session, error)
	// Touch advances last_seen_at to max(last_seen_at, now) if the session is still active.
	// Reports whether an active row was found.
	Touch(ctx context.Context, sessionID string, now time.Time) (bool, error)
	// Revoke sets revoked_at = now if it is unset. Reports whether the row changed.
	Revoke(ctx context.Context, sessionID string, now time.Time) (bool, error)
	// RevokeAllActive revokes every active session of the identity and returns how many changed.
	RevokeAllActive(ctx context.Context, now time.Time) (int, error)
	// CountActive returns the number of active sessions of the identity.
	CountActive(ctx context.Context) (int, error)
}

// Repository is the durable session store.
type Repository interface {
	// WithinIdentity runs fn in one transaction holding userSub's admission lock.
	// fn's writes commit only if it returns nil. Different identities never wait on each other.
	WithinIdentity(ctx context.Context, userSub string, fn func(tx Tx) error) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}
