package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-session-control/internal/platform/keylock"
	"device-session-control/internal/session/domain"
)

// MemoryRepository keeps sessions in process memory. Writes made by fn are staged and applied
// only when fn returns nil. Intended for tests and local demos.
type MemoryRepository struct {
	locks keylock.Locker

	mu       sync.RWMutex
	sessions map[string][]*domain.Session // by user_sub, in insertion order
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string][]*domain.Session)}
}

func (r *MemoryRepository) WithinIdentity(ctx context.Context, userSub string, fn func(tx Tx) error) error {
	unlock := r.locks.Lock(userSub)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	staged := make([]*domain.Session, 0, len(r.sessions[userSub]))
	for _, s := range r.sessions[userSub] {
		c := *s
		staged = append(staged, &c)
	}
	r.mu.RUnlock()

	tx := &memoryTx{userSub: userSub, sessions: staged}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[userSub] = tx.sessions
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) Close() error { return nil }

type memoryTx struct {
	userSub  string
	sessions []*domain.Session
}

func (t *memoryTx) ListActive(context.Context) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range t.sessions {
		if s.Active() {
			c := *s
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memoryTx) Find(_ context.Context, deviceID string) (*domain.Session, error) {
	var found *domain.Session
	for _, s := range t.sessions {
		if s.DeviceID != deviceID {
			continue
		}
		if found == nil || !s.CreatedAt.Before(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (t *memoryTx) Create(_ context.Context, deviceID string, now time.Time) (*domain.Session, error) {
	for _, s := range t.sessions {
		if s.DeviceID == deviceID && s.Active() {
			return nil, ErrActiveSessionExists
		}
	}
	now = now.UTC()
	s := &domain.Session{
		ID:         uuid.New().String(),
		UserSub:    t.userSub,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	t.sessions = append(t.sessions, s)
	c := *s
	return &c, nil
}

func (t *memoryTx) Touch(_ context.Context, sessionID string, now time.Time) (bool, error) {
	s := t.byID(sessionID)
	if !s.Active() {
		return false, nil
	}
	if now.After(s.LastSeenAt) {
		s.LastSeenAt = now.UTC()
	}
	return true, nil
}

func (t *memoryTx) Revoke(_ context.Context, sessionID string, now time.Time) (bool, error) {
	s := t.byID(sessionID)
	if !s.Active() {
		return false, nil
	}
	at := now.UTC()
	s.RevokedAt = &at
	return true, nil
}

func (t *memoryTx) RevokeAllActive(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, s := range t.sessions {
		if s.Active() {
			at := now.UTC()
			s.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) CountActive(context.Context) (int, error) {
	n := 0
	for _, s := range t.sessions {
		if s.Active() {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) byID(id string) *domain.Session {
	for _, s := range t.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}
