package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"device-session-control/internal/platform/keylock"
	"device-session-control/internal/session/domain"
)

// SQLiteRepository stores sessions in a SQLite database. Timestamps are stored as Unix nanoseconds.
// The admission lock is in-process, so a database file must be served by a single instance.
type SQLiteRepository struct {
	db    *sql.DB
	locks keylock.Locker
}

// NewSQLiteRepository returns a session repository backed by db (opened with the sqlite3 driver).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) WithinIdentity(ctx context.Context, userSub string, fn func(tx Tx) error) (err error) {
	unlock := r.locks.Lock(userSub)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: tx, userSub: userSub}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type sqliteTx struct {
	tx      *sql.Tx
	userSub string
}

func (t *sqliteTx) ListActive(ctx context.Context) ([]*domain.Session, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM device_sessions
		WHERE user_sub = ? AND revoked_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, t.userSub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Find(ctx context.Context, deviceID string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM device_sessions
		WHERE user_sub = ? AND device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, t.userSub, deviceID)
	s, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (t *sqliteTx) Create(ctx context.Context, deviceID string, now time.Time) (*domain.Session, error) {
	now = now.UTC()
	s := &domain.Session{
		ID:         uuid.New().String(),
		UserSub:    t.userSub,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO device_sessions (id, user_sub, device_id, created_at, last_seen_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, s.ID, s.UserSub, s.DeviceID, now.UnixNano(), now.UnixNano())
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *sqliteTx) Touch(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE device_sessions
		SET last_seen_at = MAX(last_seen_at, ?)
		WHERE id = ? AND user_sub = ? AND revoked_at IS NULL
	`, now.UnixNano(), sessionID, t.userSub)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqliteTx) Revoke(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE device_sessions
		SET revoked_at = ?
		WHERE id = ? AND user_sub = ? AND revoked_at IS NULL
	`, now.UnixNano(), sessionID, t.userSub)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqliteTx) RevokeAllActive(ctx context.Context, now time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE device_sessions
		SET revoked_at = ?
		WHERE user_sub = ? AND revoked_at IS NULL
	`, now.UnixNano(), t.userSub)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqliteTx) CountActive(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT count(*) FROM device_sessions WHERE user_sub = ? AND revoked_at IS NULL
	`, t.userSub).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*domain.Session, error) {
	var (
		s                   domain.Session
		createdAt, lastSeen int64
		revokedAt           sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.UserSub, &s.DeviceID, &createdAt, &lastSeen, &revokedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.LastSeenAt = time.Unix(0, lastSeen).UTC()
	if revokedAt.Valid {
		at := time.Unix(0, revokedAt.Int64).UTC()
		s.RevokedAt = &at
	}
	return &s, nil
}
