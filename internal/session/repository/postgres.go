package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"device-session-control/internal/session/domain"
)

const sessionColumns = `id, user_sub, device_id, created_at, last_seen_at, revoked_at`

// PostgresRepository stores sessions in Postgres. The admission lock is a transaction-scoped
// advisory lock keyed by a hash of the identity, so it serializes admissions across replicas too.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a session repository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) WithinIdentity(ctx context.Context, userSub string, fn func(tx Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userSub); err != nil {
		return fmt.Errorf("identity lock: %w", err)
	}
	if err = fn(&pgTx{tx: tx, userSub: userSub}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type pgTx struct {
	tx      pgx.Tx
	userSub string
}

func (t *pgTx) ListActive(ctx context.Context) ([]*domain.Session, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM device_sessions
		WHERE user_sub = $1 AND revoked_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, t.userSub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) Find(ctx context.Context, deviceID string) (*domain.Session, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM device_sessions
		WHERE user_sub = $1 AND device_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, t.userSub, deviceID)
	s, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (t *pgTx) Create(ctx context.Context, deviceID string, now time.Time) (*domain.Session, error) {
	s := &domain.Session{
		ID:         uuid.New().String(),
		UserSub:    t.userSub,
		DeviceID:   deviceID,
		CreatedAt:  now.UTC(),
		LastSeenAt: now.UTC(),
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO device_sessions (id, user_sub, device_id, created_at, last_seen_at, revoked_at)
		VALUES ($1, $2, $3, $4, $4, NULL)
	`, s.ID, s.UserSub, s.DeviceID, s.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *pgTx) Touch(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE device_sessions
		SET last_seen_at = GREATEST(last_seen_at, $3)
		WHERE id = $1 AND user_sub = $2 AND revoked_at IS NULL
	`, sessionID, t.userSub, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) Revoke(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE device_sessions
		SET revoked_at = $3
		WHERE id = $1 AND user_sub = $2 AND revoked_at IS NULL
	`, sessionID, t.userSub, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) RevokeAllActive(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE device_sessions
		SET revoked_at = $2
		WHERE user_sub = $1 AND revoked_at IS NULL
	`, t.userSub, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) CountActive(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM device_sessions WHERE user_sub = $1 AND revoked_at IS NULL
	`, t.userSub).Scan(&n)
	return n, err
}

func scanPgSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.UserSub, &s.DeviceID, &s.CreatedAt, &s.LastSeenAt, &s.RevokedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastSeenAt = s.LastSeenAt.UTC()
	if s.RevokedAt != nil {
		at := s.RevokedAt.UTC()
		s.RevokedAt = &at
	}
	return &s, nil
}
