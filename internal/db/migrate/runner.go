// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"device-session-control/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in the given direction to the database at dsn.
// dsn is postgres://..., sqlite://path, sqlite3://path or file:path; the dialect follows the scheme.
// direction must be "up" or "down". Returns nil on success, including when already at the target version.
func Run(dsn string, direction string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	dialect, url, err := migrateURL(dsn)
	if err != nil {
		return err
	}

	sourceDriver, err := iofs.New(db.MigrationFS, db.MigrationDir(dialect))
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	return apply(m, direction)
}

// UpSQLite applies all pending SQLite migrations on an open connection.
// The connection stays open; the caller still owns it.
func UpSQLite(conn *sql.DB) error {
	sourceDriver, err := iofs.New(db.MigrationFS, db.MigrationDir(db.DialectSQLite))
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// m.Close would close conn through the driver.
	return apply(m, "up")
}

func apply(m *migrate.Migrate, direction string) error {
	var err error
	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrateURL maps an application DATABASE_URL to the golang-migrate database URL and dialect.
func migrateURL(dsn string) (db.Dialect, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return db.DialectPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite3://"):
		return db.DialectSQLite, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return db.DialectSQLite, "sqlite3://" + strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return db.DialectSQLite, "sqlite3://" + strings.TrimPrefix(dsn, "file:"), nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme in %q", dsn)
	}
}
