package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations, one directory per dialect.
// Used by the migrate runner (cmd/migrate) and by SQLite stores at startup.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationFS embed.FS

// Dialect names a migration directory under migrations/.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// MigrationDir returns the path of the dialect's migrations inside MigrationFS.
func MigrationDir(d Dialect) string {
	return "migrations/" + string(d)
}
