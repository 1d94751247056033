package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Patterns table",
		Up: `
CREATE TABLE patterns (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    beats           TEXT NOT NULL,
    beat_count      INTEGER NOT NULL,
    digest          TEXT NOT NULL,
    threshold       REAL,
    allowed_errors  INTEGER,
    created_at      INTEGER NOT NULL
);
CREATE INDEX idx_patterns_digest ON patterns(digest);
`,
	},
	{
		Version:     2,
		Description: "Verification attempts",
		Up: `
CREATE TABLE attempts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern_id      TEXT NOT NULL REFERENCES patterns(id) ON DELETE CASCADE,
    matched         INTEGER NOT NULL,
    length_mismatch INTEGER NOT NULL DEFAULT 0,
    errors          INTEGER NOT NULL,
    max_deviation   REAL NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE INDEX idx_attempts_pattern ON attempts(pattern_id, created_at);
`,
	},
}

// MigrateDB applies every migration newer than the recorded schema version.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version > current {
			if err := applyMigration(db, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().UnixNano(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the schema version this build migrates to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}
