// Package statsstore persists periodic scalar telemetry — never frame
// payloads (spec.md Non-goals exclude persisted processed frames) — to a
// SQLite database, grounded on the teacher's internal/db package: the same
// golang-migrate + modernc.org/sqlite + embedded-migrations-FS stack, the
// same WAL/NORMAL/busy_timeout pragmas, trimmed down from the teacher's
// schema-detection/baselining machinery (there's no legacy schema to
// detect here — every Caldera deployment starts from migration 1).
package statsstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sqlite-backed stats database.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite file at path, applies the
// teacher's standard pragma set, and migrates it to the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsstore: open %s: %w", path, err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statsstore: migrations sub-fs: %w", err)
	}
	if err := migrateUp(db, sub); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("statsstore: pragma %q: %w", p, err)
		}
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[statsstore-migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

func migrateUp(db *sql.DB, migrations fs.FS) error {
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("statsstore: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("statsstore: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("statsstore: migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("statsstore: migrate up: %w", err)
	}
	return nil
}
