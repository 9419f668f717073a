package guestsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DatabaseName is the fixed file name of the local store inside the data dir.
const DatabaseName = "guestsync.db"

// migrations are applied in order; index i brings the store to version i+1.
// New collections are only ever added, so an upgrade never loses data.
var migrations = []string{
	// v1: entity mirrors and the pending-action log
	`CREATE TABLE IF NOT EXISTS guests (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		id   TEXT NOT NULL UNIQUE,
		doc  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS guest_groups (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		id   TEXT NOT NULL UNIQUE,
		doc  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pending_actions (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);`,
	// v2: temp-ID aliases
	`CREATE TABLE IF NOT EXISTS id_aliases (
		temp_id    TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	// v3: entries parked after a terminal rejection
	`CREATE TABLE IF NOT EXISTS dead_letters (
		seq        INTEGER PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		attempts   INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		failed_at  INTEGER NOT NULL
	);`,
}

// SchemaVersion is the version a freshly opened store ends up at.
var SchemaVersion = len(migrations)

// Store is the device-local SQLite database shared by the cache, the queue
// and the alias table.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the local store under dataDir and brings
// its schema up to SchemaVersion.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	return openAt(ctx, dataDir, SchemaVersion)
}

func openAt(ctx context.Context, dataDir string, version int) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, storageErr("open store", fmt.Errorf("create data directory: %w", err))
	}
	path := filepath.Join(dataDir, DatabaseName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open store", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, storageErr("open store", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx, version); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Version returns the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, storageErr("schema version", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context, target int) error {
	current, err := s.Version(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return storageErr("migrate", fmt.Errorf("store version %d is newer than supported %d", current, len(migrations)))
	}
	for v := current; v < target; v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("migrate", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return storageErr("migrate", fmt.Errorf("apply v%d: %w", v+1, err))
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return storageErr("migrate", fmt.Errorf("record v%d: %w", v+1, err))
		}
		if err := tx.Commit(); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
