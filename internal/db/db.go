// Package db provides the embedded SQLite store for task records.
//
// The store is the single persistence mechanism: one tasks table, no
// separate log or cache. It runs in WAL mode so readers proceed while a
// writer commits, and every mutation is a single UPDATE statement that
// increments the version column in place, which makes compare-and-increment
// atomic at the row.
//
// Lifecycle:
//  1. Open at process start (creates the file and parent directory)
//  2. InitSchema (idempotent)
//  3. Inject *DB into the service, sync engine and transports
//  4. Close once at shutdown
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sqlx.DB
	path string
	now  func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so that every pooled connection gets them,
// not just the first one.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".tasksync/tasks.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := newDB(conn, opts...)
	db.path = path
	return db, nil
}

func newDB(conn *sqlx.DB, opts ...Option) *DB {
	db := &DB{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn.DB
}

// Ping verifies the connection is still usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tasks table and its indexes if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		client_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT CHECK (priority IN ('low', 'medium', 'high')),
		completed INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_sync_at TEXT,
		deleted_at TEXT  -- NULL while live
	);

	-- Delta pulls scan by updated_at, tombstones included
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at, id);

	-- Listing is live-only, optionally per client, newest first
	CREATE INDEX IF NOT EXISTS idx_tasks_live_client
	    ON tasks(client_id, created_at) WHERE deleted_at IS NULL;
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
