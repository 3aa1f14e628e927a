// Package store implements the durable task/batch/state-log/proof-log store
// on SQLite with write-ahead logging, schema migration, and backup/rollback.
//
// The store is the linearisation point for all task state: every status
// write goes through internal/state.Transition, which serialises through
// the store's write lock (BEGIN IMMEDIATE).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/Shepherd/internal/debug"
)

// Store wraps the SQLite database holding all supervisor state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the store at dbPath, applies the base
// schema, and runs any pending migrations. busyTimeout bounds how long a
// writer waits on the database lock before failing.
func Open(ctx context.Context, dbPath string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	connStr := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		dbPath, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between pooled
	// connections inside one process; cross-process contention is handled
	// by the busy timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	debug.Logf("Debug: opened store at %s\n", dbPath)
	return s, nil
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UnderlyingDB exposes the raw connection for extensions and tests.
// Direct access bypasses the transition discipline; use with caution.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// RunInTransaction executes fn inside a single BEGIN IMMEDIATE transaction.
// If fn returns an error or panics the transaction is rolled back,
// otherwise it is committed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// _txlock=immediate makes this BEGIN IMMEDIATE: the write lock is
	// acquired up front so concurrent writers queue on the busy timeout
	// instead of deadlocking mid-transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// GetMetadata reads an internal metadata value; returns "" when unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata writes an internal metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}
