// Package db implements the SQLite persistence layer for shardgate: the
// version policy table that drives feature negotiation and the account
// store behind the login gateway.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database is a SQLite handle whose writes are serialised by mu.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// migrations are applied in order. PRAGMA user_version records how many
// have run, so append new steps and never edit old ones.
var migrations = []string{
	`CREATE TABLE version_policies (
		major INTEGER NOT NULL,
		minor INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		patch INTEGER NOT NULL,
		features TEXT NOT NULL DEFAULT 'none',
		note TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (major, minor, revision, patch)
	)`,
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL COLLATE NOCASE,
		salt TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_login DATETIME
	)`,
	`CREATE TABLE login_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		remote TEXT NOT NULL,
		accepted INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_login_history_account ON login_history(account);
	CREATE INDEX idx_login_history_created ON login_history(created_at)`,
}

// NewDatabase opens or creates the SQLite file at dbPath and applies any
// pending migrations.
func NewDatabase(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + filepath.ToSlash(dbPath) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	// One connection serialises writers; sqlite allows only one anyway.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	d := &Database{db: conn, path: dbPath}
	applied, err := d.migrate()
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Int("migrations_applied", applied).Int("schema_version", len(migrations)).Msg("database opened")
	return d, nil
}

// SchemaVersion returns the number of migrations applied to the file.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := d.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (d *Database) migrate() (int, error) {
	current, err := d.SchemaVersion(context.Background())
	if err != nil {
		return 0, err
	}
	if current > len(migrations) {
		return 0, fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[v]); err != nil {
				return err
			}
			// PRAGMA takes no bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return v - current, fmt.Errorf("migration %d failed: %w", v+1, err)
		}
		log.Debug().Int("version", v+1).Msg("database migration applied")
	}
	return len(migrations) - current, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a write statement under the writer lock.
func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query runs a read statement.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read statement expected to return one row.
func (d *Database) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Transaction runs fn in a transaction under the writer lock, rolling back
// when fn fails.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
