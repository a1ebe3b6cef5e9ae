// Package storage is the reference worker's SQLite store. The bridge itself
// keeps no durable state; only workers own data.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DBPathEnv names the environment variable a worker reads its database path
// from.
const DBPathEnv = "PROCBRIDGE_WORKER_DB"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. ":memory:" opens a private in-memory store.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	memory := path == ":memory:" || strings.HasPrefix(path, "file:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  name          TEXT NOT NULL,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT,
  google_sub    TEXT UNIQUE,
  created_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS session (
  id         INTEGER PRIMARY KEY CHECK (id = 1),
  user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  started_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS bank (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  bank_name       TEXT NOT NULL,
  account         TEXT NOT NULL,
  current_balance REAL NOT NULL DEFAULT 0,
  endpoint        TEXT NOT NULL DEFAULT '',
  color           TEXT NOT NULL DEFAULT '',
  role            TEXT NOT NULL DEFAULT '',
  created_at      TEXT NOT NULL,
  UNIQUE (user_id, bank_name, account)
);`,
		`CREATE TABLE IF NOT EXISTS billing (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  bank_id        INTEGER NOT NULL REFERENCES bank(id) ON DELETE CASCADE,
  date           TEXT NOT NULL,
  state          TEXT NOT NULL CHECK (state IN ('Income', 'Expense')),
  price          REAL NOT NULL,
  cost_center_id INTEGER,
  after_balance  REAL NOT NULL,
  created_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS app_settings (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS bank_user_idx ON bank(user_id);`,
		`CREATE INDEX IF NOT EXISTS billing_bank_date_idx ON billing(bank_id, date);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
