package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for the audit store. Durability-critical
// state (positions, nonces) lives in per-account files; this store keeps
// the historical record operators query after the fact.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{DB: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return d, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func (d *Database) migrate() error {
	_, err := d.DB.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	broker        TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	qty           REAL NOT NULL,
	avg_price     REAL NOT NULL,
	notional      REAL NOT NULL,
	status        TEXT NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, created_at);

CREATE TABLE IF NOT EXISTS copy_audit (
	id               TEXT PRIMARY KEY,
	intent_id        TEXT NOT NULL,
	master_account   TEXT NOT NULL,
	follower_account TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	forwarded        INTEGER NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	notional         REAL NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_copy_audit_intent ON copy_audit(intent_id);

CREATE TABLE IF NOT EXISTS equity_history (
	account_id  TEXT NOT NULL,
	date        TEXT NOT NULL,
	equity      REAL NOT NULL,
	peak        REAL NOT NULL,
	drawdown    REAL NOT NULL,
	daily_pnl   REAL NOT NULL DEFAULT 0,
	trades      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, date)
);
`
