// Package sqlite provides SQLite-based persistent storage for pmkt.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/proofmarket/pmkt/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "state.db"

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, FileName)
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Protocol registry
		`CREATE TABLE IF NOT EXISTS protocols (
			protocol TEXT PRIMARY KEY,
			asset    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS min_stakes (
			protocol TEXT NOT NULL REFERENCES protocols(protocol),
			asset    TEXT NOT NULL,
			amount   INTEGER NOT NULL,
			PRIMARY KEY (protocol, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS asks (
			asset     TEXT PRIMARY KEY,
			min_price INTEGER NOT NULL
		)`,

		// Stake ledger (double-entry journal)
		`CREATE TABLE IF NOT EXISTS balances (
			user      TEXT NOT NULL,
			asset     TEXT NOT NULL,
			available INTEGER NOT NULL,
			locked    INTEGER NOT NULL,
			PRIMARY KEY (user, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS asset_totals (
			asset     TEXT PRIMARY KEY,
			deposited INTEGER NOT NULL,
			withdrawn INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id      TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			user       TEXT NOT NULL,
			asset      TEXT NOT NULL,
			field      TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			after      INTEGER NOT NULL,
			task_id    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user ON ledger_entries(user)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_op ON ledger_entries(op_id)`,

		// Task store
		`CREATE TABLE IF NOT EXISTS tasks (
			id         INTEGER PRIMARY KEY,
			url        TEXT NOT NULL,
			vk         TEXT NOT NULL,
			protocol   TEXT NOT NULL,
			asset      TEXT NOT NULL,
			client     TEXT NOT NULL,
			miner      TEXT NOT NULL DEFAULT '',
			price      INTEGER NOT NULL,
			deadline   INTEGER NOT NULL,
			status     TEXT NOT NULL,
			input_data BLOB NOT NULL,
			proof      BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			claimed    BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		// Notifications
		`CREATE TABLE IF NOT EXISTS events (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id   TEXT NOT NULL,
			kind    TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			status  TEXT NOT NULL DEFAULT '',
			payload BLOB,
			at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,

		// External holdings (value-transfer collaborator)
		`CREATE TABLE IF NOT EXISTS wallets (
			user   TEXT NOT NULL,
			asset  TEXT NOT NULL,
			amount INTEGER NOT NULL,
			PRIMARY KEY (user, asset)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Meta ───────────────────────────────────────────────────────────────────

// SetMeta stores a key-value pair in meta.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetMeta retrieves a value from meta; missing keys read as "".
func (d *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Amounts are uint64; SQLite integers are int64. Values are stored as the
// same 64-bit pattern and read back unchanged.
func amt(a domain.Amount) int64 { return int64(a) }

func fromAmt(v int64) domain.Amount { return domain.Amount(v) }

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
