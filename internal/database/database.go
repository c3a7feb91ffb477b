package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the authoritative calendar store. Writes that touch intervals go
// through withUnitTx so that every change for one unit is serialized.
type DB struct {
	*sql.DB
	path      string
	logger    *zerolog.Logger
	unitLocks sync.Map // unit id -> *sync.Mutex
	mutations atomic.Int64
	now       func() time.Time
}

// Options tune the sqlite connection.
type Options struct {
	BusyTimeout time.Duration
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	return NewDBWithOptions(path, logger, Options{})
}

func NewDBWithOptions(path string, logger *zerolog.Logger, opts Options) (*DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	memory := path == ":memory:"
	dsn := ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
			path, opts.BusyTimeout.Milliseconds())
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("path", path).Msg("Database initialized")

	return &DB{
		DB:     sqlDB,
		path:   path,
		logger: &l,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS intervals (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            unit_id TEXT NOT NULL,
            start_date TEXT NOT NULL,
            end_date TEXT NOT NULL,
            source TEXT NOT NULL,
            external_uid TEXT,
            status TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            reference TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            CHECK (start_date < end_date)
        )`,
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            unit_id TEXT NOT NULL,
            start_date TEXT NOT NULL,
            end_date TEXT NOT NULL,
            guest_count INTEGER NOT NULL,
            idempotency_key TEXT NOT NULL DEFAULT '',
            state TEXT NOT NULL,
            interval_id INTEGER,
            hold_deadline DATETIME,
            reject_reason TEXT NOT NULL DEFAULT '',
            version INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
            unit_id TEXT NOT NULL,
            channel TEXT NOT NULL,
            feed_url TEXT NOT NULL,
            etag TEXT NOT NULL DEFAULT '',
            last_modified TEXT NOT NULL DEFAULT '',
            fingerprint TEXT NOT NULL DEFAULT '',
            window_start TEXT NOT NULL DEFAULT '',
            last_attempt_at DATETIME,
            last_success_at DATETIME,
            consecutive_failures INTEGER NOT NULL DEFAULT 0,
            degraded BOOLEAN NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            next_sync_at DATETIME NOT NULL,
            PRIMARY KEY (unit_id, channel)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_anomalies (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            unit_id TEXT NOT NULL,
            source TEXT NOT NULL,
            external_uid TEXT NOT NULL,
            start_date TEXT NOT NULL,
            end_date TEXT NOT NULL,
            summary TEXT NOT NULL DEFAULT '',
            conflicting_ids TEXT NOT NULL DEFAULT '[]',
            conflicting_sources TEXT NOT NULL DEFAULT '[]',
            detected_at DATETIME NOT NULL,
            resolved_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS outbox (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            reservation_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_intervals_external
            ON intervals(unit_id, source, external_uid) WHERE external_uid IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_intervals_unit_dates ON intervals(unit_id, start_date, end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_intervals_reference ON intervals(reference)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_active_key
            ON reservations(idempotency_key)
            WHERE idempotency_key <> '' AND state IN ('REQUESTED', 'RESERVED', 'CONFIRMED')`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_open_key
            ON sync_anomalies(unit_id, source, external_uid) WHERE resolved_at IS NULL`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Path returns the file the store was opened from.
func (db *DB) Path() string {
	return db.path
}

// MutationCount is the number of interval rows written since the store opened.
func (db *DB) MutationCount() int64 {
	return db.mutations.Load()
}

func (db *DB) unitLock(unitID string) *sync.Mutex {
	m, _ := db.unitLocks.LoadOrStore(unitID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// unitTx is a write transaction holding the unit lock.
type unitTx struct {
	*sql.Tx
	unitID string
	now    time.Time
	writes int64
}

// withUnitTx runs fn under the unit lock inside an immediate write
// transaction. fn must use the tx for every statement.
//
// The mutex orders writers inside this process; the transaction is opened
// with _txlock=immediate, so SQLite takes the RESERVED lock at BEGIN and a
// second process (a CLI sync next to serve) waits on busy_timeout instead of
// reading a snapshot that is stale by the time it writes. Every check that
// decides whether nights are free must run on tx after BEGIN. Reading them
// through db before the lock would reintroduce the check-then-insert race.
//
// Writes are counted on the unitTx and only added to MutationCount after
// commit, so a rolled back batch leaves the counter unchanged.
func (db *DB) withUnitTx(ctx context.Context, unitID string, fn func(tx *unitTx) error) error {
	mu := db.unitLock(unitID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	utx := &unitTx{Tx: tx, unitID: unitID, now: db.now()}
	if err := fn(utx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	db.mutations.Add(utx.writes)
	return nil
}
