/*
Package sqlstore provides the SQL implementation of ledger.Store for SQLite
and PostgreSQL.

PURPOSE:
  Persists wallets, the append-only transaction journal, the common pool,
  compost cycle logs, escrows, pockets and the project directory. Both
  dialects share every query; only placeholders, row-lock suffixes and the
  sequence column differ.

AMOUNTS:
  Every amount column is BIGINT minimal units (whole SAKA, euro cents), so
  the atomic increment used for shared system wallets is exact in both
  databases.

CONCURRENCY:
  PostgreSQL: units run at READ COMMITTED and take row locks with
  SELECT ... FOR UPDATE in the order wallets -> pool -> escrows -> pockets.
  Deadlocks (40P01), serialization failures (40001) and lock timeouts
  (55P03) are reported as ledger.ErrTransient and retried by the ledger.

  SQLite: every unit opens with BEGIN IMMEDIATE (_txlock=immediate), so
  units serialize on the database write lock. SQLITE_BUSY and
  SQLITE_LOCKED are transient. The pool is capped at one connection; never
  query through the Store from inside a unit.

KEY TABLES:
  wallets:              one row per (owner, currency), balance + counters
  transactions:         immutable journal, seq orders a wallet's history
  common_pools:         one row per currency
  compost_cycle_logs:   audit row per compost run (finished_at NULL = crashed)
  escrows, pockets:     EUR holdings
  projects, investor_eligibility: project directory

USAGE:
  store, err := sqlstore.Open(ctx, "sqlite", "./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// DIALECTS
// =============================================================================

type dialect struct {
	name       string
	driver     string
	numbered   bool   // $1, $2 ... instead of ?
	lockSuffix string // appended to SELECTs that take row locks
	serial     string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite3",
		serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "pgx",
		numbered:   true,
		lockSuffix: " FOR UPDATE",
		serial:     "BIGSERIAL PRIMARY KEY",
	}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.Store and the project directory.
type Store struct {
	conn
	db *sql.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
// For SQLite the dsn is a file path; use ":memory:" for a throwaway database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(sqliteDialect.driver, path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(ctx, db, sqliteDialect)
}

func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(ctx, db, postgresDialect)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	s := &Store{conn: conn{q: db, d: d}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect names the SQL dialect in use.
func (s *Store) Dialect() string { return s.d.name }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txConn{conn: conn{q: sqlTx, d: s.d}}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// SCHEMA
// =============================================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance_minor BIGINT NOT NULL DEFAULT 0 CHECK (balance_minor >= 0),
		total_harvested_minor BIGINT NOT NULL DEFAULT 0,
		total_planted_minor BIGINT NOT NULL DEFAULT 0,
		total_composted_minor BIGINT NOT NULL DEFAULT 0,
		last_activity_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (owner_id, currency)
	)`,
	// Compost candidate scan (hot path of the cycle).
	`CREATE INDEX IF NOT EXISTS idx_wallets_currency_activity
		ON wallets(currency, last_activity_at)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		seq %SERIAL%,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		owner_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('EARN', 'SPEND')),
		kind TEXT NOT NULL,
		amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
		reason TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		gross_minor BIGINT,
		fee_minor BIGINT,
		net_minor BIGINT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_seq
		ON transactions(wallet_id, seq)`,
	// Daily caps and the manual adjustment window.
	`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_reason_created
		ON transactions(wallet_id, reason, created_at)`,

	`CREATE TABLE IF NOT EXISTS common_pools (
		currency TEXT PRIMARY KEY,
		total_balance_minor BIGINT NOT NULL DEFAULT 0 CHECK (total_balance_minor >= 0),
		total_ever_composted_minor BIGINT NOT NULL DEFAULT 0,
		cycle_count BIGINT NOT NULL DEFAULT 0,
		last_cycle_at TEXT,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS compost_cycle_logs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		wallets_affected INTEGER NOT NULL DEFAULT 0,
		total_composted_minor BIGINT NOT NULL DEFAULT 0,
		inactivity_days INTEGER NOT NULL,
		rate TEXT NOT NULL,
		min_balance_minor BIGINT NOT NULL,
		min_amount_minor BIGINT NOT NULL,
		trigger_source TEXT NOT NULL,
		error TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS escrows (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
		shares BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('LOCKED', 'RELEASED', 'REFUNDED')),
		pledge_transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
		commission_minor BIGINT NOT NULL DEFAULT 0,
		fees_minor BIGINT NOT NULL DEFAULT 0,
		net_minor BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		released_at TEXT,
		refunded_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_project_status
		ON escrows(project_id, status, id)`,

	`CREATE TABLE IF NOT EXISTS pockets (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		allocation_percentage TEXT NOT NULL,
		current_amount_minor BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (wallet_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		accepts_donations BOOLEAN NOT NULL DEFAULT TRUE,
		accepts_equity BOOLEAN NOT NULL DEFAULT FALSE,
		share_price_minor BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS investor_eligibility (
		owner_id TEXT PRIMARY KEY,
		eligible BOOLEAN NOT NULL
	)`,
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "%SERIAL%", s.d.serial)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// CONNECTION HELPERS
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// conn runs the read side against either the pool or an open transaction.
type conn struct {
	q querier
	d dialect
}

// txConn adds the unit-of-work writes and row locks.
type txConn struct {
	conn
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return c.q.PrepareContext(ctx, c.d.rebind(query))
}

// locking appends the dialect's row-lock clause.
func (c *conn) locking(query string) string {
	return query + c.d.lockSuffix
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classify marks lock contention errors as ledger.ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, ledger.ErrTransient) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001", "55P03":
			return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
		}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

// timeLayout is fixed-width so TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
