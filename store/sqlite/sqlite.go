/*
Package sqlite provides the SQLite-backed implementation of the billing
storage interfaces.

PURPOSE:
  Implements billing.TxStore (cycles, readings, ledger, payments,
  penalties, anomalies, conflicts, assignments) plus the holiday and
  audit stores. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  ledger_entries and audit_log are insert-only: no UPDATE or DELETE
  statements exist for them anywhere in this package. Corrections enter
  the ledger as ADJUSTMENT entries.

CONSTRAINT BACKSTOPS:
  The typed transition tables in the billing package are the primary
  guard; the schema keeps a second line of defense against races:
  - idx_cycles_one_open:       at most one OPEN cycle
  - idx_readings_live:         one non-rejected reading per (assignment, cycle)
  - idx_readings_baseline:     one live BASELINE per assignment
  - idx_ledger_charge:         one CHARGE per (assignment, cycle)
  - idx_ledger_penalty:        one PENALTY entry per penalty record
  Unique-constraint violations are translated into billing sentinel
  errors, never surfaced raw.

VALUE ENCODING:
  decimal.Decimal columns are TEXT (exact digits, no float drift),
  civil dates are "2006-01-02" TEXT, timestamps are RFC3339 TEXT.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - cycles.go, readings.go, ledger.go, anomalies.go: Per-table methods
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/maji/billing-engine/billing"
)

// Store implements billing.TxStore plus the holiday and audit stores.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex // serializes WithTx; plain writes rely on the driver
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries every query method against either the database or an
// open transaction. Store embeds it; WithTx hands callers a conn bound
// to the transaction.
type conn struct {
	db dbtx
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{conn: conn{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Billing cycles
	CREATE TABLE IF NOT EXISTS cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		target_date TEXT NOT NULL,
		proposed_target_date TEXT,
		overridden_by TEXT,
		override_reason TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (start_date < end_date),
		CHECK (target_date >= start_date),
		CHECK (target_date <= end_date),
		CHECK (status IN ('OPEN','PENDING_REVIEW','APPROVED','CLOSED','ARCHIVED'))
	);

	-- BACKSTOP: at most one OPEN cycle system-wide
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_one_open
		ON cycles(status) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);
	CREATE INDEX IF NOT EXISTS idx_cycles_dates ON cycles(start_date, end_date);

	-- Meter assignments (minimal registry records)
	CREATE TABLE IF NOT EXISTS meter_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL,
		meter_id INTEGER NOT NULL,
		meter_serial TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (status IN ('ACTIVE','INACTIVE'))
	);

	-- Meter readings
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meter_assignment_id INTEGER NOT NULL REFERENCES meter_assignments(id),
		cycle_id INTEGER NOT NULL REFERENCES cycles(id),
		absolute_value TEXT NOT NULL,
		type TEXT NOT NULL,
		consumption TEXT,
		has_rollover INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		submission_notes TEXT NOT NULL DEFAULT '',
		approved INTEGER NOT NULL DEFAULT 0,
		approved_at TEXT,
		approved_by TEXT NOT NULL DEFAULT '',
		approval_notes TEXT NOT NULL DEFAULT '',
		rejected INTEGER NOT NULL DEFAULT 0,
		rejected_at TEXT,
		rejected_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		rollover_verified_at TEXT,
		rollover_verified_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (type IN ('BASELINE','NORMAL')),
		CHECK (CAST(absolute_value AS REAL) >= 0),
		CHECK (approved = 0 OR (approved_at IS NOT NULL AND approved_by != '')),
		CHECK (rejected = 0 OR (rejected_at IS NOT NULL AND rejected_by != ''))
	);

	-- BACKSTOP: one live reading per (assignment, cycle); rejected readings
	-- free the slot for resubmission
	CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_live
		ON readings(meter_assignment_id, cycle_id) WHERE rejected = 0;
	-- BACKSTOP: one live baseline per assignment
	CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_baseline
		ON readings(meter_assignment_id) WHERE type = 'BASELINE' AND rejected = 0;
	CREATE INDEX IF NOT EXISTS idx_readings_cycle ON readings(cycle_id);
	CREATE INDEX IF NOT EXISTS idx_readings_assignment_approved
		ON readings(meter_assignment_id, approved, approved_at);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meter_assignment_id INTEGER NOT NULL REFERENCES meter_assignments(id),
		cycle_id INTEGER NOT NULL DEFAULT 0,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		is_credit INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		ref_charge_id INTEGER,
		ref_payment_id INTEGER,
		ref_penalty_id INTEGER,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK (entry_type IN ('CHARGE','ADJUSTMENT','PAYMENT','PENALTY')),
		CHECK (CAST(amount AS REAL) >= 0)
	);

	-- BACKSTOP: one CHARGE per (assignment, cycle)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_charge
		ON ledger_entries(meter_assignment_id, cycle_id) WHERE entry_type = 'CHARGE';
	-- BACKSTOP: one PENALTY entry per penalty record
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_penalty
		ON ledger_entries(ref_penalty_id) WHERE entry_type = 'PENALTY';
	CREATE INDEX IF NOT EXISTS idx_ledger_assignment
		ON ledger_entries(meter_assignment_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_payment_ref
		ON ledger_entries(ref_payment_id) WHERE ref_payment_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_charge_ref
		ON ledger_entries(ref_charge_id) WHERE ref_charge_id IS NOT NULL;

	-- Payments received (allocation happens via PAYMENT ledger entries)
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL,
		meter_assignment_id INTEGER NOT NULL REFERENCES meter_assignments(id),
		cycle_id INTEGER,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		CHECK (CAST(amount AS REAL) > 0)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_assignment
		ON payments(meter_assignment_id, received_at);

	-- Penalties
	CREATE TABLE IF NOT EXISTS penalties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meter_assignment_id INTEGER NOT NULL REFERENCES meter_assignments(id),
		cycle_id INTEGER,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'APPLIED',
		imposed_by TEXT NOT NULL DEFAULT '',
		imposed_at TEXT NOT NULL,
		waived_at TEXT,
		waived_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (status IN ('APPLIED','WAIVED')),
		CHECK (CAST(amount AS REAL) > 0),
		CHECK (status != 'WAIVED' OR (waived_at IS NOT NULL AND waived_by != ''))
	);
	CREATE INDEX IF NOT EXISTS idx_penalties_assignment
		ON penalties(meter_assignment_id);

	-- Anomalies
	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		meter_assignment_id INTEGER NOT NULL,
		cycle_id INTEGER NOT NULL DEFAULT 0,
		reading_id INTEGER,
		status TEXT NOT NULL DEFAULT 'DETECTED',
		acknowledged_at TEXT,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (severity IN ('INFO','WARNING','CRITICAL')),
		CHECK (status IN ('DETECTED','ACKNOWLEDGED','RESOLVED')),
		CHECK (status = 'DETECTED' OR (acknowledged_at IS NOT NULL AND acknowledged_by != ''))
	);
	CREATE INDEX IF NOT EXISTS idx_anomalies_assignment_type_status
		ON anomalies(meter_assignment_id, type, status);

	-- Conflicts
	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		meter_assignment_id INTEGER NOT NULL,
		cycle_id INTEGER,
		reading_id INTEGER,
		status TEXT NOT NULL DEFAULT 'OPEN',
		assigned_to TEXT NOT NULL DEFAULT '',
		assigned_at TEXT,
		resolved_at TEXT,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (severity IN ('LOW','MEDIUM','HIGH')),
		CHECK (status IN ('OPEN','ASSIGNED_TO_ADMIN','RESOLVED','ARCHIVED')),
		CHECK (status = 'OPEN' OR (assigned_to != '' AND assigned_at IS NOT NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);

	-- Holidays (working-day calendar)
	CREATE TABLE IF NOT EXISTS holidays (
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (date, name)
	);

	-- Audit trail (insert-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_kind, entity_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (billing.TxStore)
// =============================================================================

// WithTx executes fn against a transactional view of the store. A non-nil
// error from fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is RFC 3339 with a forced nine-digit fraction. Timestamps
// are compared as TEXT in ORDER BY clauses, and only a fixed-width form
// keeps lexicographic order equal to chronological order (RFC3339Nano
// trims trailing zeros, so "05Z" would sort after "05.9Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func scanTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func scanDate(v string) billing.Date {
	d, _ := billing.ParseDate(v)
	return d
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func scanInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func scanDecimal(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func scanNullDecimal(v sql.NullString) *decimal.Decimal {
	if !v.Valid || v.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil
	}
	return &d
}

func nowStamp() string {
	return time.Now().UTC().Format(timeLayout)
}

// translateConstraint maps SQLite constraint violations onto the billing
// error taxonomy so callers never see raw storage errors.
func translateConstraint(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "idx_cycles_one_open"):
		return fmt.Errorf("%s: another cycle is already OPEN: %w", op, billing.ErrInvalidState)
	case strings.Contains(msg, "idx_readings_live"):
		return fmt.Errorf("%s: reading already exists for assignment and cycle: %w", op, billing.ErrDuplicate)
	case strings.Contains(msg, "idx_readings_baseline"):
		return fmt.Errorf("%s: baseline already exists for assignment: %w", op, billing.ErrDuplicate)
	case strings.Contains(msg, "idx_ledger_charge"):
		return fmt.Errorf("%s: charge already exists for assignment and cycle: %w", op, billing.ErrDuplicate)
	case strings.Contains(msg, "idx_ledger_penalty"):
		return fmt.Errorf("%s: penalty already posted to ledger: %w", op, billing.ErrDuplicate)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %s: %w", op, msg, billing.ErrDuplicate)
	case strings.Contains(msg, "CHECK constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s: %s: %w", op, msg, billing.ErrValidation)
	}
	return fmt.Errorf("%s: %w", op, err)
}
