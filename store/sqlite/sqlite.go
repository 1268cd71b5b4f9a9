/*
Package sqlite provides a SQLite-backed implementation of shift.Store.

PURPOSE:
  Opens the database, migrates the schema and hands the rest to sqlstore.
  In production the same schema runs on PostgreSQL (store/postgres) with
  only dialect differences.

KEY TABLES:
  dispensers:       Dispenser configuration
  shifts:           Shift rows with inlined discrepancy record
  audit_log:        Append-only, no UPDATE or DELETE
  station_policies: Per-station overrides

INDEXES:
  - idx_one_active_shift: UNIQUE on dispenser_id WHERE status = 'ACTIVE'.
    This is what makes two concurrent opens on one dispenser impossible.
  - idx_shifts_station_start: Station-scoped listings (hot path)
  - idx_shifts_dispenser_end: Last closing reading lookup
  - idx_audit_entity: Audit trail of one entity

CONNECTIONS:
  The pool is capped at one connection. SQLite has a single writer anyway,
  and ":memory:" databases are per-connection, so a larger pool would hand
  out empty databases. It also serializes transactions, so the dispenser
  row lock the PostgreSQL dialect takes is not needed here.

USAGE:
  store, err := sqlite.New("./data/shifts.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  machine := shift.New(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/fuel-shift-engine/store/sqlstore"
)

// Store implements shift.Store using SQLite.
type Store struct {
	*sqlstore.Store
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{Store: sqlstore.New(db, Dialect())}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Dialect describes SQLite to sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:                   "sqlite",
		Schema:                 schema,
		IsActiveShiftViolation: isActiveShiftViolation,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dispensers (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		fuel_kind TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispensers_station
		ON dispensers(station_id)`,

	`CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		dispenser_id TEXT NOT NULL REFERENCES dispensers(id),
		station_id TEXT NOT NULL,
		operator_id TEXT NOT NULL,
		slot TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		opening_reading TEXT NOT NULL,
		closing_reading TEXT,
		unit_price TEXT NOT NULL,
		fuel_sold TEXT NOT NULL DEFAULT '0',
		expected_cash TEXT NOT NULL DEFAULT '0',
		actual_cash TEXT NOT NULL DEFAULT '0',
		digital_payments_json TEXT,
		cash_used TEXT NOT NULL DEFAULT '0',
		cash_usage_reason TEXT NOT NULL DEFAULT '',
		discrepancy_amount TEXT,
		discrepancy_category TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution_reason TEXT,
		resolver_id TEXT,
		resolved_at TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	)`,

	// CRITICAL: at most one ACTIVE shift per dispenser
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_shift
		ON shifts(dispenser_id) WHERE status = 'ACTIVE'`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_station_start
		ON shifts(station_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_dispenser_end
		ON shifts(dispenser_id, end_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_status
		ON shifts(status)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS station_policies (
		station_id TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// SQLite reports a partial unique index violation by its columns:
// "UNIQUE constraint failed: shifts.dispenser_id".
func isActiveShiftViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") &&
		strings.Contains(msg, "shifts.dispenser_id")
}
