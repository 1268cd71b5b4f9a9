/*
Package postgres provides a PostgreSQL-backed implementation of shift.Store.

PURPOSE:
  Same schema and queries as store/sqlite, on the pgx database/sql driver.
  Unlike SQLite the pool is not capped: the partial unique index, the
  version-guarded UPDATE and the dispenser row locks keep concurrent writers
  correct.

UNIQUE VIOLATIONS:
  Reported as SQLSTATE 23505 with the constraint name, so only a violation
  of idx_one_active_shift maps to shift.ErrActiveShiftExists.
*/
package postgres

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
	"github.com/warp/fuel-shift-engine/store/sqlstore"
)

const activeShiftIndex = "idx_one_active_shift"

type Store struct {
	*sqlstore.Store
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{Store: sqlstore.New(db, Dialect())}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:                   "postgres",
		Schema:                 schema,
		Rebind:                 rebind,
		IsActiveShiftViolation: isActiveShiftViolation,
		ShareLock:              " FOR SHARE",
		UpdateLock:             " FOR UPDATE",
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dispensers (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		fuel_kind VARCHAR(16) NOT NULL,
		unit_price TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispensers_station ON dispensers(station_id)`,

	`CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		dispenser_id TEXT NOT NULL REFERENCES dispensers(id),
		station_id TEXT NOT NULL,
		operator_id TEXT NOT NULL,
		slot VARCHAR(16) NOT NULL,
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
		discrepancy_category VARCHAR(16),
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolution_reason TEXT,
		resolver_id TEXT,
		resolved_at TEXT,
		status VARCHAR(16) NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_shift
		ON shifts(dispenser_id) WHERE status = 'ACTIVE'`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_station_start ON shifts(station_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_dispenser_end ON shifts(dispenser_id, end_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_status ON shifts(status)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		action VARCHAR(16) NOT NULL,
		entity_type VARCHAR(32) NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS station_policies (
		station_id TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// rebind turns '?' placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
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

func isActiveShiftViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == activeShiftIndex
	}
	return false
}
