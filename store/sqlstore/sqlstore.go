/*
Package sqlstore implements shift.Store on database/sql.

PURPOSE:
  The SQLite and PostgreSQL stores share this implementation. They differ only
  in driver, schema DDL, placeholder syntax and how a unique-index violation
  is reported, which each backend supplies as a Dialect.

KEY TABLES:
  dispensers:       Dispenser configuration, never deleted
  shifts:           One row per shift, discrepancy record inlined
  audit_log:        Append-only before/after snapshots
  station_policies: Per-station policy overrides as JSON

INVARIANTS AT WRITE TIME:
  - idx_one_active_shift: unique partial index on shifts(dispenser_id) WHERE
    status = 'ACTIVE'. A second concurrent open loses on INSERT.
  - UpdateShift is a single UPDATE ... WHERE id = ? AND status = ? AND
    version = ?. Zero affected rows means the caller lost a race.
  - InsertShift and UpdateDispenser run in one transaction that first locks
    the dispenser row (FOR SHARE / FOR UPDATE where the dialect has them).
    Each later statement sees what the other committed, so a deactivation
    and an open on one dispenser are ordered.

ENCODING:
  Decimals are stored as TEXT in their canonical string form so no precision
  is lost through the driver. Timestamps are TEXT in a fixed-width UTC layout
  so lexical order equals chronological order on both backends.

SEE ALSO:
  - shift/store.go: Interface definitions
  - store/sqlite: SQLite dialect
  - store/postgres: PostgreSQL dialect
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-shift-engine/shift"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on Migrate.
	Schema []string

	// Rebind rewrites '?' placeholders for the driver. Nil keeps them.
	Rebind func(query string) string

	// IsActiveShiftViolation reports a violation of idx_one_active_shift.
	IsActiveShiftViolation func(err error) bool

	// ShareLock and UpdateLock are appended to the dispenser-row SELECT that
	// opens InsertShift and UpdateDispenser. Empty on backends whose
	// transactions are already serialized.
	ShareLock  string
	UpdateLock string
}

// Store implements shift.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ shift.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	var errs []error
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

// inTx runs fn in a transaction, committing only if fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SHIFTS
// =============================================================================

const shiftColumns = `
	id, dispenser_id, station_id, operator_id, slot, start_time, end_time,
	opening_reading, closing_reading, unit_price, fuel_sold, expected_cash,
	actual_cash, digital_payments_json, cash_used, cash_usage_reason,
	discrepancy_amount, discrepancy_category, resolved, resolution_reason,
	resolver_id, resolved_at, status, version`

func (s *Store) FindActiveShiftByDispenser(ctx context.Context, dispenserID shift.DispenserID) (*shift.Shift, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+shiftColumns+` FROM shifts WHERE dispenser_id = ? AND status = ?`),
		dispenserID, shift.StatusActive)
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}

func (s *Store) InsertShift(ctx context.Context, sh shift.Shift) error {
	args, err := shiftArgs(sh)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, s.q(`SELECT active FROM dispensers WHERE id = ?`+s.dialect.ShareLock), sh.DispenserID).
			Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return shift.ErrDispenserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock dispenser: %w", err)
		}
		if !active && sh.Status == shift.StatusActive {
			return shift.ErrDispenserInactive
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO shifts (`+shiftColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
		if err != nil {
			if s.dialect.IsActiveShiftViolation(err) {
				return shift.ErrActiveShiftExists
			}
			return fmt.Errorf("failed to insert shift: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateShift(ctx context.Context, id shift.ShiftID, expected shift.Status, next shift.Shift) error {
	args, err := shiftArgs(next)
	if err != nil {
		return err
	}
	// Drop id; it goes in the WHERE clause.
	args = append(args[1:], id, expected, next.Version-1)

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE shifts SET
			dispenser_id = ?, station_id = ?, operator_id = ?, slot = ?, start_time = ?, end_time = ?,
			opening_reading = ?, closing_reading = ?, unit_price = ?, fuel_sold = ?, expected_cash = ?,
			actual_cash = ?, digital_payments_json = ?, cash_used = ?, cash_usage_reason = ?,
			discrepancy_amount = ?, discrepancy_category = ?, resolved = ?, resolution_reason = ?,
			resolver_id = ?, resolved_at = ?, status = ?, version = ?
		WHERE id = ? AND status = ? AND version = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update shift: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update shift: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM shifts WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check shift: %w", err)
	}
	if exists == 0 {
		return shift.ErrShiftNotFound
	}
	return shift.ErrStatusMismatch
}

func (s *Store) GetShift(ctx context.Context, id shift.ShiftID) (*shift.Shift, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+shiftColumns+` FROM shifts WHERE id = ?`), id)
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shift.ErrShiftNotFound
	}
	return sh, err
}

func (s *Store) ListShifts(ctx context.Context, f shift.ShiftFilter) ([]shift.Shift, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.StationID != "" {
		add("station_id = ?", f.StationID)
	}
	if f.DispenserID != "" {
		add("dispenser_id = ?", f.DispenserID)
	}
	if f.OperatorID != "" {
		add("operator_id = ?", f.OperatorID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.From != nil {
		add("start_time >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("start_time < ?", formatTime(*f.To))
	}

	query := `SELECT ` + shiftColumns + ` FROM shifts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var shifts []shift.Shift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *sh)
	}
	return shifts, rows.Err()
}

func (s *Store) LastClosingReading(ctx context.Context, dispenserID shift.DispenserID) (decimal.Decimal, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT closing_reading FROM shifts
		WHERE dispenser_id = ? AND closing_reading IS NOT NULL
		ORDER BY end_time DESC
		LIMIT 1`), dispenserID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt closing_reading %q: %w", raw, err)
	}
	return d, true, nil
}

// =============================================================================
// DISPENSERS
// =============================================================================

func (s *Store) GetDispenser(ctx context.Context, id shift.DispenserID) (*shift.Dispenser, error) {
	var (
		d                    shift.Dispenser
		price                string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, station_id, name, fuel_kind, unit_price, active, created_at, updated_at
		FROM dispensers WHERE id = ?`), id).
		Scan(&d.ID, &d.StationID, &d.Name, &d.FuelKind, &price, &d.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shift.ErrDispenserNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt unit_price %q: %w", price, err)
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) SaveDispenser(ctx context.Context, d shift.Dispenser) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dispensers (id, station_id, name, fuel_kind, unit_price, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			station_id = excluded.station_id,
			name = excluded.name,
			fuel_kind = excluded.fuel_kind,
			unit_price = excluded.unit_price,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		d.ID, d.StationID, d.Name, d.FuelKind, d.UnitPrice.String(), d.Active,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save dispenser: %w", err)
	}
	return nil
}

func (s *Store) UpdateDispenser(ctx context.Context, d shift.Dispenser, expected time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var updatedAt string
		err := tx.QueryRowContext(ctx, s.q(`SELECT updated_at FROM dispensers WHERE id = ?`+s.dialect.UpdateLock), d.ID).
			Scan(&updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return shift.ErrDispenserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock dispenser: %w", err)
		}
		if updatedAt != formatTime(expected) {
			return shift.ErrDispenserChanged
		}

		if !d.Active {
			var open int
			err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM shifts WHERE dispenser_id = ? AND status = ?`),
				d.ID, shift.StatusActive).Scan(&open)
			if err != nil {
				return fmt.Errorf("failed to check active shift: %w", err)
			}
			if open > 0 {
				return shift.ErrActiveShiftExists
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE dispensers SET
				station_id = ?, name = ?, fuel_kind = ?, unit_price = ?, active = ?, updated_at = ?
			WHERE id = ?`),
			d.StationID, d.Name, d.FuelKind, d.UnitPrice.String(), d.Active, formatTime(d.UpdatedAt), d.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update dispenser: %w", err)
		}
		return nil
	})
}

// =============================================================================
// STATION POLICIES
// =============================================================================

func (s *Store) GetStationPolicy(ctx context.Context, stationID shift.StationID) (shift.Policy, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT config_json FROM station_policies WHERE station_id = ?`), stationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return shift.Policy{}, false, nil
	}
	if err != nil {
		return shift.Policy{}, false, err
	}
	var p shift.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return shift.Policy{}, false, fmt.Errorf("corrupt policy for station %s: %w", stationID, err)
	}
	return p, true, nil
}

func (s *Store) SaveStationPolicy(ctx context.Context, stationID shift.StationID, p shift.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO station_policies (station_id, config_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (station_id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`),
		stationID, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save station policy: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG - Append-only, no UPDATE or DELETE statements exist for it
// =============================================================================

func (s *Store) AppendAuditLog(ctx context.Context, e shift.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID,
		rawOrNull(e.Before), rawOrNull(e.After), formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLog(ctx context.Context, entityType shift.EntityType, entityID string) ([]shift.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, actor_id, action, entity_type, entity_id, before_json, after_json, created_at
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, seq ASC`), entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []shift.AuditEntry
	for rows.Next() {
		var (
			e             shift.AuditEntry
			before, after sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &before, &after, &createdAt); err != nil {
			return nil, err
		}
		e.Before = json.RawMessage(nullJSON(before))
		e.After = json.RawMessage(nullJSON(after))
		ts, err := parseTime("created_at", createdAt)
		if err != nil {
			return nil, err
		}
		e.Timestamp = ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func shiftArgs(sh shift.Shift) ([]any, error) {
	var digital sql.NullString
	if len(sh.DigitalPayments) > 0 {
		raw, err := json.Marshal(sh.DigitalPayments)
		if err != nil {
			return nil, err
		}
		digital = sql.NullString{String: string(raw), Valid: true}
	}

	var (
		amount, category, reason, resolver, resolvedAt sql.NullString
		resolved                                       bool
	)
	if d := sh.Discrepancy; d != nil {
		amount = nullString(d.Amount.String())
		category = nullString(string(d.Category))
		resolved = d.Resolved
		reason = nullString(d.ResolutionReason)
		resolver = nullString(d.ResolverID)
		resolvedAt = nullTime(d.ResolvedAt)
	}

	return []any{
		sh.ID, sh.DispenserID, sh.StationID, sh.OperatorID, sh.Slot,
		formatTime(sh.StartTime), nullTime(sh.EndTime),
		sh.OpeningReading.String(), nullDecimal(sh.ClosingReading), sh.UnitPrice.String(),
		sh.FuelSold.String(), sh.ExpectedCash.String(), sh.ActualCash.String(),
		digital, sh.CashUsed.String(), sh.CashUsageReason,
		amount, category, resolved, reason, resolver, resolvedAt,
		sh.Status, sh.Version,
	}, nil
}

func scanShift(row scanner) (*shift.Shift, error) {
	var (
		sh                                             shift.Shift
		startTime, opening, price, fuelSold            string
		expected, cash, cashUsed                       string
		endTime, closing, digital                      sql.NullString
		amount, category, reason, resolver, resolvedAt sql.NullString
		resolved                                       bool
	)
	err := row.Scan(
		&sh.ID, &sh.DispenserID, &sh.StationID, &sh.OperatorID, &sh.Slot, &startTime, &endTime,
		&opening, &closing, &price, &fuelSold, &expected,
		&cash, &digital, &cashUsed, &sh.CashUsageReason,
		&amount, &category, &resolved, &reason,
		&resolver, &resolvedAt, &sh.Status, &sh.Version,
	)
	if err != nil {
		return nil, err
	}

	var errs []error
	dec := func(field, raw string) decimal.Decimal {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("corrupt %s %q: %w", field, raw, err))
		}
		return d
	}
	ts := func(field, raw string) time.Time {
		t, err := parseTime(field, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return t
	}

	sh.StartTime = ts("start_time", startTime)
	if endTime.Valid {
		t := ts("end_time", endTime.String)
		sh.EndTime = &t
	}
	sh.OpeningReading = dec("opening_reading", opening)
	if closing.Valid {
		c := dec("closing_reading", closing.String)
		sh.ClosingReading = &c
	}
	sh.UnitPrice = dec("unit_price", price)
	sh.FuelSold = dec("fuel_sold", fuelSold)
	sh.ExpectedCash = dec("expected_cash", expected)
	sh.ActualCash = dec("actual_cash", cash)
	sh.CashUsed = dec("cash_used", cashUsed)
	if digital.Valid && digital.String != "" {
		if err := json.Unmarshal([]byte(digital.String), &sh.DigitalPayments); err != nil {
			errs = append(errs, fmt.Errorf("corrupt digital_payments_json: %w", err))
		}
	}
	if amount.Valid {
		rec := &shift.DiscrepancyRecord{
			Amount:           dec("discrepancy_amount", amount.String),
			Category:         shift.Category(category.String),
			Resolved:         resolved,
			ResolutionReason: reason.String,
			ResolverID:       resolver.String,
		}
		if resolvedAt.Valid {
			t := ts("resolved_at", resolvedAt.String)
			rec.ResolvedAt = &t
		}
		sh.Discrepancy = rec
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &sh, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt %s %q: %w", field, s, err)
	}
	return t, nil
}

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
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullJSON(s sql.NullString) string {
	if !s.Valid {
		return "null"
	}
	return s.String
}
