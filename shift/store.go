/*
store.go - Persistence interface for shifts, dispensers and the audit log

PURPOSE:
  Defines the boundary between the engine and the database. The engine only
  issues the operations below; schema is the implementation's business.

CONDITIONAL WRITES:
  The two invariants the store must protect are enforced at write time, not
  by a read-then-write in the engine:
  - InsertShift fails with ErrActiveShiftExists when the dispenser already
    has an ACTIVE shift (unique partial index or locked check-then-insert).
  - UpdateShift only applies when the row still has the expected status and
    version, otherwise ErrStatusMismatch. Two concurrent closes can't both win.
  - An inactive dispenser never has an ACTIVE shift. InsertShift refuses an
    inactive dispenser and UpdateDispenser refuses to leave one inactive while
    a shift is open, both under the same dispenser-row lock.
  - UpdateDispenser only applies when the row's UpdatedAt is unchanged, so a
    price change can't write a stale Active flag over a deactivation.

AUDIT LOG:
  Append-only. No Update, no Delete.

IMPLEMENTATIONS:
  - shift/store/memory.go: In-memory, for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package shift

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// FindActiveShiftByDispenser returns the ACTIVE shift on a dispenser, or nil.
	FindActiveShiftByDispenser(ctx context.Context, dispenserID DispenserID) (*Shift, error)

	// InsertShift persists a new ACTIVE shift. Returns ErrActiveShiftExists if
	// the dispenser already has one, ErrDispenserInactive if it was
	// deactivated, ErrDispenserNotFound if it does not exist.
	InsertShift(ctx context.Context, s Shift) error

	// UpdateShift replaces the shift with next if the stored row still has
	// status expected and version next.Version-1. Returns ErrStatusMismatch
	// otherwise, ErrShiftNotFound if there is no such row.
	UpdateShift(ctx context.Context, id ShiftID, expected Status, next Shift) error

	// GetShift returns ErrShiftNotFound if the shift does not exist.
	GetShift(ctx context.Context, id ShiftID) (*Shift, error)

	// ListShifts returns shifts matching filter, newest first.
	ListShifts(ctx context.Context, filter ShiftFilter) ([]Shift, error)

	// LastClosingReading returns the closing reading of the dispenser's most
	// recently closed shift. ok is false if it has never been closed.
	LastClosingReading(ctx context.Context, dispenserID DispenserID) (reading decimal.Decimal, ok bool, err error)

	DispenserStore
	AuditLog
	PolicyStore
}

// DispenserStore holds dispenser configuration.
type DispenserStore interface {
	// GetDispenser returns ErrDispenserNotFound if the dispenser does not exist.
	GetDispenser(ctx context.Context, id DispenserID) (*Dispenser, error)

	// SaveDispenser writes d unconditionally. The engine uses it for new rows.
	SaveDispenser(ctx context.Context, d Dispenser) error

	// UpdateDispenser replaces the dispenser if its stored UpdatedAt still
	// equals expected, otherwise ErrDispenserChanged. If d is inactive and the
	// dispenser has an ACTIVE shift it returns ErrActiveShiftExists.
	UpdateDispenser(ctx context.Context, d Dispenser, expected time.Time) error
}

// PolicyStore holds per-station policy overrides.
type PolicyStore interface {
	// GetStationPolicy returns ok=false when the station has no override.
	GetStationPolicy(ctx context.Context, stationID StationID) (p Policy, ok bool, err error)
	SaveStationPolicy(ctx context.Context, stationID StationID, p Policy) error
}

// ShiftFilter narrows ListShifts. Zero values mean "any".
type ShiftFilter struct {
	StationID   StationID
	DispenserID DispenserID
	OperatorID  string
	Status      Status
	From        *time.Time // StartTime >= From
	To          *time.Time // StartTime < To
	Limit       int
}

// Matches reports whether s passes the filter. Stores without a query
// language use it directly.
func (f ShiftFilter) Matches(s Shift) bool {
	if f.StationID != "" && s.StationID != f.StationID {
		return false
	}
	if f.DispenserID != "" && s.DispenserID != f.DispenserID {
		return false
	}
	if f.OperatorID != "" && s.OperatorID != f.OperatorID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.From != nil && s.StartTime.Before(*f.From) {
		return false
	}
	if f.To != nil && !s.StartTime.Before(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// AUDIT LOG - Who did what when, with before/after snapshots
// =============================================================================

type AuditAction string

const (
	AuditCreate  AuditAction = "CREATE"
	AuditUpdate  AuditAction = "UPDATE"
	AuditResolve AuditAction = "RESOLVE"
)

type EntityType string

const (
	EntityShift         EntityType = "shift"
	EntityDispenser     EntityType = "dispenser"
	EntityStationPolicy EntityType = "station_policy"
)

// AuditEntry is immutable once appended.
type AuditEntry struct {
	ID         string
	ActorID    string
	Action     AuditAction
	EntityType EntityType
	EntityID   string
	Before     json.RawMessage // null for CREATE
	After      json.RawMessage
	Timestamp  time.Time
}

type AuditLog interface {
	AppendAuditLog(ctx context.Context, entry AuditEntry) error

	// ListAuditLog returns entries for one entity, oldest first.
	ListAuditLog(ctx context.Context, entityType EntityType, entityID string) ([]AuditEntry, error)
}
