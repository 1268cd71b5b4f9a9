/*
Package shift provides the fuel-dispenser shift lifecycle and cash
reconciliation engine.

PURPOSE:
  An operator opens a shift on a dispenser with a meter reading and closes it
  with a second reading plus the cash and digital payments collected. The
  engine derives fuel sold and expected cash, compares them with what was
  received, and flags shifts whose discrepancy exceeds the station tolerance
  for a manager or owner to resolve.

KEY CONCEPTS IN THIS FILE (types.go):
  - Dispenser: A fuel outlet with a unit price and owning station
  - Shift: One operator's tour of duty on one dispenser
  - DiscrepancyRecord: Signed cash difference embedded in a flagged shift
  - Actor/Role: The authenticated caller, supplied by the identity layer

DESIGN PRINCIPLES:
  1. Precision: Readings and money are decimal.Decimal, never float64
  2. Derived values: FuelSold and ExpectedCash are computed, never edited
  3. Immutability: Closed shifts only change through their discrepancy record
  4. Type Safety: Distinct ID types keep shift and dispenser IDs apart

LIFECYCLE:
  ACTIVE ──close──▶ COMPLETED
     │
     └────close──▶ FLAGGED ──resolve──▶ COMPLETED

SEE ALSO:
  - machine.go: Open/close transitions
  - discrepancy.go: Flag decision
  - resolution.go: FLAGGED -> COMPLETED
*/
package shift

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ShiftID string
type DispenserID string
type StationID string

// =============================================================================
// ENUMERATIONS
// =============================================================================

type FuelKind string

const (
	FuelPetrol   FuelKind = "PETROL"
	FuelDiesel   FuelKind = "DIESEL"
	FuelCNG      FuelKind = "CNG"
	FuelElectric FuelKind = "ELECTRIC"
)

func (k FuelKind) Valid() bool {
	switch k {
	case FuelPetrol, FuelDiesel, FuelCNG, FuelElectric:
		return true
	}
	return false
}

type Slot string

const (
	SlotMorning Slot = "MORNING"
	SlotEvening Slot = "EVENING"
	SlotNight   Slot = "NIGHT"
)

func (s Slot) Valid() bool {
	switch s {
	case SlotMorning, SlotEvening, SlotNight:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFlagged   Status = "FLAGGED"
)

type Category string

const (
	CategoryExcess   Category = "excess"
	CategoryShortage Category = "shortage"
)

// =============================================================================
// ACTOR - Authenticated caller, trusted as given by the identity layer
// =============================================================================

type Role string

const (
	RoleOperator Role = "OPERATOR"
	RoleManager  Role = "MANAGER"
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleManager, RoleOwner, RoleAdmin:
		return true
	}
	return false
}

// CanResolve reports whether the role may clear a flagged shift.
// This is the single place the resolution role rule lives.
func (r Role) CanResolve() bool {
	return r == RoleOwner || r == RoleManager
}

// CanConfigure reports whether the role may change dispensers and station policy.
func (r Role) CanConfigure() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Actor is the authenticated user behind an operation.
type Actor struct {
	ID        string
	Role      Role
	StationID StationID
}

// =============================================================================
// DISPENSER
// =============================================================================

type Dispenser struct {
	ID        DispenserID
	StationID StationID
	Name      string
	FuelKind  FuelKind
	UnitPrice decimal.Decimal
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SHIFT
// =============================================================================

type Shift struct {
	ID          ShiftID
	DispenserID DispenserID
	StationID   StationID
	OperatorID  string
	Slot        Slot

	StartTime time.Time
	EndTime   *time.Time

	OpeningReading decimal.Decimal
	ClosingReading *decimal.Decimal

	// Captured from the dispenser when the shift opens.
	UnitPrice decimal.Decimal

	// Derived on close.
	FuelSold     decimal.Decimal
	ExpectedCash decimal.Decimal

	ActualCash      decimal.Decimal
	DigitalPayments map[string]decimal.Decimal
	CashUsed        decimal.Decimal
	CashUsageReason string

	Discrepancy *DiscrepancyRecord
	Status      Status

	// Version increments on every write and guards conditional updates.
	Version int
}

// TotalDigital sums the digital payment sub-totals.
func (s Shift) TotalDigital() decimal.Decimal {
	total := decimal.Zero
	for _, name := range s.DigitalPaymentNames() {
		total = total.Add(s.DigitalPayments[name])
	}
	return total
}

// TotalReceived is actual cash plus all digital payments.
func (s Shift) TotalReceived() decimal.Decimal {
	return s.ActualCash.Add(s.TotalDigital())
}

// DigitalPaymentNames returns sub-total names in a stable order.
func (s Shift) DigitalPaymentNames() []string {
	names := make([]string, 0, len(s.DigitalPayments))
	for name := range s.DigitalPayments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy so callers can't alias store state.
func (s Shift) Clone() Shift {
	c := s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ClosingReading != nil {
		r := *s.ClosingReading
		c.ClosingReading = &r
	}
	if s.DigitalPayments != nil {
		c.DigitalPayments = make(map[string]decimal.Decimal, len(s.DigitalPayments))
		for k, v := range s.DigitalPayments {
			c.DigitalPayments[k] = v
		}
	}
	if s.Discrepancy != nil {
		d := s.Discrepancy.clone()
		c.Discrepancy = &d
	}
	return c
}

// =============================================================================
// DISCREPANCY RECORD - Embedded in flagged shifts
// =============================================================================

type DiscrepancyRecord struct {
	// Amount is total received minus (expected cash - cash used).
	Amount   decimal.Decimal
	Category Category

	Resolved         bool
	ResolutionReason string
	ResolverID       string
	ResolvedAt       *time.Time
}

func (d DiscrepancyRecord) clone() DiscrepancyRecord {
	c := d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}
