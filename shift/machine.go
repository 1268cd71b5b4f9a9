/*
machine.go - Shift state machine: open and close

PURPOSE:
  Owns the ACTIVE -> COMPLETED | FLAGGED transitions and the fuel/cash
  arithmetic triggered on close. FLAGGED -> COMPLETED is owned by
  resolution.go and is the only other edge.

OPEN:
  1. Validate operator and slot
  2. Dispenser must exist and be active
  3. No ACTIVE shift on the dispenser (fast check; the store enforces it again)
  4. Opening reading passes range checks and is >= the last closing reading
  5. Capture the dispenser's current unit price onto the shift
  6. Insert (atomic check-then-write), then audit CREATE

CLOSE:
  1. Shift must exist and be ACTIVE
  2. Validate closing reading (>= opening) and every money field
  3. Cash used > 0 requires a usage reason of the station's minimum length
  4. Reconcile: fuel sold, expected cash, total digital, total received,
     net expected, discrepancy amount - in that order
  5. Evaluate against the station tolerance -> COMPLETED or FLAGGED
  6. Conditional update on (id, ACTIVE, version), then audit UPDATE
  7. Dispatch a discrepancy event if FLAGGED

ATOMICITY:
  Every precondition failure returns before any write. The single store write
  is the commit point; audit and dispatch only happen after it succeeds.
*/
package shift

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// MACHINE
// =============================================================================

// Machine is the shift engine. It holds no cross-request state besides the
// read-mostly policy cache; the store is the only shared mutable resource.
type Machine struct {
	Store      Store
	Policies   *PolicyCache
	Audit      *AuditRecorder
	Dispatcher Dispatcher
	Logger     *logrus.Logger
	Now        func() time.Time
	NewID      func() string
}

type Option func(*Machine)

func WithLogger(l *logrus.Logger) Option { return func(m *Machine) { m.Logger = l } }
func WithDispatcher(d Dispatcher) Option { return func(m *Machine) { m.Dispatcher = d } }
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.Now = now } }
func WithIDs(newID func() string) Option   { return func(m *Machine) { m.NewID = newID } }
func WithAlert(fn AlertFunc) Option         { return func(m *Machine) { m.Audit.Alert = fn } }

// WithDefaultPolicy sets the policy used by stations without an override.
func WithDefaultPolicy(p Policy) Option {
	return func(m *Machine) { m.Policies = NewPolicyCache(m.Store, p) }
}

func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		Store:      store,
		Policies:   NewPolicyCache(store, DefaultPolicy()),
		Audit:      NewAuditRecorder(store, logrus.StandardLogger()),
		Dispatcher: nopDispatcher{},
		Logger:     logrus.StandardLogger(),
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Audit.Logger = m.Logger
	m.Audit.Now = m.Now
	return m
}

// =============================================================================
// OPEN
// =============================================================================

type OpenShiftInput struct {
	DispenserID    DispenserID
	OperatorID     string
	Slot           Slot
	OpeningReading string
}

func (m *Machine) OpenShift(ctx context.Context, in OpenShiftInput) (*Shift, error) {
	if strings.TrimSpace(in.OperatorID) == "" {
		return nil, invalid("operator_id", CodeRequired, "operator is required")
	}
	if !in.Slot.Valid() {
		return nil, invalid("slot", CodeInvalidSlot, "slot %q must be MORNING, EVENING or NIGHT", in.Slot)
	}

	d, err := m.Store.GetDispenser(ctx, in.DispenserID)
	if err != nil {
		if errors.Is(err, ErrDispenserNotFound) {
			return nil, err
		}
		return nil, persistence("load dispenser", err)
	}
	if !d.Active {
		return nil, &StateConflictError{Code: CodeDispenserInactive, DispenserID: d.ID}
	}

	active, err := m.Store.FindActiveShiftByDispenser(ctx, d.ID)
	if err != nil {
		return nil, persistence("find active shift", err)
	}
	if active != nil {
		return nil, &StateConflictError{Code: CodeDuplicateActiveShift, DispenserID: d.ID, ShiftID: active.ID, Status: active.Status}
	}

	policy, err := m.Policies.For(ctx, d.StationID)
	if err != nil {
		return nil, err
	}

	last, closedBefore, err := m.Store.LastClosingReading(ctx, d.ID)
	if err != nil {
		return nil, persistence("load last closing reading", err)
	}
	var previous *decimal.Decimal
	if closedBefore {
		previous = &last
	}
	opening, err := policy.readings().Validate("opening_reading", in.OpeningReading, previous)
	if err != nil {
		return nil, err
	}

	s := Shift{
		ID:             ShiftID(m.NewID()),
		DispenserID:    d.ID,
		StationID:      d.StationID,
		OperatorID:     in.OperatorID,
		Slot:           in.Slot,
		StartTime:      m.Now().UTC(),
		OpeningReading: opening,
		UnitPrice:      d.UnitPrice,
		ActualCash:     decimal.Zero,
		CashUsed:       decimal.Zero,
		Status:         StatusActive,
		Version:        1,
	}

	if err := m.Store.InsertShift(ctx, s); err != nil {
		switch {
		case errors.Is(err, ErrActiveShiftExists):
			return nil, &StateConflictError{Code: CodeDuplicateActiveShift, DispenserID: d.ID}
		case errors.Is(err, ErrDispenserInactive):
			return nil, &StateConflictError{Code: CodeDispenserInactive, DispenserID: d.ID}
		case errors.Is(err, ErrDispenserNotFound):
			return nil, err
		}
		return nil, persistence("insert shift", err)
	}

	m.Audit.Record(ctx, in.OperatorID, AuditCreate, EntityShift, string(s.ID), nil, snapshotShift(s))
	m.Logger.WithFields(logrus.Fields{
		"shift_id":     s.ID,
		"dispenser_id": s.DispenserID,
		"operator_id":  s.OperatorID,
		"slot":         s.Slot,
	}).Info("shift opened")

	return &s, nil
}

// =============================================================================
// CLOSE
// =============================================================================

type CloseShiftInput struct {
	ShiftID ShiftID
	ActorID string

	ClosingReading  string
	ActualCash      string            // empty means 0
	DigitalPayments map[string]string // name -> amount
	CashUsed        string            // empty means 0
	CashUsageReason string
}

func (m *Machine) CloseShift(ctx context.Context, in CloseShiftInput) (*Shift, error) {
	cur, err := m.getShift(ctx, in.ShiftID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusActive {
		return nil, &StateConflictError{Code: CodeNotActive, ShiftID: cur.ID, DispenserID: cur.DispenserID, Status: cur.Status}
	}

	policy, err := m.Policies.For(ctx, cur.StationID)
	if err != nil {
		return nil, err
	}

	closing, err := policy.readings().Validate("closing_reading", in.ClosingReading, &cur.OpeningReading)
	if err != nil {
		return nil, err
	}
	cash := policy.cash()
	actual, err := cash.Validate("actual_cash", orZero(in.ActualCash), true)
	if err != nil {
		return nil, err
	}
	digital, err := validateDigital(cash, in.DigitalPayments)
	if err != nil {
		return nil, err
	}
	cashUsed, err := cash.Validate("cash_used", orZero(in.CashUsed), true)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(in.CashUsageReason)
	if cashUsed.IsPositive() && utf8.RuneCountInString(reason) < policy.MinUsageReasonLen {
		return nil, invalid("cash_usage_reason", CodeMissingUsageReason,
			"a reason of at least %d characters is required when cash is used", policy.MinUsageReasonLen)
	}

	rec := Reconcile(cur.OpeningReading, closing, cur.UnitPrice, actual, cashUsed, digital)
	verdict := Evaluate(rec.DiscrepancyAmount, policy.Tolerance)

	end := m.Now().UTC()
	next := cur.Clone()
	next.EndTime = &end
	next.ClosingReading = &closing
	next.FuelSold = rec.FuelSold
	next.ExpectedCash = rec.ExpectedCash
	next.ActualCash = actual
	next.DigitalPayments = digital
	next.CashUsed = cashUsed
	next.CashUsageReason = reason
	next.Status = verdict.Status
	next.Discrepancy = verdict.Record
	next.Version = cur.Version + 1

	if err := m.Store.UpdateShift(ctx, cur.ID, StatusActive, next); err != nil {
		return nil, m.updateErr(ctx, err, cur.ID, CodeNotActive, "close shift")
	}

	actor := in.ActorID
	if actor == "" {
		actor = cur.OperatorID
	}
	m.Audit.Record(ctx, actor, AuditUpdate, EntityShift, string(cur.ID), snapshotShift(*cur), snapshotShift(next))

	fields := logrus.Fields{
		"shift_id":           next.ID,
		"dispenser_id":       next.DispenserID,
		"status":             next.Status,
		"fuel_sold":          next.FuelSold.String(),
		"expected_cash":      next.ExpectedCash.String(),
		"discrepancy_amount": rec.DiscrepancyAmount.String(),
	}
	if next.Status == StatusFlagged {
		m.Logger.WithFields(fields).Warn("shift flagged")
		m.dispatch(ctx, next, end)
	} else {
		m.Logger.WithFields(fields).Info("shift closed")
	}

	return &next, nil
}

func validateDigital(cash CashValidator, raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for name, v := range raw {
		key := strings.TrimSpace(name)
		if key == "" {
			return nil, invalid("digital_payments", CodeRequired, "payment name is required")
		}
		if _, dup := out[key]; dup {
			return nil, invalid("digital_payments."+key, CodeInvalidValue, "payment %q given twice", key)
		}
		amount, err := cash.Validate("digital_payments."+key, v, true)
		if err != nil {
			return nil, err
		}
		out[key] = amount
	}
	return out, nil
}

func orZero(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "0"
	}
	return raw
}

func (m *Machine) dispatch(ctx context.Context, s Shift, at time.Time) {
	ev := DiscrepancyEvent{
		ShiftID:     s.ID,
		DispenserID: s.DispenserID,
		StationID:   s.StationID,
		OperatorID:  s.OperatorID,
		Amount:      s.Discrepancy.Amount,
		Category:    s.Discrepancy.Category,
		FlaggedAt:   at,
	}
	if err := m.Dispatcher.DispatchDiscrepancy(context.WithoutCancel(ctx), ev); err != nil {
		m.Logger.WithFields(logrus.Fields{
			"module":   "shift",
			"funcName": "Machine.dispatch",
			"shift_id": s.ID,
		}).Error(err.Error())
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Machine) getShift(ctx context.Context, id ShiftID) (*Shift, error) {
	s, err := m.Store.GetShift(ctx, id)
	if err != nil {
		if errors.Is(err, ErrShiftNotFound) {
			return nil, err
		}
		return nil, persistence("load shift", err)
	}
	return s, nil
}

// updateErr maps a failed conditional update. A lost race is reported with the
// status the winner left behind.
func (m *Machine) updateErr(ctx context.Context, err error, id ShiftID, code Code, op string) error {
	switch {
	case errors.Is(err, ErrShiftNotFound):
		return err
	case errors.Is(err, ErrStatusMismatch):
		conflict := &StateConflictError{Code: code, ShiftID: id}
		if now, gerr := m.Store.GetShift(ctx, id); gerr == nil {
			conflict.DispenserID = now.DispenserID
			conflict.Status = now.Status
		}
		return conflict
	}
	return persistence(op, err)
}
