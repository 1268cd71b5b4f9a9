package shift

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ SIDE - Station-scoped queries
// =============================================================================

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// canSee reports whether the actor may read or change data of a station.
// Admins span stations; everyone else is scoped to their own.
func (a Actor) canSee(station StationID) bool {
	return a.Role == RoleAdmin || a.StationID == station
}

// GetShift returns a shift the actor may see. Shifts of other stations read
// as not found so their existence isn't leaked.
func (m *Machine) GetShift(ctx context.Context, actor Actor, id ShiftID) (*Shift, error) {
	s, err := m.getShift(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canSee(s.StationID) {
		return nil, ErrShiftNotFound
	}
	return s, nil
}

// scope forces non-admins onto their own station and checks the range.
func (a Actor) scope(filter ShiftFilter) (ShiftFilter, error) {
	if a.Role != RoleAdmin {
		filter.StationID = a.StationID
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, invalid("to", CodeInvalidValue, "end of range is before its start")
	}
	return filter, nil
}

// ListShifts applies filter within the actor's station.
func (m *Machine) ListShifts(ctx context.Context, actor Actor, filter ShiftFilter) ([]Shift, error) {
	filter, err := actor.scope(filter)
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	shifts, err := m.Store.ListShifts(ctx, filter)
	if err != nil {
		return nil, persistence("list shifts", err)
	}
	return shifts, nil
}

// AuditTrail returns the audit entries of a shift the actor may see.
func (m *Machine) AuditTrail(ctx context.Context, actor Actor, id ShiftID) ([]AuditEntry, error) {
	if _, err := m.GetShift(ctx, actor, id); err != nil {
		return nil, err
	}
	entries, err := m.Store.ListAuditLog(ctx, EntityShift, string(id))
	if err != nil {
		return nil, persistence("list audit log", err)
	}
	return entries, nil
}

// =============================================================================
// SUMMARY - Minimal rollup over a shift list
// =============================================================================

type Summary struct {
	Shifts          int
	Active          int
	Completed       int
	Flagged         int
	FuelSold        decimal.Decimal
	ExpectedCash    decimal.Decimal
	TotalReceived   decimal.Decimal
	CashUsed        decimal.Decimal
	NetDiscrepancy  decimal.Decimal // sum of signed discrepancy amounts
	UnresolvedCount int
	From, To        *time.Time // earliest and latest shift start
}

// Summarize rolls up every shift matching filter within the actor's station.
// filter.Limit is ignored so the totals never cover a truncated page.
func (m *Machine) Summarize(ctx context.Context, actor Actor, filter ShiftFilter) (Summary, error) {
	filter, err := actor.scope(filter)
	if err != nil {
		return Summary{}, err
	}
	filter.Limit = 0
	shifts, err := m.Store.ListShifts(ctx, filter)
	if err != nil {
		return Summary{}, persistence("summarize shifts", err)
	}
	return Summarize(shifts), nil
}

// Summarize totals closed shifts. Active shifts are counted but contribute no
// money since nothing has been reconciled yet.
func Summarize(shifts []Shift) Summary {
	sum := Summary{
		FuelSold:       decimal.Zero,
		ExpectedCash:   decimal.Zero,
		TotalReceived:  decimal.Zero,
		CashUsed:       decimal.Zero,
		NetDiscrepancy: decimal.Zero,
	}
	for _, s := range shifts {
		sum.Shifts++
		start := s.StartTime
		if sum.From == nil || start.Before(*sum.From) {
			sum.From = &start
		}
		if sum.To == nil || start.After(*sum.To) {
			sum.To = &start
		}
		switch s.Status {
		case StatusActive:
			sum.Active++
			continue
		case StatusCompleted:
			sum.Completed++
		case StatusFlagged:
			sum.Flagged++
		}
		sum.FuelSold = sum.FuelSold.Add(s.FuelSold)
		sum.ExpectedCash = sum.ExpectedCash.Add(s.ExpectedCash)
		sum.TotalReceived = sum.TotalReceived.Add(s.TotalReceived())
		sum.CashUsed = sum.CashUsed.Add(s.CashUsed)
		if s.Discrepancy != nil {
			sum.NetDiscrepancy = sum.NetDiscrepancy.Add(s.Discrepancy.Amount)
			if !s.Discrepancy.Resolved {
				sum.UnresolvedCount++
			}
		}
	}
	return sum
}
