// Package storetest is a conformance suite every shift.Store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) shift.Store

var base = time.Date(2025, time.March, 10, 6, 0, 0, 0, time.UTC)

func dispenser(id shift.DispenserID) shift.Dispenser {
	return shift.Dispenser{
		ID:        id,
		StationID: "st-1",
		Name:      "Pump " + string(id),
		FuelKind:  shift.FuelDiesel,
		UnitPrice: decimal.RequireFromString("1.5"),
		Active:    true,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func activeShift(id shift.ShiftID, d shift.DispenserID, start time.Time) shift.Shift {
	return shift.Shift{
		ID:             id,
		DispenserID:    d,
		StationID:      "st-1",
		OperatorID:     "op-1",
		Slot:           shift.SlotMorning,
		StartTime:      start,
		OpeningReading: decimal.RequireFromString("1000"),
		UnitPrice:      decimal.RequireFromString("1.5"),
		Status:         shift.StatusActive,
		Version:        1,
	}
}

func closed(s shift.Shift, closing string, end time.Time, status shift.Status) shift.Shift {
	next := s.Clone()
	c := decimal.RequireFromString(closing)
	next.ClosingReading = &c
	next.EndTime = &end
	next.FuelSold = c.Sub(s.OpeningReading)
	next.ExpectedCash = next.FuelSold.Mul(s.UnitPrice)
	next.ActualCash = decimal.RequireFromString("70")
	next.DigitalPayments = map[string]decimal.Decimal{"card": decimal.RequireFromString("5.25")}
	next.CashUsed = decimal.RequireFromString("2")
	next.CashUsageReason = "bought water"
	next.Status = status
	if status == shift.StatusFlagged {
		next.Discrepancy = &shift.DiscrepancyRecord{
			Amount:   decimal.RequireFromString("2.25"),
			Category: shift.CategoryExcess,
		}
	}
	next.Version = s.Version + 1
	return next
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("DispenserRoundTrip", func(t *testing.T) { testDispenserRoundTrip(t, open(t)) })
	t.Run("InsertRejectsSecondActive", func(t *testing.T) { testInsertRejectsSecondActive(t, open(t)) })
	t.Run("UpdateIsConditional", func(t *testing.T) { testUpdateIsConditional(t, open(t)) })
	t.Run("ShiftRoundTrip", func(t *testing.T) { testShiftRoundTrip(t, open(t)) })
	t.Run("LastClosingReading", func(t *testing.T) { testLastClosingReading(t, open(t)) })
	t.Run("ListShiftsFilters", func(t *testing.T) { testListShiftsFilters(t, open(t)) })
	t.Run("StationPolicy", func(t *testing.T) { testStationPolicy(t, open(t)) })
	t.Run("AuditLogAppendOnly", func(t *testing.T) { testAuditLog(t, open(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, open(t)) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, open(t)) })
	t.Run("UpdateDispenserIsConditional", func(t *testing.T) { testUpdateDispenserIsConditional(t, open(t)) })
	t.Run("InactiveDispenserNeverActive", func(t *testing.T) { testInactiveDispenserNeverActive(t, open(t)) })
	t.Run("ConcurrentOpenAndDeactivate", func(t *testing.T) { testConcurrentOpenAndDeactivate(t, open(t)) })
}

func testDispenserRoundTrip(t *testing.T, s shift.Store) {
	ctx := context.Background()

	_, err := s.GetDispenser(ctx, "missing")
	assert.ErrorIs(t, err, shift.ErrDispenserNotFound)

	d := dispenser("d-1")
	require.NoError(t, s.SaveDispenser(ctx, d))

	d.UnitPrice = decimal.RequireFromString("1.6250")
	d.Active = false
	require.NoError(t, s.SaveDispenser(ctx, d))

	got, err := s.GetDispenser(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(decimal.RequireFromString("1.625")))
	assert.False(t, got.Active)
	assert.Equal(t, shift.FuelDiesel, got.FuelKind)
	assert.Equal(t, shift.StationID("st-1"), got.StationID)
}

func testInsertRejectsSecondActive(t *testing.T, s shift.Store) {
	// GIVEN: A dispenser with an ACTIVE shift
	// WHEN: Inserting another ACTIVE shift on it
	// THEN: ErrActiveShiftExists, and the first shift is still the active one

	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))
	require.NoError(t, s.InsertShift(ctx, activeShift("s-1", "d-1", base)))

	err := s.InsertShift(ctx, activeShift("s-2", "d-1", base.Add(time.Minute)))
	assert.ErrorIs(t, err, shift.ErrActiveShiftExists)

	active, err := s.FindActiveShiftByDispenser(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, shift.ShiftID("s-1"), active.ID)

	_, err = s.GetShift(ctx, "s-2")
	assert.ErrorIs(t, err, shift.ErrShiftNotFound)
}

func testUpdateIsConditional(t *testing.T, s shift.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))
	open := activeShift("s-1", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, open))

	next := closed(open, "1050", base.Add(8*time.Hour), shift.StatusCompleted)

	err := s.UpdateShift(ctx, "nope", shift.StatusActive, next)
	assert.ErrorIs(t, err, shift.ErrShiftNotFound)

	err = s.UpdateShift(ctx, "s-1", shift.StatusFlagged, next)
	assert.ErrorIs(t, err, shift.ErrStatusMismatch, "wrong expected status")

	stale := next
	stale.Version = 5
	err = s.UpdateShift(ctx, "s-1", shift.StatusActive, stale)
	assert.ErrorIs(t, err, shift.ErrStatusMismatch, "wrong version")

	require.NoError(t, s.UpdateShift(ctx, "s-1", shift.StatusActive, next))
	err = s.UpdateShift(ctx, "s-1", shift.StatusActive, next)
	assert.ErrorIs(t, err, shift.ErrStatusMismatch, "second close must lose")

	active, err := s.FindActiveShiftByDispenser(ctx, "d-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	// The dispenser is free again.
	require.NoError(t, s.InsertShift(ctx, activeShift("s-2", "d-1", base.Add(9*time.Hour))))
}

func testShiftRoundTrip(t *testing.T, s shift.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))
	open := activeShift("s-1", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, open))

	got, err := s.GetShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.ClosingReading)
	assert.Nil(t, got.Discrepancy)
	assert.True(t, got.StartTime.Equal(base))

	next := closed(open, "1050.125", base.Add(8*time.Hour), shift.StatusFlagged)
	require.NoError(t, s.UpdateShift(ctx, "s-1", shift.StatusActive, next))

	got, err = s.GetShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, shift.StatusFlagged, got.Status)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.ClosingReading)
	assert.Equal(t, "1050.125", got.ClosingReading.String())
	assert.Equal(t, next.ExpectedCash.String(), got.ExpectedCash.String())
	assert.Equal(t, "5.25", got.DigitalPayments["card"].String())
	assert.Equal(t, "bought water", got.CashUsageReason)
	require.NotNil(t, got.Discrepancy)
	assert.Equal(t, "2.25", got.Discrepancy.Amount.String())
	assert.Equal(t, shift.CategoryExcess, got.Discrepancy.Category)
	assert.False(t, got.Discrepancy.Resolved)

	// Resolve
	at := base.Add(10 * time.Hour)
	resolved := got.Clone()
	resolved.Discrepancy.Resolved = true
	resolved.Discrepancy.ResolutionReason = "counted twice"
	resolved.Discrepancy.ResolverID = "mgr-1"
	resolved.Discrepancy.ResolvedAt = &at
	resolved.Status = shift.StatusCompleted
	resolved.Version = 3
	require.NoError(t, s.UpdateShift(ctx, "s-1", shift.StatusFlagged, resolved))

	got, err = s.GetShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, got.Status)
	require.NotNil(t, got.Discrepancy)
	assert.True(t, got.Discrepancy.Resolved)
	assert.Equal(t, "mgr-1", got.Discrepancy.ResolverID)
	require.NotNil(t, got.Discrepancy.ResolvedAt)
	assert.True(t, got.Discrepancy.ResolvedAt.Equal(at))
}

func testLastClosingReading(t *testing.T, s shift.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))

	_, ok, err := s.LastClosingReading(ctx, "d-1")
	require.NoError(t, err)
	assert.False(t, ok, "never closed")

	first := activeShift("s-1", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, first))
	require.NoError(t, s.UpdateShift(ctx, "s-1", shift.StatusActive, closed(first, "1050", base.Add(time.Hour), shift.StatusCompleted)))

	second := activeShift("s-2", "d-1", base.Add(2*time.Hour))
	second.OpeningReading = decimal.RequireFromString("1050")
	require.NoError(t, s.InsertShift(ctx, second))
	require.NoError(t, s.UpdateShift(ctx, "s-2", shift.StatusActive, closed(second, "1120.5", base.Add(3*time.Hour), shift.StatusCompleted)))

	reading, ok, err := s.LastClosingReading(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1120.5", reading.String())
}

func testListShiftsFilters(t *testing.T, s shift.Store) {
	ctx := context.Background()
	for _, d := range []shift.DispenserID{"d-1", "d-2"} {
		require.NoError(t, s.SaveDispenser(ctx, dispenser(d)))
	}
	other := dispenser("d-3")
	other.StationID = "st-2"
	require.NoError(t, s.SaveDispenser(ctx, other))

	a := activeShift("s-a", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, a))
	require.NoError(t, s.UpdateShift(ctx, "s-a", shift.StatusActive, closed(a, "1010", base.Add(time.Hour), shift.StatusFlagged)))

	b := activeShift("s-b", "d-2", base.Add(2*time.Hour))
	b.OperatorID = "op-2"
	require.NoError(t, s.InsertShift(ctx, b))

	c := activeShift("s-c", "d-3", base.Add(3*time.Hour))
	c.StationID = "st-2"
	require.NoError(t, s.InsertShift(ctx, c))

	all, err := s.ListShifts(ctx, shift.ShiftFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, shift.ShiftID("s-c"), all[0].ID, "newest first")
	assert.Equal(t, shift.ShiftID("s-a"), all[2].ID)

	station, err := s.ListShifts(ctx, shift.ShiftFilter{StationID: "st-1"})
	require.NoError(t, err)
	assert.Len(t, station, 2)

	flagged, err := s.ListShifts(ctx, shift.ShiftFilter{Status: shift.StatusFlagged})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, shift.ShiftID("s-a"), flagged[0].ID)

	byOperator, err := s.ListShifts(ctx, shift.ShiftFilter{OperatorID: "op-2"})
	require.NoError(t, err)
	require.Len(t, byOperator, 1)
	assert.Equal(t, shift.ShiftID("s-b"), byOperator[0].ID)

	byDispenser, err := s.ListShifts(ctx, shift.ShiftFilter{DispenserID: "d-3"})
	require.NoError(t, err)
	require.Len(t, byDispenser, 1)

	from, to := base.Add(2*time.Hour), base.Add(3*time.Hour)
	window, err := s.ListShifts(ctx, shift.ShiftFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1, "from inclusive, to exclusive")
	assert.Equal(t, shift.ShiftID("s-b"), window[0].ID)

	limited, err := s.ListShifts(ctx, shift.ShiftFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testStationPolicy(t *testing.T, s shift.Store) {
	ctx := context.Background()

	_, ok, err := s.GetStationPolicy(ctx, "st-1")
	require.NoError(t, err)
	assert.False(t, ok)

	p := shift.DefaultPolicy()
	p.Tolerance = decimal.RequireFromString("2.5")
	require.NoError(t, s.SaveStationPolicy(ctx, "st-1", p))
	p.MinUsageReasonLen = 12
	require.NoError(t, s.SaveStationPolicy(ctx, "st-1", p))

	got, ok, err := s.GetStationPolicy(ctx, "st-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Tolerance.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 12, got.MinUsageReasonLen)
}

func testAuditLog(t *testing.T, s shift.Store) {
	ctx := context.Background()
	for i, action := range []shift.AuditAction{shift.AuditCreate, shift.AuditUpdate, shift.AuditResolve} {
		before := json.RawMessage(`{"status":"ACTIVE"}`)
		if action == shift.AuditCreate {
			before = json.RawMessage("null")
		}
		require.NoError(t, s.AppendAuditLog(ctx, shift.AuditEntry{
			ID:         fmt.Sprintf("a-%d", i),
			ActorID:    "op-1",
			Action:     action,
			EntityType: shift.EntityShift,
			EntityID:   "s-1",
			Before:     before,
			After:      json.RawMessage(`{"status":"COMPLETED"}`),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendAuditLog(ctx, shift.AuditEntry{
		ID: "other", ActorID: "own-1", Action: shift.AuditCreate,
		EntityType: shift.EntityDispenser, EntityID: "s-1",
		Before: json.RawMessage("null"), After: json.RawMessage(`{}`), Timestamp: base,
	}))

	entries, err := s.ListAuditLog(ctx, shift.EntityShift, "s-1")
	require.NoError(t, err)
	require.Len(t, entries, 3, "entity type is part of the key")
	assert.Equal(t, shift.AuditCreate, entries[0].Action)
	assert.Equal(t, shift.AuditResolve, entries[2].Action)
	assert.JSONEq(t, "null", string(entries[0].Before))
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(entries[1].After))
}

func testConcurrentInsert(t *testing.T, s shift.Store) {
	// GIVEN: An idle dispenser
	// WHEN: Many goroutines insert an ACTIVE shift at once
	// THEN: Exactly one succeeds; every other gets ErrActiveShiftExists

	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))

	const n = 16
	var (
		wg         sync.WaitGroup
		wins       atomic.Int32
		unexpected atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertShift(ctx, activeShift(shift.ShiftID(fmt.Sprintf("s-%d", i)), "d-1", base))
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, shift.ErrActiveShiftExists):
				unexpected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, unexpected.Load())
	assert.Equal(t, int32(1), wins.Load())
}

func testConcurrentUpdate(t *testing.T, s shift.Store) {
	// GIVEN: One ACTIVE shift
	// WHEN: Many goroutines try the ACTIVE -> COMPLETED update at once
	// THEN: Exactly one wins; the rest see ErrStatusMismatch

	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))
	open := activeShift("s-1", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, open))

	const n = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		lost atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := closed(open, fmt.Sprintf("%d", 1010+i), base.Add(time.Hour), shift.StatusCompleted)
			err := s.UpdateShift(ctx, "s-1", shift.StatusActive, next)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, shift.ErrStatusMismatch):
				lost.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), lost.Load())
}

func testUpdateDispenserIsConditional(t *testing.T, s shift.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))

	next := dispenser("d-1")
	next.UnitPrice = decimal.RequireFromString("1.75")
	next.UpdatedAt = base.Add(time.Minute)

	err := s.UpdateDispenser(ctx, next, base.Add(time.Second))
	assert.ErrorIs(t, err, shift.ErrDispenserChanged, "stale expected")

	require.NoError(t, s.UpdateDispenser(ctx, next, base))
	got, err := s.GetDispenser(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(decimal.RequireFromString("1.75")))
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

	err = s.UpdateDispenser(ctx, next, base)
	assert.ErrorIs(t, err, shift.ErrDispenserChanged, "second writer with the same read must lose")

	missing := dispenser("d-9")
	assert.ErrorIs(t, s.UpdateDispenser(ctx, missing, base), shift.ErrDispenserNotFound)
}

func testInactiveDispenserNeverActive(t *testing.T, s shift.Store) {
	// GIVEN: A dispenser with an ACTIVE shift
	// WHEN: Deactivating it, then deactivating after the shift closes and opening again
	// THEN: ErrActiveShiftExists first, then ErrDispenserInactive on the open

	ctx := context.Background()
	require.NoError(t, s.SaveDispenser(ctx, dispenser("d-1")))
	open := activeShift("s-1", "d-1", base)
	require.NoError(t, s.InsertShift(ctx, open))

	off := dispenser("d-1")
	off.Active = false
	off.UpdatedAt = base.Add(time.Hour)
	assert.ErrorIs(t, s.UpdateDispenser(ctx, off, base), shift.ErrActiveShiftExists)

	got, err := s.GetDispenser(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, got.Active, "refused deactivation must not apply")

	require.NoError(t, s.UpdateShift(ctx, "s-1", shift.StatusActive, closed(open, "1050", base.Add(8*time.Hour), shift.StatusCompleted)))
	require.NoError(t, s.UpdateDispenser(ctx, off, base))

	err = s.InsertShift(ctx, activeShift("s-2", "d-1", base.Add(9*time.Hour)))
	assert.ErrorIs(t, err, shift.ErrDispenserInactive)
	_, err = s.GetShift(ctx, "s-2")
	assert.ErrorIs(t, err, shift.ErrShiftNotFound)

	err = s.InsertShift(ctx, activeShift("s-3", "d-missing", base))
	assert.ErrorIs(t, err, shift.ErrDispenserNotFound)
}

func testConcurrentOpenAndDeactivate(t *testing.T, s shift.Store) {
	// GIVEN: Fresh active dispensers
	// WHEN: An open and a deactivation race on each
	// THEN: Never an inactive dispenser with an ACTIVE shift

	ctx := context.Background()
	const rounds = 8

	for i := 0; i < rounds; i++ {
		id := shift.DispenserID(fmt.Sprintf("d-%d", i))
		require.NoError(t, s.SaveDispenser(ctx, dispenser(id)))

		var (
			wg               sync.WaitGroup
			insertErr, upErr error
		)
		off := dispenser(id)
		off.Active = false
		off.UpdatedAt = base.Add(time.Hour)

		wg.Add(2)
		go func() {
			defer wg.Done()
			insertErr = s.InsertShift(ctx, activeShift(shift.ShiftID(fmt.Sprintf("s-%d", i)), id, base))
		}()
		go func() {
			defer wg.Done()
			upErr = s.UpdateDispenser(ctx, off, base)
		}()
		wg.Wait()

		assert.True(t, insertErr == nil || errors.Is(insertErr, shift.ErrDispenserInactive), "insert: %v", insertErr)
		assert.True(t, upErr == nil || errors.Is(upErr, shift.ErrActiveShiftExists), "deactivate: %v", upErr)
		assert.False(t, insertErr == nil && upErr == nil, "both cannot win")

		d, err := s.GetDispenser(ctx, id)
		require.NoError(t, err)
		active, err := s.FindActiveShiftByDispenser(ctx, id)
		require.NoError(t, err)
		assert.False(t, !d.Active && active != nil, "inactive dispenser %s has ACTIVE shift", id)
	}
}
