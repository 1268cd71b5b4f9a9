package shift_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/shift/store"
)

func conflictCode(t *testing.T, err error) shift.Code {
	t.Helper()
	var ce *shift.StateConflictError
	require.True(t, errors.As(err, &ce), "expected StateConflictError, got %v", err)
	return ce.Code
}

func closeInput(id shift.ShiftID, closing, cash string) shift.CloseShiftInput {
	return shift.CloseShiftInput{
		ShiftID:        id,
		ActorID:        operator.ID,
		ClosingReading: closing,
		ActualCash:     cash,
	}
}

// =============================================================================
// OPEN
// =============================================================================

func TestOpenShift_CreatesActiveShift(t *testing.T) {
	// GIVEN: An active dispenser priced at 100
	// WHEN: Opening a shift at 1000.0
	// THEN: The shift is ACTIVE, carries the reading and captures the price

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")

	s := openAt(t, m, "d-1", "1000.0")

	assert.Equal(t, shift.StatusActive, s.Status)
	assert.True(t, s.OpeningReading.Equal(dec("1000")))
	assert.True(t, s.UnitPrice.Equal(dec("100")))
	assert.Equal(t, shift.StationID("st-1"), s.StationID)
	assert.Equal(t, 1, s.Version)
	assert.Nil(t, s.EndTime)
	assert.Nil(t, s.ClosingReading)

	stored, err := mem.GetShift(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)

	entries, err := mem.ListAuditLog(ctx, shift.EntityShift, string(s.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, shift.AuditCreate, entries[0].Action)
	assert.Equal(t, operator.ID, entries[0].ActorID)
	assert.JSONEq(t, "null", string(entries[0].Before))
}

func TestOpenShift_DuplicateActiveShift(t *testing.T) {
	// GIVEN: A dispenser with an ACTIVE shift
	// WHEN: Opening another shift on it
	// THEN: DuplicateActiveShift and nothing new is written

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	first := openAt(t, m, "d-1", "1000")

	_, err := m.OpenShift(ctx, shift.OpenShiftInput{
		DispenserID: "d-1", OperatorID: "op-2", Slot: shift.SlotEvening, OpeningReading: "1000",
	})
	assert.ErrorIs(t, err, shift.ErrStateConflict)
	assert.Equal(t, shift.CodeDuplicateActiveShift, conflictCode(t, err))

	all, err := mem.ListShifts(ctx, shift.ShiftFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestOpenShift_Preconditions(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")

	t.Run("operator required", func(t *testing.T) {
		_, err := m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "d-1", Slot: shift.SlotMorning, OpeningReading: "1"})
		assert.Equal(t, shift.CodeRequired, codeOf(t, err))
	})

	t.Run("invalid slot", func(t *testing.T) {
		_, err := m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "d-1", OperatorID: "op-1", Slot: "AFTERNOON", OpeningReading: "1"})
		assert.Equal(t, shift.CodeInvalidSlot, codeOf(t, err))
	})

	t.Run("unknown dispenser", func(t *testing.T) {
		_, err := m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "nope", OperatorID: "op-1", Slot: shift.SlotMorning, OpeningReading: "1"})
		assert.ErrorIs(t, err, shift.ErrDispenserNotFound)
		assert.True(t, shift.IsNotFound(err))
	})

	t.Run("inactive dispenser", func(t *testing.T) {
		require.NoError(t, mem.SaveDispenser(ctx, shift.Dispenser{ID: "d-off", StationID: "st-1", FuelKind: shift.FuelCNG, UnitPrice: dec("2")}))
		_, err := m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "d-off", OperatorID: "op-1", Slot: shift.SlotMorning, OpeningReading: "1"})
		assert.Equal(t, shift.CodeDispenserInactive, conflictCode(t, err))
	})

	t.Run("bad opening reading", func(t *testing.T) {
		_, err := m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "d-1", OperatorID: "op-1", Slot: shift.SlotMorning, OpeningReading: "-5"})
		assert.Equal(t, shift.CodeNegative, codeOf(t, err))
	})

	all, err := mem.ListShifts(ctx, shift.ShiftFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no failed open may write")
}

func TestOpenShift_ContinuesFromLastClosingReading(t *testing.T) {
	// GIVEN: A dispenser whose last shift closed at 1150
	// WHEN: Opening the next shift below that reading
	// THEN: NotMonotonic; opening at exactly 1150 works

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")
	_, err := m.CloseShift(ctx, closeInput(s.ID, "1150", "15000"))
	require.NoError(t, err)

	_, err = m.OpenShift(ctx, shift.OpenShiftInput{DispenserID: "d-1", OperatorID: "op-1", Slot: shift.SlotEvening, OpeningReading: "1149.9"})
	assert.Equal(t, shift.CodeNotMonotonic, codeOf(t, err))

	next := openAt(t, m, "d-1", "1150")
	assert.True(t, next.OpeningReading.Equal(dec("1150")))
}

func TestOpenShift_ConcurrentOpensExactlyOneWins(t *testing.T) {
	// GIVEN: An idle dispenser
	// WHEN: 32 operators open a shift on it at the same time
	// THEN: Exactly one succeeds, the rest fail with DuplicateActiveShift

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.OpenShift(ctx, shift.OpenShiftInput{
				DispenserID:    "d-1",
				OperatorID:     fmt.Sprintf("op-%d", i),
				Slot:           shift.SlotMorning,
				OpeningReading: "1000",
			})
			mu.Lock()
			defer mu.Unlock()
			var ce *shift.StateConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &ce) && ce.Code == shift.CodeDuplicateActiveShift:
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)

	active, err := mem.ListShifts(ctx, shift.ShiftFilter{Status: shift.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

// =============================================================================
// CLOSE
// =============================================================================

func TestCloseShift_ShortageIsFlagged(t *testing.T) {
	// GIVEN: Shift opened at 1000.0 on a dispenser priced 100
	// WHEN: Closing at 1150.0 with 14500 cash, no digital, no cash used
	// THEN: fuel_sold=150, expected=15000, discrepancy=-500 -> FLAGGED shortage

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000.0")

	closed, err := m.CloseShift(ctx, shift.CloseShiftInput{
		ShiftID:         s.ID,
		ClosingReading:  "1150.0",
		ActualCash:      "14500",
		DigitalPayments: map[string]string{},
		CashUsed:        "0",
	})
	require.NoError(t, err)

	assert.Equal(t, shift.StatusFlagged, closed.Status)
	assert.Equal(t, "150", closed.FuelSold.String())
	assert.Equal(t, "15000", closed.ExpectedCash.String())
	require.NotNil(t, closed.Discrepancy)
	assert.Equal(t, "-500", closed.Discrepancy.Amount.String())
	assert.Equal(t, shift.CategoryShortage, closed.Discrepancy.Category)
	assert.False(t, closed.Discrepancy.Resolved)
	assert.NotNil(t, closed.EndTime)
	assert.Equal(t, 2, closed.Version)

	entries, err := mem.ListAuditLog(ctx, shift.EntityShift, string(s.ID))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, shift.AuditUpdate, entries[1].Action)
	assert.Equal(t, s.OperatorID, entries[1].ActorID, "actor defaults to the operator")
	assert.Contains(t, string(entries[1].Before), `"status":"ACTIVE"`)
	assert.Contains(t, string(entries[1].After), `"status":"FLAGGED"`)
}

func TestCloseShift_ExactCashCompletes(t *testing.T) {
	// GIVEN: Shift opened at 1000.0 on a dispenser priced 100
	// WHEN: Closing at 1150.0 with 15000 cash
	// THEN: discrepancy=0 -> COMPLETED with no discrepancy record

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000.0")

	closed, err := m.CloseShift(ctx, closeInput(s.ID, "1150.0", "15000"))
	require.NoError(t, err)

	assert.Equal(t, shift.StatusCompleted, closed.Status)
	assert.Nil(t, closed.Discrepancy)

	active, err := mem.FindActiveShiftByDispenser(ctx, "d-1")
	require.NoError(t, err)
	assert.Nil(t, active, "dispenser is free after close")
}

func TestCloseShift_NotMonotonicLeavesShiftActive(t *testing.T) {
	// GIVEN: Shift opened at 1000.0
	// WHEN: Closing at 900.0
	// THEN: NotMonotonic, shift stays ACTIVE and unchanged

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000.0")

	_, err := m.CloseShift(ctx, closeInput(s.ID, "900.0", "0"))
	assert.ErrorIs(t, err, shift.ErrValidation)
	assert.Equal(t, shift.CodeNotMonotonic, codeOf(t, err))

	stored, err := mem.GetShift(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusActive, stored.Status)
	assert.Nil(t, stored.ClosingReading)
	assert.Equal(t, 1, stored.Version)

	entries, err := mem.ListAuditLog(ctx, shift.EntityShift, string(s.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the CREATE entry")
}

func TestCloseShift_DigitalPaymentsAndCashUsed(t *testing.T) {
	// GIVEN: 10 units at 1.5 = 15 expected, 2.50 spent on supplies
	// WHEN: 8 cash + 4.50 card is received
	// THEN: received 12.50 matches net expected 12.50 -> COMPLETED

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "1.5")
	s := openAt(t, m, "d-1", "100")

	closed, err := m.CloseShift(ctx, shift.CloseShiftInput{
		ShiftID:         s.ID,
		ClosingReading:  "110",
		ActualCash:      "8",
		DigitalPayments: map[string]string{"card": "4.50"},
		CashUsed:        "2.50",
		CashUsageReason: "window cleaner",
	})
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, closed.Status)
	assert.Equal(t, "12.5", closed.TotalReceived().String())
	assert.Equal(t, "window cleaner", closed.CashUsageReason)
}

func TestCloseShift_ValidationFailures(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")

	tests := []struct {
		name  string
		in    shift.CloseShiftInput
		field string
		code  shift.Code
	}{
		{
			name:  "cash too many decimals",
			in:    closeInput(s.ID, "1010", "100.001"),
			field: "actual_cash",
			code:  shift.CodeTooManyDecimals,
		},
		{
			name:  "negative digital payment",
			in:    shift.CloseShiftInput{ShiftID: s.ID, ClosingReading: "1010", DigitalPayments: map[string]string{"card": "-1"}},
			field: "digital_payments.card",
			code:  shift.CodeNegative,
		},
		{
			name:  "unnamed digital payment",
			in:    shift.CloseShiftInput{ShiftID: s.ID, ClosingReading: "1010", DigitalPayments: map[string]string{" ": "1"}},
			field: "digital_payments",
			code:  shift.CodeRequired,
		},
		{
			name:  "cash used without reason",
			in:    shift.CloseShiftInput{ShiftID: s.ID, ClosingReading: "1010", ActualCash: "950", CashUsed: "50"},
			field: "cash_usage_reason",
			code:  shift.CodeMissingUsageReason,
		},
		{
			name:  "cash used with too short a reason",
			in:    shift.CloseShiftInput{ShiftID: s.ID, ClosingReading: "1010", ActualCash: "950", CashUsed: "50", CashUsageReason: " tea "},
			field: "cash_usage_reason",
			code:  shift.CodeMissingUsageReason,
		},
		{
			name:  "closing above ceiling",
			in:    closeInput(s.ID, "1000000", "0"),
			field: "closing_reading",
			code:  shift.CodeOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CloseShift(ctx, tt.in)
			var ve *shift.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.code, ve.Code)
			assert.True(t, shift.IsClientError(err))
		})
	}

	stored, err := mem.GetShift(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusActive, stored.Status)
}

func TestCloseShift_AlreadyClosed(t *testing.T) {
	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")
	_, err := m.CloseShift(ctx, closeInput(s.ID, "1010", "1000"))
	require.NoError(t, err)

	_, err = m.CloseShift(ctx, closeInput(s.ID, "1020", "2000"))
	assert.Equal(t, shift.CodeNotActive, conflictCode(t, err))

	_, err = m.CloseShift(ctx, closeInput("missing", "1020", "2000"))
	assert.ErrorIs(t, err, shift.ErrShiftNotFound)
}

func TestCloseShift_ConcurrentClosesExactlyOneWins(t *testing.T) {
	// GIVEN: One ACTIVE shift
	// WHEN: Two terminals submit different closes at the same time
	// THEN: One wins; the other gets NotActive and the stored values are the winner's

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*shift.Shift
		losers  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.CloseShift(ctx, closeInput(s.ID, fmt.Sprintf("%d", 1010+i), "1000"))
			mu.Lock()
			defer mu.Unlock()
			var ce *shift.StateConflictError
			switch {
			case err == nil:
				winners = append(winners, got)
			case errors.As(err, &ce) && ce.Code == shift.CodeNotActive:
				losers++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)

	stored, err := mem.GetShift(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.ClosingReading.Equal(*winners[0].ClosingReading))

	entries, err := mem.ListAuditLog(ctx, shift.EntityShift, string(s.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one CREATE, one UPDATE")
}

func TestCloseShift_UsesPriceCapturedAtOpen(t *testing.T) {
	// GIVEN: Shift opened while price was 100
	// WHEN: The price changes to 120 before close
	// THEN: Expected cash still uses 100

	ctx := context.Background()
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")

	_, err := m.SetDispenserPrice(ctx, owner, "d-1", "120")
	require.NoError(t, err)

	closed, err := m.CloseShift(ctx, closeInput(s.ID, "1010", "1000"))
	require.NoError(t, err)
	assert.Equal(t, "1000", closed.ExpectedCash.String())
	assert.Equal(t, shift.StatusCompleted, closed.Status)
}

func TestCloseShift_DispatchesFlaggedEvent(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{err: errors.New("push gateway down")}
	m, mem := newTestMachine(t, shift.WithDispatcher(d))
	seedDispenser(t, mem, "d-1", "100")

	ok := openAt(t, m, "d-1", "1000")
	_, err := m.CloseShift(ctx, closeInput(ok.ID, "1010", "1000"))
	require.NoError(t, err)
	assert.Empty(t, d.events, "no event for a clean close")

	bad := openAt(t, m, "d-1", "1010")
	_, err = m.CloseShift(ctx, closeInput(bad.ID, "1020", "1200"))
	require.NoError(t, err, "dispatch failure does not fail the close")

	require.Len(t, d.events, 1)
	ev := d.events[0]
	assert.Equal(t, bad.ID, ev.ShiftID)
	assert.Equal(t, shift.CategoryExcess, ev.Category)
	assert.Equal(t, "200", ev.Amount.String())
	assert.Equal(t, shift.StationID("st-1"), ev.StationID)
}

func TestCloseShift_CancelledBeforeCommitWritesNothing(t *testing.T) {
	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "100")
	s := openAt(t, m, "d-1", "1000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.CloseShift(ctx, closeInput(s.ID, "1010", "1000"))
	require.Error(t, err)

	stored, err := mem.GetShift(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusActive, stored.Status)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestProperty_ArithmeticAndThreshold(t *testing.T) {
	// For a grid of closes: fuel_sold = closing - opening, expected = fuel_sold * price,
	// and FLAGGED iff |received - (expected - used)| > tolerance.

	ctx := context.Background()
	readings := []string{"0", "0.5", "12.345", "150"}
	cash := []string{"0", "14.99", "15", "15.01", "16.01", "1000"}
	used := []string{"0", "1"}

	m, mem := newTestMachine(t)
	seedDispenser(t, mem, "d-1", "0.1")
	tol := shift.DefaultPolicy().Tolerance

	opening := dec("100")
	for _, r := range readings {
		for _, c := range cash {
			for _, u := range used {
				s := openAt(t, m, "d-1", opening.String())
				closing := opening.Add(dec(r))
				closed, err := m.CloseShift(ctx, shift.CloseShiftInput{
					ShiftID:         s.ID,
					ClosingReading:  closing.String(),
					ActualCash:      c,
					CashUsed:        u,
					CashUsageReason: "sundries",
				})
				require.NoError(t, err)

				fuel := closing.Sub(opening)
				expected := fuel.Mul(dec("0.1"))
				amount := dec(c).Sub(expected.Sub(dec(u)))

				assert.True(t, closed.FuelSold.Equal(fuel))
				assert.True(t, closed.ExpectedCash.Equal(expected))
				assert.True(t, closed.ClosingReading.GreaterThanOrEqual(closed.OpeningReading))
				if amount.Abs().GreaterThan(tol) {
					assert.Equal(t, shift.StatusFlagged, closed.Status)
					require.NotNil(t, closed.Discrepancy)
					assert.True(t, closed.Discrepancy.Amount.Equal(amount))
				} else {
					assert.Equal(t, shift.StatusCompleted, closed.Status)
					assert.Nil(t, closed.Discrepancy)
				}
				opening = closing
			}
		}
	}
}

// =============================================================================
// DEGRADED MODE - Audit failures
// =============================================================================

func TestAuditFailure_DoesNotFailTransition(t *testing.T) {
	// GIVEN: An audit log that rejects every write
	// WHEN: Opening and closing a shift
	// THEN: Both succeed and each failure is alerted as an AuditWriteError

	ctx := context.Background()
	mem := store.NewMemory()
	seedDispenser(t, mem, "d-1", "100")

	var (
		mu     sync.Mutex
		alerts []*shift.AuditWriteError
	)
	m := shift.New(failingAudit{mem},
		shift.WithLogger(quietLogger()),
		shift.WithClock(newClock().Now),
		shift.WithAlert(func(_ context.Context, err *shift.AuditWriteError) {
			mu.Lock()
			alerts = append(alerts, err)
			mu.Unlock()
		}),
	)

	s := openAt(t, m, "d-1", "1000")
	closed, err := m.CloseShift(ctx, closeInput(s.ID, "1010", "1000"))
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, closed.Status)

	require.Len(t, alerts, 2)
	assert.Equal(t, shift.AuditCreate, alerts[0].Action)
	assert.Equal(t, shift.AuditUpdate, alerts[1].Action)
	assert.ErrorIs(t, alerts[1], errAuditDown)

	stored, err := mem.GetShift(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, shift.StatusCompleted, stored.Status, "transition committed")
}
