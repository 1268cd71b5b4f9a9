package shift_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/shift/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// tickingClock returns a strictly increasing time, one second per call.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *tickingClock {
	return &tickingClock{now: time.Date(2025, time.March, 10, 6, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var (
	operator = shift.Actor{ID: "op-1", Role: shift.RoleOperator, StationID: "st-1"}
	manager  = shift.Actor{ID: "mgr-1", Role: shift.RoleManager, StationID: "st-1"}
	owner    = shift.Actor{ID: "own-1", Role: shift.RoleOwner, StationID: "st-1"}
	admin    = shift.Actor{ID: "adm-1", Role: shift.RoleAdmin}
)

func newTestMachine(t *testing.T, opts ...shift.Option) (*shift.Machine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]shift.Option{
		shift.WithLogger(quietLogger()),
		shift.WithClock(newClock().Now),
	}, opts...)
	return shift.New(mem, opts...), mem
}

// seedDispenser stores an active dispenser at st-1 with the given price.
func seedDispenser(t *testing.T, mem *store.Memory, id shift.DispenserID, price string) {
	t.Helper()
	err := mem.SaveDispenser(context.Background(), shift.Dispenser{
		ID:        id,
		StationID: "st-1",
		FuelKind:  shift.FuelPetrol,
		UnitPrice: decimal.RequireFromString(price),
		Active:    true,
	})
	require.NoError(t, err)
}

func openAt(t *testing.T, m *shift.Machine, dispenser shift.DispenserID, reading string) *shift.Shift {
	t.Helper()
	s, err := m.OpenShift(context.Background(), shift.OpenShiftInput{
		DispenserID:    dispenser,
		OperatorID:     operator.ID,
		Slot:           shift.SlotMorning,
		OpeningReading: reading,
	})
	require.NoError(t, err)
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// failingAudit refuses every audit append.
type failingAudit struct {
	*store.Memory
}

var errAuditDown = errors.New("audit table unavailable")

func (f failingAudit) AppendAuditLog(context.Context, shift.AuditEntry) error {
	return errAuditDown
}

// recordingDispatcher keeps every event it was handed.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []shift.DiscrepancyEvent
	err    error
}

func (d *recordingDispatcher) DispatchDiscrepancy(_ context.Context, ev shift.DiscrepancyEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}
