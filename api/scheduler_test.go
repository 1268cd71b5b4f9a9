package api_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/api"
	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/shift/store"
)

func TestOverdueMonitor_Check(t *testing.T) {
	// GIVEN: One shift started 20h ago and one started 1h ago
	// WHEN: Checking twice with a 16h threshold
	// THEN: The old shift is reported once, the recent one never

	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)

	for i, d := range []shift.DispenserID{"d-1", "d-2"} {
		require.NoError(t, mem.SaveDispenser(ctx, shift.Dispenser{
			ID: d, StationID: "st-1", FuelKind: shift.FuelPetrol, UnitPrice: decimal.NewFromInt(100), Active: true,
		}))
		started := now.Add(-20 * time.Hour)
		if i == 1 {
			started = now.Add(-time.Hour)
		}
		require.NoError(t, mem.InsertShift(ctx, shift.Shift{
			ID: shift.ShiftID("s-" + string(d)), DispenserID: d, StationID: "st-1", OperatorID: "op-1",
			Slot: shift.SlotMorning, StartTime: started, Status: shift.StatusActive, Version: 1,
		}))
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	monitor := api.NewOverdueMonitor(mem, logger, 16*time.Hour)
	monitor.Now = func() time.Time { return now }

	overdue, err := monitor.Check(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, shift.ShiftID("s-d-1"), overdue[0].ID)

	again, err := monitor.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOverdueMonitor_ConcurrentChecks(t *testing.T) {
	// GIVEN: One overdue shift and a running monitor
	// WHEN: Several callers run Check at the same time as the ticker
	// THEN: The shift is reported at most once across all of them

	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)
	require.NoError(t, mem.SaveDispenser(ctx, shift.Dispenser{
		ID: "d-1", StationID: "st-1", FuelKind: shift.FuelPetrol, UnitPrice: decimal.NewFromInt(100), Active: true,
	}))
	require.NoError(t, mem.InsertShift(ctx, shift.Shift{
		ID: "s-1", DispenserID: "d-1", StationID: "st-1", OperatorID: "op-1",
		Slot: shift.SlotMorning, StartTime: now.Add(-20 * time.Hour), Status: shift.StatusActive, Version: 1,
	}))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	monitor := api.NewOverdueMonitor(mem, logger, 16*time.Hour)
	monitor.Now = func() time.Time { return now }
	monitor.CheckInterval = time.Millisecond

	monitor.Start()
	var (
		wg       sync.WaitGroup
		reported atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			overdue, err := monitor.Check(ctx)
			assert.NoError(t, err)
			reported.Add(int32(len(overdue)))
		}()
	}
	wg.Wait()
	monitor.Stop()

	assert.LessOrEqual(t, reported.Load(), int32(1))
}

func TestOverdueMonitor_StartStop(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	monitor := api.NewOverdueMonitor(store.NewMemory(), logger, time.Hour)
	monitor.CheckInterval = 10 * time.Millisecond

	monitor.Start()
	monitor.Start()
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()
	monitor.Stop()

	disabled := api.NewOverdueMonitor(store.NewMemory(), logger, 0)
	disabled.Start()
	disabled.Stop()
}
