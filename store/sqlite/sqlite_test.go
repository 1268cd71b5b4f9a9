package sqlite_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/store/sqlite"
	"github.com/warp/fuel-shift-engine/store/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) shift.Store {
		return newStore(t)
	})
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	// GIVEN: A file database that was already migrated
	// WHEN: Opening it again
	// THEN: Migration succeeds and existing rows survive

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shifts.db")

	first, err := sqlite.New(path)
	require.NoError(t, err)
	p := shift.DefaultPolicy()
	p.MinUsageReasonLen = 9
	require.NoError(t, first.SaveStationPolicy(ctx, "st-1", p))
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()

	got, ok, err := second.GetStationPolicy(ctx, "st-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9, got.MinUsageReasonLen)
}

func TestSQLiteStore_CancelledContextWritesNothing(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveStationPolicy(ctx, "st-1", shift.DefaultPolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, ok, err := store.GetStationPolicy(context.Background(), "st-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_CorruptTimestampIsAnError(t *testing.T) {
	// GIVEN: Rows whose timestamp columns were damaged outside the store
	// WHEN: Reading them back
	// THEN: An error naming the column instead of a zero time

	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveDispenser(ctx, shift.Dispenser{
		ID: "d-1", StationID: "st-1", FuelKind: shift.FuelPetrol, UnitPrice: decimal.NewFromInt(100), Active: true,
	}))
	require.NoError(t, store.InsertShift(ctx, shift.Shift{
		ID: "s-1", DispenserID: "d-1", StationID: "st-1", OperatorID: "op-1", Slot: shift.SlotMorning,
		StartTime: time.Date(2025, time.March, 10, 6, 0, 0, 0, time.UTC), OpeningReading: decimal.NewFromInt(1000),
		UnitPrice: decimal.NewFromInt(100), Status: shift.StatusActive, Version: 1,
	}))

	_, err := store.DB().ExecContext(ctx, `UPDATE shifts SET start_time = 'yesterday' WHERE id = 's-1'`)
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, `UPDATE dispensers SET updated_at = '' WHERE id = 'd-1'`)
	require.NoError(t, err)

	_, err = store.GetShift(ctx, "s-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_time")

	_, err = store.ListShifts(ctx, shift.ShiftFilter{})
	assert.Error(t, err)

	_, err = store.GetDispenser(ctx, "d-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updated_at")
}

func TestMachineOnSQLite_ConcurrentOpenAndClose(t *testing.T) {
	// GIVEN: The engine over a file-backed SQLite store
	// WHEN: 16 goroutines open on one dispenser, then 16 close the winner
	// THEN: Exactly one open and one close succeed, everyone else conflicts

	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "shifts.db"))
	require.NoError(t, err)
	defer store.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := shift.New(store, shift.WithLogger(logger))

	now := time.Now().UTC()
	require.NoError(t, store.SaveDispenser(ctx, shift.Dispenser{
		ID: "d-1", StationID: "st-1", FuelKind: shift.FuelDiesel,
		UnitPrice: decimal.NewFromInt(100), Active: true, CreatedAt: now, UpdatedAt: now,
	}))

	const workers = 16
	var (
		wg        sync.WaitGroup
		opened    atomic.Int32
		conflicts atomic.Int32
		winner    atomic.Value
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.OpenShift(ctx, shift.OpenShiftInput{
				DispenserID: "d-1", OperatorID: "op-1", Slot: shift.SlotMorning, OpeningReading: "1000",
			})
			switch {
			case err == nil:
				opened.Add(1)
				winner.Store(s.ID)
			case errors.Is(err, shift.ErrStateConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), opened.Load())
	require.Equal(t, int32(workers-1), conflicts.Load())

	id := winner.Load().(shift.ShiftID)
	var closed atomic.Int32
	conflicts.Store(0)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CloseShift(ctx, shift.CloseShiftInput{
				ShiftID: id, ActorID: "op-1", ClosingReading: "1010", ActualCash: "1000",
			})
			switch {
			case err == nil:
				closed.Add(1)
			case errors.Is(err, shift.ErrStateConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())

	entries, err := store.ListAuditLog(ctx, shift.EntityShift, string(id))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one CREATE and one UPDATE")
}
