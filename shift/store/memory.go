// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-shift-engine/shift"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one mutex. The mutex is what makes
// InsertShift's check-then-write and the compare-and-swap updates atomic.
type Memory struct {
	mu         sync.RWMutex
	shifts     map[shift.ShiftID]shift.Shift
	active     map[shift.DispenserID]shift.ShiftID
	dispensers map[shift.DispenserID]shift.Dispenser
	policies   map[shift.StationID]shift.Policy
	audit      []shift.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		shifts:     make(map[shift.ShiftID]shift.Shift),
		active:     make(map[shift.DispenserID]shift.ShiftID),
		dispensers: make(map[shift.DispenserID]shift.Dispenser),
		policies:   make(map[shift.StationID]shift.Policy),
	}
}

// =============================================================================
// SHIFTS
// =============================================================================

func (m *Memory) FindActiveShiftByDispenser(ctx context.Context, dispenserID shift.DispenserID) (*shift.Shift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[dispenserID]
	if !ok {
		return nil, nil
	}
	s := m.shifts[id].Clone()
	return &s, nil
}

func (m *Memory) InsertShift(ctx context.Context, s shift.Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Checked under the lock so a cancelled caller never commits.
	if err := ctx.Err(); err != nil {
		return err
	}
	d, ok := m.dispensers[s.DispenserID]
	if !ok {
		return shift.ErrDispenserNotFound
	}
	if s.Status == shift.StatusActive {
		if !d.Active {
			return shift.ErrDispenserInactive
		}
		if _, taken := m.active[s.DispenserID]; taken {
			return shift.ErrActiveShiftExists
		}
		m.active[s.DispenserID] = s.ID
	}
	m.shifts[s.ID] = s.Clone()
	return nil
}

func (m *Memory) UpdateShift(ctx context.Context, id shift.ShiftID, expected shift.Status, next shift.Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur, ok := m.shifts[id]
	if !ok {
		return shift.ErrShiftNotFound
	}
	if cur.Status != expected || cur.Version != next.Version-1 {
		return shift.ErrStatusMismatch
	}

	if cur.Status == shift.StatusActive && next.Status != shift.StatusActive {
		delete(m.active, cur.DispenserID)
	}
	m.shifts[id] = next.Clone()
	return nil
}

func (m *Memory) GetShift(ctx context.Context, id shift.ShiftID) (*shift.Shift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shifts[id]
	if !ok {
		return nil, shift.ErrShiftNotFound
	}
	c := s.Clone()
	return &c, nil
}

func (m *Memory) ListShifts(ctx context.Context, filter shift.ShiftFilter) ([]shift.Shift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []shift.Shift
	for _, s := range m.shifts {
		if filter.Matches(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartTime.After(result[j].StartTime)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Memory) LastClosingReading(ctx context.Context, dispenserID shift.DispenserID) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *shift.Shift
	for id := range m.shifts {
		s := m.shifts[id]
		if s.DispenserID != dispenserID || s.ClosingReading == nil || s.EndTime == nil {
			continue
		}
		if last == nil || s.EndTime.After(*last.EndTime) {
			last = &s
		}
	}
	if last == nil {
		return decimal.Zero, false, nil
	}
	return *last.ClosingReading, true, nil
}

// =============================================================================
// DISPENSERS
// =============================================================================

func (m *Memory) GetDispenser(ctx context.Context, id shift.DispenserID) (*shift.Dispenser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dispensers[id]
	if !ok {
		return nil, shift.ErrDispenserNotFound
	}
	return &d, nil
}

func (m *Memory) SaveDispenser(ctx context.Context, d shift.Dispenser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.dispensers[d.ID] = d
	return nil
}

func (m *Memory) UpdateDispenser(ctx context.Context, d shift.Dispenser, expected time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur, ok := m.dispensers[d.ID]
	if !ok {
		return shift.ErrDispenserNotFound
	}
	if !cur.UpdatedAt.Equal(expected) {
		return shift.ErrDispenserChanged
	}
	if _, busy := m.active[d.ID]; busy && !d.Active {
		return shift.ErrActiveShiftExists
	}
	m.dispensers[d.ID] = d
	return nil
}

// =============================================================================
// STATION POLICIES
// =============================================================================

func (m *Memory) GetStationPolicy(ctx context.Context, stationID shift.StationID) (shift.Policy, bool, error) {
	if err := ctx.Err(); err != nil {
		return shift.Policy{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[stationID]
	return p, ok, nil
}

func (m *Memory) SaveStationPolicy(ctx context.Context, stationID shift.StationID, p shift.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.policies[stationID] = p
	return nil
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

func (m *Memory) AppendAuditLog(ctx context.Context, entry shift.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAuditLog(ctx context.Context, entityType shift.EntityType, entityID string) ([]shift.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []shift.AuditEntry
	for _, e := range m.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			result = append(result, e)
		}
	}
	return result, nil
}
