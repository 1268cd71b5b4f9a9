/*
scheduler.go - Overdue shift monitor

PURPOSE:
  Periodically looks for shifts still ACTIVE long after they started. A
  forgotten shift blocks its dispenser (one ACTIVE shift per dispenser), so
  each one is logged once as a warning for the station to close it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads straight from the store, across all stations
  - Warns once per shift; a shift that closes and is reopened is new

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - OverdueAfter:  Age at which an ACTIVE shift is overdue (0 disables)

USAGE:
  monitor := NewOverdueMonitor(store, logger, 16*time.Hour)
  monitor.Start()
  // ... later
  monitor.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/shift"
)

const overdueScanLimit = 1000

// OverdueMonitor reports long-running ACTIVE shifts.
type OverdueMonitor struct {
	Store         shift.Store
	Logger        *logrus.Logger
	CheckInterval time.Duration
	OverdueAfter  time.Duration
	Now           func() time.Time

	// checkMu serializes Check; it guards seen.
	checkMu sync.Mutex
	seen    map[shift.ShiftID]struct{}

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewOverdueMonitor(store shift.Store, logger *logrus.Logger, overdueAfter time.Duration) *OverdueMonitor {
	return &OverdueMonitor{
		Store:         store,
		Logger:        logger,
		CheckInterval: 15 * time.Minute,
		OverdueAfter:  overdueAfter,
		Now:           time.Now,
		seen:          make(map[shift.ShiftID]struct{}),
	}
}

// Start begins periodic checks. It is a no-op when OverdueAfter is 0.
func (m *OverdueMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OverdueAfter <= 0 || m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run()

	m.Logger.WithFields(logrus.Fields{
		"check_interval": m.CheckInterval.String(),
		"overdue_after":  m.OverdueAfter.String(),
	}).Info("overdue shift monitor started")
}

// Stop halts the monitor and waits for an in-flight check.
func (m *OverdueMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.wg.Wait()
	m.ticker = nil
	m.Logger.Info("overdue shift monitor stopped")
}

func (m *OverdueMonitor) run() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stop
		cancel()
	}()

	// Run immediately on start
	m.check(ctx)

	for {
		select {
		case <-m.ticker.C:
			m.check(ctx)
		case <-m.stop:
			return
		}
	}
}

func (m *OverdueMonitor) check(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
		m.Logger.WithFields(logrus.Fields{
			"module":   "api",
			"funcName": "OverdueMonitor.Check",
		}).Error(err.Error())
	}
}

// Check returns the shifts that became overdue since the previous check and
// logs each of them. It is safe to call while the monitor is running.
func (m *OverdueMonitor) Check(ctx context.Context) ([]shift.Shift, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	cutoff := m.Now().UTC().Add(-m.OverdueAfter)
	active, err := m.Store.ListShifts(ctx, shift.ShiftFilter{
		Status: shift.StatusActive,
		To:     &cutoff,
		Limit:  overdueScanLimit,
	})
	if err != nil {
		return nil, err
	}

	current := make(map[shift.ShiftID]struct{}, len(active))
	var fresh []shift.Shift
	for _, s := range active {
		current[s.ID] = struct{}{}
		if _, ok := m.seen[s.ID]; ok {
			continue
		}
		fresh = append(fresh, s)
		m.Logger.WithFields(logrus.Fields{
			"shift_id":     s.ID,
			"dispenser_id": s.DispenserID,
			"station_id":   s.StationID,
			"operator_id":  s.OperatorID,
			"started_at":   s.StartTime,
		}).Warn("shift overdue")
	}
	// Forget shifts that closed so the map stays bounded.
	m.seen = current
	return fresh, nil
}
