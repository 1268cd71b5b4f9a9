// Package notify delivers discrepancy events raised by the shift engine.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/shift"
)

// Log writes each event as a structured warning. It is the fallback when no
// broker is configured.
type Log struct {
	Logger *logrus.Logger
}

func NewLog(logger *logrus.Logger) *Log {
	return &Log{Logger: logger}
}

func (l *Log) DispatchDiscrepancy(_ context.Context, ev shift.DiscrepancyEvent) error {
	l.Logger.WithFields(logrus.Fields{
		"module":       "notify",
		"shift_id":     ev.ShiftID,
		"dispenser_id": ev.DispenserID,
		"station_id":   ev.StationID,
		"operator_id":  ev.OperatorID,
		"amount":       ev.Amount.String(),
		"category":     ev.Category,
		"flagged_at":   ev.FlaggedAt,
	}).Warn("discrepancy flagged")
	return nil
}

// Fanout hands each event to every dispatcher and joins their errors.
type Fanout []shift.Dispatcher

func (f Fanout) DispatchDiscrepancy(ctx context.Context, ev shift.DiscrepancyEvent) error {
	var errs []error
	for _, d := range f {
		if err := d.DispatchDiscrepancy(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
