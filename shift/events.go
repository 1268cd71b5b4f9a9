package shift

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DiscrepancyEvent is emitted after a shift is committed as FLAGGED.
// Delivery (push, email, ...) belongs to the Dispatcher.
type DiscrepancyEvent struct {
	ShiftID     ShiftID         `json:"shift_id"`
	DispenserID DispenserID     `json:"dispenser_id"`
	StationID   StationID       `json:"station_id"`
	OperatorID  string          `json:"operator_id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    Category        `json:"category"`
	FlaggedAt   time.Time       `json:"flagged_at"`
}

// Dispatcher delivers discrepancy events. Errors are logged by the machine and
// never fail the close that produced the event.
type Dispatcher interface {
	DispatchDiscrepancy(ctx context.Context, ev DiscrepancyEvent) error
}

type nopDispatcher struct{}

func (nopDispatcher) DispatchDiscrepancy(context.Context, DiscrepancyEvent) error { return nil }
