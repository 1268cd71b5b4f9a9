/*
audit.go - Append-only record of every shift and configuration change

PURPOSE:
  Every state transition and financial value change is appended to the audit
  log with actor, entity and before/after snapshots.

DEGRADED MODE:
  Recording happens after the primary write has committed. If the append
  fails, the shift data is still consistent, so the failure is logged and
  alerted instead of rolling the transition back or failing the request.
  The append is detached from caller cancellation: once the write committed,
  a client hanging up must not lose the audit entry.
*/
package shift

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AlertFunc receives audit write failures for an operational alert channel.
type AlertFunc func(ctx context.Context, err *AuditWriteError)

type AuditRecorder struct {
	Log    AuditLog
	Logger *logrus.Logger
	Alert  AlertFunc
	Now    func() time.Time
}

func NewAuditRecorder(log AuditLog, logger *logrus.Logger) *AuditRecorder {
	return &AuditRecorder{Log: log, Logger: logger, Now: time.Now}
}

// Record appends an entry. It reports whether the entry was written; the
// error itself has already been logged and alerted.
func (r *AuditRecorder) Record(
	ctx context.Context,
	actorID string,
	action AuditAction,
	entityType EntityType,
	entityID string,
	before, after any,
) bool {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  r.Now().UTC(),
	}

	var err error
	if entry.Before, err = snapshotJSON(before); err == nil {
		entry.After, err = snapshotJSON(after)
	}
	if err == nil {
		err = r.Log.AppendAuditLog(context.WithoutCancel(ctx), entry)
	}
	if err != nil {
		r.fail(ctx, &AuditWriteError{EntityType: entityType, EntityID: entityID, Action: action, Err: err})
		return false
	}
	return true
}

func (r *AuditRecorder) fail(ctx context.Context, err *AuditWriteError) {
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module":      "shift",
			"funcName":    "AuditRecorder.Record",
			"entity_type": err.EntityType,
			"entity_id":   err.EntityID,
			"action":      err.Action,
			"degraded":    true,
		}).Error(err.Error())
	}
	if r.Alert != nil {
		r.Alert(ctx, err)
	}
}

func snapshotJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

// =============================================================================
// SNAPSHOTS - Stable JSON shapes for before/after values
// =============================================================================

type shiftSnapshot struct {
	Status          Status               `json:"status"`
	OpeningReading  string               `json:"opening_reading"`
	ClosingReading  *string              `json:"closing_reading,omitempty"`
	UnitPrice       string               `json:"unit_price"`
	FuelSold        string               `json:"fuel_sold"`
	ExpectedCash    string               `json:"expected_cash"`
	ActualCash      string               `json:"actual_cash"`
	DigitalPayments map[string]string    `json:"digital_payments,omitempty"`
	CashUsed        string               `json:"cash_used"`
	CashUsageReason string               `json:"cash_usage_reason,omitempty"`
	Discrepancy     *discrepancySnapshot `json:"discrepancy,omitempty"`
	EndTime         *time.Time           `json:"end_time,omitempty"`
}

type discrepancySnapshot struct {
	Amount           string     `json:"amount"`
	Category         Category   `json:"category"`
	Resolved         bool       `json:"resolved"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	ResolverID       string     `json:"resolver_id,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

func snapshotShift(s Shift) shiftSnapshot {
	snap := shiftSnapshot{
		Status:          s.Status,
		OpeningReading:  s.OpeningReading.String(),
		UnitPrice:       s.UnitPrice.String(),
		FuelSold:        s.FuelSold.String(),
		ExpectedCash:    s.ExpectedCash.String(),
		ActualCash:      s.ActualCash.String(),
		CashUsed:        s.CashUsed.String(),
		CashUsageReason: s.CashUsageReason,
		EndTime:         s.EndTime,
	}
	if s.ClosingReading != nil {
		c := s.ClosingReading.String()
		snap.ClosingReading = &c
	}
	if len(s.DigitalPayments) > 0 {
		snap.DigitalPayments = make(map[string]string, len(s.DigitalPayments))
		for k, v := range s.DigitalPayments {
			snap.DigitalPayments[k] = v.String()
		}
	}
	if d := s.Discrepancy; d != nil {
		snap.Discrepancy = &discrepancySnapshot{
			Amount:           d.Amount.String(),
			Category:         d.Category,
			Resolved:         d.Resolved,
			ResolutionReason: d.ResolutionReason,
			ResolverID:       d.ResolverID,
			ResolvedAt:       d.ResolvedAt,
		}
	}
	return snap
}

type dispenserSnapshot struct {
	StationID StationID `json:"station_id"`
	Name      string    `json:"name,omitempty"`
	FuelKind  FuelKind  `json:"fuel_kind"`
	UnitPrice string    `json:"unit_price"`
	Active    bool      `json:"active"`
}

func snapshotDispenser(d Dispenser) dispenserSnapshot {
	return dispenserSnapshot{
		StationID: d.StationID,
		Name:      d.Name,
		FuelKind:  d.FuelKind,
		UnitPrice: d.UnitPrice.String(),
		Active:    d.Active,
	}
}
