/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface, kept apart from the shift package types
  so the wire contract can evolve on its own.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO:     Response types returned to clients

NUMBERS:
  Readings and money travel as decimal strings in responses. Requests accept
  either a JSON string or a JSON number (see Number); the engine parses the
  raw text so "abc" comes back as a NotNumeric field error rather than a
  decode failure.

VALIDATION:
  Structural checks (required fields, enums) use validator/v10 struct tags.
  Domain checks (ranges, monotonicity, tolerance) stay in the engine.
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-shift-engine/shift"
)

// Number holds the raw text of a JSON number or string.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	*n = Number(b)
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

type OpenShiftRequest struct {
	DispenserID    string `json:"dispenser_id" validate:"required"`
	OperatorID     string `json:"operator_id"` // defaults to the caller
	Slot           string `json:"slot" validate:"required,oneof=MORNING EVENING NIGHT"`
	OpeningReading Number `json:"opening_reading" validate:"required"`
}

type CloseShiftRequest struct {
	ClosingReading  Number            `json:"closing_reading" validate:"required"`
	ActualCash      Number            `json:"actual_cash"`
	DigitalPayments map[string]Number `json:"digital_payments"`
	CashUsed        Number            `json:"cash_used"`
	CashUsageReason string            `json:"cash_usage_reason"`
}

func (r CloseShiftRequest) digital() map[string]string {
	if len(r.DigitalPayments) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.DigitalPayments))
	for name, amount := range r.DigitalPayments {
		out[name] = string(amount)
	}
	return out
}

type ResolveRequest struct {
	Reason string `json:"reason"`
}

type CreateDispenserRequest struct {
	ID        string `json:"id"`
	StationID string `json:"station_id"`
	Name      string `json:"name" validate:"max=100"`
	FuelKind  string `json:"fuel_kind" validate:"required,oneof=PETROL DIESEL CNG ELECTRIC"`
	UnitPrice Number `json:"unit_price" validate:"required"`
}

type SetPriceRequest struct {
	UnitPrice Number `json:"unit_price" validate:"required"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	StationID  string `json:"station_id"`
}

type PolicyRequest struct {
	Tolerance         Number `json:"tolerance" validate:"required"`
	ReadingCeiling    Number `json:"reading_ceiling" validate:"required"`
	CashCeiling       Number `json:"cash_ceiling" validate:"required"`
	MinUsageReasonLen int    `json:"min_usage_reason_len" validate:"required,min=1"`
}

func (r PolicyRequest) policy() (shift.Policy, error) {
	var p shift.Policy
	fields := []struct {
		name string
		raw  Number
		dst  *decimal.Decimal
	}{
		{"tolerance", r.Tolerance, &p.Tolerance},
		{"reading_ceiling", r.ReadingCeiling, &p.ReadingCeiling},
		{"cash_ceiling", r.CashCeiling, &p.CashCeiling},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(string(f.raw))
		if err != nil {
			return shift.Policy{}, &shift.ValidationError{Field: f.name, Code: shift.CodeNotNumeric, Message: "must be a number"}
		}
		*f.dst = d
	}
	p.MinUsageReasonLen = r.MinUsageReasonLen
	return p, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorResponse struct {
	Error string     `json:"error"`
	Field string     `json:"field,omitempty"`
	Code  shift.Code `json:"code,omitempty"`
}

type DiscrepancyDTO struct {
	Amount           string  `json:"amount"`
	Category         string  `json:"category"`
	Resolved         bool    `json:"resolved"`
	ResolutionReason string  `json:"resolution_reason,omitempty"`
	ResolverID       string  `json:"resolver_id,omitempty"`
	ResolvedAt       *string `json:"resolved_at,omitempty"`
}

type ShiftDTO struct {
	ID          string `json:"id"`
	DispenserID string `json:"dispenser_id"`
	StationID   string `json:"station_id"`
	OperatorID  string `json:"operator_id"`
	Slot        string `json:"slot"`
	Status      string `json:"status"`

	StartTime string  `json:"start_time"`
	EndTime   *string `json:"end_time,omitempty"`

	OpeningReading string  `json:"opening_reading"`
	ClosingReading *string `json:"closing_reading,omitempty"`
	UnitPrice      string  `json:"unit_price"`
	FuelSold       string  `json:"fuel_sold"`
	ExpectedCash   string  `json:"expected_cash"`

	ActualCash      string            `json:"actual_cash"`
	DigitalPayments map[string]string `json:"digital_payments,omitempty"`
	TotalReceived   string            `json:"total_received"`
	CashUsed        string            `json:"cash_used"`
	CashUsageReason string            `json:"cash_usage_reason,omitempty"`

	Discrepancy *DiscrepancyDTO `json:"discrepancy,omitempty"`
	Version     int             `json:"version"`
}

type DispenserDTO struct {
	ID        string `json:"id"`
	StationID string `json:"station_id"`
	Name      string `json:"name"`
	FuelKind  string `json:"fuel_kind"`
	UnitPrice string `json:"unit_price"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type AuditEntryDTO struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Timestamp  string          `json:"timestamp"`
}

type SummaryDTO struct {
	Shifts          int     `json:"shifts"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Flagged         int     `json:"flagged"`
	FuelSold        string  `json:"fuel_sold"`
	ExpectedCash    string  `json:"expected_cash"`
	TotalReceived   string  `json:"total_received"`
	CashUsed        string  `json:"cash_used"`
	NetDiscrepancy  string  `json:"net_discrepancy"`
	UnresolvedCount int     `json:"unresolved_count"`
	From            *string `json:"from,omitempty"`
	To              *string `json:"to,omitempty"`
}

type PolicyDTO struct {
	StationID         string `json:"station_id"`
	Tolerance         string `json:"tolerance"`
	ReadingCeiling    string `json:"reading_ceiling"`
	CashCeiling       string `json:"cash_ceiling"`
	MinUsageReasonLen int    `json:"min_usage_reason_len"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResultDTO struct {
	ScenarioID string       `json:"scenario_id"`
	StationID  string       `json:"station_id"`
	Dispenser  DispenserDTO `json:"dispenser"`
	Shifts     []ShiftDTO   `json:"shifts"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toShiftDTO(s shift.Shift) ShiftDTO {
	dto := ShiftDTO{
		ID:              string(s.ID),
		DispenserID:     string(s.DispenserID),
		StationID:       string(s.StationID),
		OperatorID:      s.OperatorID,
		Slot:            string(s.Slot),
		Status:          string(s.Status),
		StartTime:       formatTime(s.StartTime),
		EndTime:         timePtr(s.EndTime),
		OpeningReading:  s.OpeningReading.String(),
		UnitPrice:       s.UnitPrice.String(),
		FuelSold:        s.FuelSold.String(),
		ExpectedCash:    s.ExpectedCash.String(),
		ActualCash:      s.ActualCash.String(),
		TotalReceived:   s.TotalReceived().String(),
		CashUsed:        s.CashUsed.String(),
		CashUsageReason: s.CashUsageReason,
		Version:         s.Version,
	}
	if s.ClosingReading != nil {
		r := s.ClosingReading.String()
		dto.ClosingReading = &r
	}
	if len(s.DigitalPayments) > 0 {
		dto.DigitalPayments = make(map[string]string, len(s.DigitalPayments))
		for name, amount := range s.DigitalPayments {
			dto.DigitalPayments[name] = amount.String()
		}
	}
	if d := s.Discrepancy; d != nil {
		dto.Discrepancy = &DiscrepancyDTO{
			Amount:           d.Amount.String(),
			Category:         string(d.Category),
			Resolved:         d.Resolved,
			ResolutionReason: d.ResolutionReason,
			ResolverID:       d.ResolverID,
			ResolvedAt:       timePtr(d.ResolvedAt),
		}
	}
	return dto
}

func toShiftDTOs(shifts []shift.Shift) []ShiftDTO {
	dtos := make([]ShiftDTO, len(shifts))
	for i, s := range shifts {
		dtos[i] = toShiftDTO(s)
	}
	return dtos
}

func toDispenserDTO(d shift.Dispenser) DispenserDTO {
	return DispenserDTO{
		ID:        string(d.ID),
		StationID: string(d.StationID),
		Name:      d.Name,
		FuelKind:  string(d.FuelKind),
		UnitPrice: d.UnitPrice.String(),
		Active:    d.Active,
		CreatedAt: formatTime(d.CreatedAt),
		UpdatedAt: formatTime(d.UpdatedAt),
	}
}

func toAuditDTOs(entries []shift.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		before := e.Before
		if len(before) == 0 {
			before = json.RawMessage("null")
		}
		dtos[i] = AuditEntryDTO{
			ID:         e.ID,
			ActorID:    e.ActorID,
			Action:     string(e.Action),
			EntityType: string(e.EntityType),
			EntityID:   e.EntityID,
			Before:     before,
			After:      e.After,
			Timestamp:  formatTime(e.Timestamp),
		}
	}
	return dtos
}

func toSummaryDTO(s shift.Summary) SummaryDTO {
	return SummaryDTO{
		Shifts:          s.Shifts,
		Active:          s.Active,
		Completed:       s.Completed,
		Flagged:         s.Flagged,
		FuelSold:        s.FuelSold.String(),
		ExpectedCash:    s.ExpectedCash.String(),
		TotalReceived:   s.TotalReceived.String(),
		CashUsed:        s.CashUsed.String(),
		NetDiscrepancy:  s.NetDiscrepancy.String(),
		UnresolvedCount: s.UnresolvedCount,
		From:            timePtr(s.From),
		To:              timePtr(s.To),
	}
}

func toPolicyDTO(station shift.StationID, p shift.Policy) PolicyDTO {
	return PolicyDTO{
		StationID:         string(station),
		Tolerance:         p.Tolerance.String(),
		ReadingCeiling:    p.ReadingCeiling.String(),
		CashCeiling:       p.CashCeiling.String(),
		MinUsageReasonLen: p.MinUsageReasonLen,
	}
}
