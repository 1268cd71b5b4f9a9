/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate a station with realistic
  shifts for demos. Each scenario goes through the engine like any client
  would, so the resulting shifts, discrepancies and audit entries are real.

AVAILABLE SCENARIOS:
  clean-shift:       One shift closed with exact cash
  shortage:          One shift closed 500 short, left FLAGGED
  resolved-shortage: Same shortage, resolved by a manager
  digital-mix:       Cash, card and wallet payments plus cash used
  open-shift:        One shift still ACTIVE

HOW SCENARIOS WORK:
  1. Create a fresh dispenser in the target station (default "demo")
  2. Open, close and resolve shifts through shift.Machine
  3. Return the resulting shifts

  Loading never deletes anything: each load adds a new dispenser, so a
  scenario can be loaded repeatedly into the same station.

USAGE VIA API (ADMIN only):
  GET  /api/scenarios
  POST /api/scenarios/load
  {"scenario_id": "shortage", "station_id": "demo"}

ADDING NEW SCENARIOS:
  Add an entry to 'scenarios' with its steps.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/fuel-shift-engine/shift"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	demoStation  = "demo"
	demoOperator = "demo-operator"
	demoManager  = "demo-manager"
)

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error)
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "clean-shift", Name: "Clean Shift", Description: "Cash matches expected exactly"},
		load: func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error) {
			s, err := demoShift(ctx, m, d, shift.SlotMorning, "1000", shift.CloseShiftInput{ClosingReading: "1150", ActualCash: "15000"})
			return collect(err, s)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "shortage", Name: "Shortage", Description: "Closed 500 short and flagged for review"},
		load: func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error) {
			s, err := demoShift(ctx, m, d, shift.SlotEvening, "1000", shift.CloseShiftInput{ClosingReading: "1150", ActualCash: "14500"})
			return collect(err, s)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "resolved-shortage", Name: "Resolved Shortage", Description: "A flagged shortage resolved by a manager"},
		load: func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error) {
			s, err := demoShift(ctx, m, d, shift.SlotNight, "1000", shift.CloseShiftInput{ClosingReading: "1150", ActualCash: "14500"})
			if err != nil {
				return nil, err
			}
			resolved, err := m.ResolveDiscrepancy(ctx, shift.ResolveInput{
				ShiftID:      s.ID,
				ResolverID:   demoManager,
				ResolverRole: shift.RoleManager,
				Reason:       "Counted safe drop made mid-shift",
			})
			return collect(err, resolved)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "digital-mix", Name: "Digital Mix", Description: "Cash, card and wallet with cash spent on supplies"},
		load: func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error) {
			s, err := demoShift(ctx, m, d, shift.SlotMorning, "2000", shift.CloseShiftInput{
				ClosingReading:  "2100",
				ActualCash:      "4000",
				DigitalPayments: map[string]string{"card": "4500", "wallet": "1450"},
				CashUsed:        "50",
				CashUsageReason: "Bought engine oil for the generator",
			})
			return collect(err, s)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "open-shift", Name: "Open Shift", Description: "A shift still in progress"},
		load: func(ctx context.Context, m *shift.Machine, d *shift.Dispenser) ([]shift.Shift, error) {
			s, err := m.OpenShift(ctx, shift.OpenShiftInput{
				DispenserID: d.ID, OperatorID: demoOperator, Slot: shift.SlotMorning, OpeningReading: "500",
			})
			return collect(err, s)
		},
	},
}

func demoShift(ctx context.Context, m *shift.Machine, d *shift.Dispenser, slot shift.Slot, opening string, in shift.CloseShiftInput) (*shift.Shift, error) {
	s, err := m.OpenShift(ctx, shift.OpenShiftInput{
		DispenserID: d.ID, OperatorID: demoOperator, Slot: slot, OpeningReading: opening,
	})
	if err != nil {
		return nil, err
	}
	in.ShiftID = s.ID
	in.ActorID = demoOperator
	return m.CloseShift(ctx, in)
}

func collect(err error, shifts ...*shift.Shift) ([]shift.Shift, error) {
	if err != nil {
		return nil, err
	}
	out := make([]shift.Shift, len(shifts))
	for i, s := range shifts {
		out[i] = *s
	}
	return out, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario runs a predefined scenario against a station.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if actor.Role != shift.RoleAdmin {
		h.fail(w, r, "LoadScenario", &shift.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "load demo scenarios"})
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.StationID == "" {
		req.StationID = demoStation
	}

	var chosen *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			chosen = &scenarios[i]
		}
	}
	if chosen == nil {
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: fmt.Sprintf("unknown scenario %q", req.ScenarioID), Field: "scenario_id", Code: shift.CodeInvalidValue,
		})
		return
	}

	ctx := r.Context()
	d, err := h.Machine.CreateDispenser(ctx, actor, shift.CreateDispenserInput{
		StationID: shift.StationID(req.StationID),
		Name:      chosen.Name + " pump",
		FuelKind:  shift.FuelPetrol,
		UnitPrice: "100",
	})
	if err != nil {
		h.fail(w, r, "LoadScenario", err)
		return
	}
	shifts, err := chosen.load(ctx, h.Machine, d)
	if err != nil {
		h.fail(w, r, "LoadScenario", err)
		return
	}

	writeJSON(w, http.StatusOK, ScenarioResultDTO{
		ScenarioID: chosen.ID,
		StationID:  req.StationID,
		Dispenser:  toDispenserDTO(*d),
		Shifts:     toShiftDTOs(shifts),
	})
}
