/*
handlers.go - HTTP API handlers for the shift engine

PURPOSE:
  Exposes the shift engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to shift.Machine.

ENDPOINTS:
  Shifts:
    POST   /api/shifts                Open a shift
    GET    /api/shifts                List shifts (station scoped)
    GET    /api/shifts/summary        Rollup over the same filter
    GET    /api/shifts/{id}           Get one shift
    POST   /api/shifts/{id}/close     Close with readings and cash
    POST   /api/shifts/{id}/resolve   Resolve a flagged discrepancy
    GET    /api/shifts/{id}/audit     Audit trail

  Dispensers:
    POST   /api/dispensers                  Create
    GET    /api/dispensers/{id}             Get
    PUT    /api/dispensers/{id}/price       Change unit price
    POST   /api/dispensers/{id}/deactivate  Deactivate

  Stations:
    GET    /api/stations/{id}/policy  Effective policy
    PUT    /api/stations/{id}/policy  Override policy

REQUEST FLOW:
  1. Authenticate (auth.go) puts the Actor in the context
  2. Decode and validate the body (validator/v10)
  3. Station-scoped read where the engine operation takes no Actor
  4. Call the engine
  5. Serialize response, or map the error kind to a status

ERROR HANDLING:
  - 400: Malformed JSON body
  - 401: Missing or invalid token
  - 403: Role may not perform the operation
  - 404: Shift or dispenser not found (or in another station)
  - 409: State conflict
  - 422: Validation, body carries field and code
  - 503: Persistence failure
  - 500: Anything else
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/config"
	"github.com/warp/fuel-shift-engine/shift"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Machine *shift.Machine
	Health  Pinger
	Logger  *logrus.Logger

	validate *validator.Validate
}

func NewHandler(machine *shift.Machine, health Pinger, logger *logrus.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Machine: machine, Health: health, Logger: logger, validate: v}
}

// =============================================================================
// SHIFT HANDLERS
// =============================================================================

// OpenShift starts a shift on a dispenser of the caller's station.
func (h *Handler) OpenShift(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req OpenShiftRequest
	if !h.decode(w, r, &req) {
		return
	}

	operatorID := req.OperatorID
	if operatorID == "" {
		operatorID = actor.ID
	}
	if actor.Role == shift.RoleOperator && operatorID != actor.ID {
		h.fail(w, r, "OpenShift", &shift.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "open shifts for another operator"})
		return
	}
	if _, err := h.Machine.GetDispenser(r.Context(), actor, shift.DispenserID(req.DispenserID)); err != nil {
		h.fail(w, r, "OpenShift", err)
		return
	}

	s, err := h.Machine.OpenShift(r.Context(), shift.OpenShiftInput{
		DispenserID:    shift.DispenserID(req.DispenserID),
		OperatorID:     operatorID,
		Slot:           shift.Slot(req.Slot),
		OpeningReading: string(req.OpeningReading),
	})
	if err != nil {
		h.fail(w, r, "OpenShift", err)
		return
	}
	writeJSON(w, http.StatusCreated, toShiftDTO(*s))
}

// CloseShift records the closing reading and cash. Operators may only close
// their own shifts.
func (h *Handler) CloseShift(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req CloseShiftRequest
	if !h.decode(w, r, &req) {
		return
	}

	cur, err := h.Machine.GetShift(r.Context(), actor, shiftID(r))
	if err != nil {
		h.fail(w, r, "CloseShift", err)
		return
	}
	if actor.Role == shift.RoleOperator && cur.OperatorID != actor.ID {
		h.fail(w, r, "CloseShift", &shift.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "close another operator's shift"})
		return
	}

	s, err := h.Machine.CloseShift(r.Context(), shift.CloseShiftInput{
		ShiftID:         cur.ID,
		ActorID:         actor.ID,
		ClosingReading:  string(req.ClosingReading),
		ActualCash:      string(req.ActualCash),
		DigitalPayments: req.digital(),
		CashUsed:        string(req.CashUsed),
		CashUsageReason: req.CashUsageReason,
	})
	if err != nil {
		h.fail(w, r, "CloseShift", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(*s))
}

// ResolveDiscrepancy clears a flagged shift of the caller's station.
func (h *Handler) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	cur, err := h.Machine.GetShift(r.Context(), actor, shiftID(r))
	if err != nil {
		h.fail(w, r, "ResolveDiscrepancy", err)
		return
	}
	s, err := h.Machine.ResolveDiscrepancy(r.Context(), shift.ResolveInput{
		ShiftID:      cur.ID,
		ResolverID:   actor.ID,
		ResolverRole: actor.Role,
		Reason:       req.Reason,
	})
	if err != nil {
		h.fail(w, r, "ResolveDiscrepancy", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(*s))
}

func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	s, err := h.Machine.GetShift(r.Context(), actorOf(r), shiftID(r))
	if err != nil {
		h.fail(w, r, "GetShift", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(*s))
}

func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, "ListShifts", err)
		return
	}
	shifts, err := h.Machine.ListShifts(r.Context(), actorOf(r), filter)
	if err != nil {
		h.fail(w, r, "ListShifts", err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTOs(shifts))
}

// ShiftSummary rolls up every shift matching the list filter, ignoring limit.
func (h *Handler) ShiftSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, "ShiftSummary", err)
		return
	}
	sum, err := h.Machine.Summarize(r.Context(), actorOf(r), filter)
	if err != nil {
		h.fail(w, r, "ShiftSummary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

func (h *Handler) ShiftAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Machine.AuditTrail(r.Context(), actorOf(r), shiftID(r))
	if err != nil {
		h.fail(w, r, "ShiftAudit", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// DISPENSER HANDLERS
// =============================================================================

func (h *Handler) CreateDispenser(w http.ResponseWriter, r *http.Request) {
	var req CreateDispenserRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Machine.CreateDispenser(r.Context(), actorOf(r), shift.CreateDispenserInput{
		ID:        shift.DispenserID(req.ID),
		StationID: shift.StationID(req.StationID),
		Name:      req.Name,
		FuelKind:  shift.FuelKind(req.FuelKind),
		UnitPrice: string(req.UnitPrice),
	})
	if err != nil {
		h.fail(w, r, "CreateDispenser", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDispenserDTO(*d))
}

func (h *Handler) GetDispenser(w http.ResponseWriter, r *http.Request) {
	d, err := h.Machine.GetDispenser(r.Context(), actorOf(r), dispenserID(r))
	if err != nil {
		h.fail(w, r, "GetDispenser", err)
		return
	}
	writeJSON(w, http.StatusOK, toDispenserDTO(*d))
}

// SetDispenserPrice changes the price for shifts opened from now on.
func (h *Handler) SetDispenserPrice(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var req SetPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.Machine.SetDispenserPrice(r.Context(), actor, dispenserID(r), string(req.UnitPrice))
	if err != nil {
		h.fail(w, r, "SetDispenserPrice", err)
		return
	}
	writeJSON(w, http.StatusOK, toDispenserDTO(*d))
}

func (h *Handler) DeactivateDispenser(w http.ResponseWriter, r *http.Request) {
	d, err := h.Machine.DeactivateDispenser(r.Context(), actorOf(r), dispenserID(r))
	if err != nil {
		h.fail(w, r, "DeactivateDispenser", err)
		return
	}
	writeJSON(w, http.StatusOK, toDispenserDTO(*d))
}

// =============================================================================
// STATION HANDLERS
// =============================================================================

func (h *Handler) GetStationPolicy(w http.ResponseWriter, r *http.Request) {
	station := shift.StationID(chi.URLParam(r, "id"))
	p, err := h.Machine.StationPolicy(r.Context(), actorOf(r), station)
	if err != nil {
		h.fail(w, r, "GetStationPolicy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(station, p))
}

func (h *Handler) SetStationPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := req.policy()
	if err != nil {
		h.fail(w, r, "SetStationPolicy", err)
		return
	}
	station := shift.StationID(chi.URLParam(r, "id"))
	if err := h.Machine.SetStationPolicy(r.Context(), actorOf(r), station, p); err != nil {
		h.fail(w, r, "SetStationPolicy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(station, p))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.Health != nil {
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func actorOf(r *http.Request) shift.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

func shiftID(r *http.Request) shift.ShiftID {
	return shift.ShiftID(chi.URLParam(r, "id"))
}

func dispenserID(r *http.Request) shift.DispenserID {
	return shift.DispenserID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. It writes the error response and
// returns false when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			writeError(w, http.StatusUnprocessableEntity, fieldError(fields[0]))
			return false
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func fieldError(fe validator.FieldError) ErrorResponse {
	resp := ErrorResponse{Field: fe.Field()}
	switch fe.Tag() {
	case "required":
		resp.Code = shift.CodeRequired
		resp.Error = fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		resp.Code = shift.CodeInvalidValue
		if fe.Field() == "slot" {
			resp.Code = shift.CodeInvalidSlot
		}
		resp.Error = fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
	default:
		resp.Code = shift.CodeInvalidValue
		resp.Error = fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return resp
}

func parseFilter(r *http.Request) (shift.ShiftFilter, error) {
	q := r.URL.Query()
	f := shift.ShiftFilter{
		DispenserID: shift.DispenserID(q.Get("dispenser_id")),
		OperatorID:  q.Get("operator_id"),
		StationID:   shift.StationID(q.Get("station_id")),
	}
	if v := q.Get("status"); v != "" {
		st := shift.Status(strings.ToUpper(v))
		switch st {
		case shift.StatusActive, shift.StatusCompleted, shift.StatusFlagged:
			f.Status = st
		default:
			return f, &shift.ValidationError{Field: "status", Code: shift.CodeInvalidValue, Message: "must be ACTIVE, COMPLETED or FLAGGED"}
		}
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &shift.ValidationError{Field: bound.name, Code: shift.CodeInvalidValue, Message: "must be an RFC 3339 timestamp"}
		}
		*bound.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &shift.ValidationError{Field: "limit", Code: shift.CodeInvalidValue, Message: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}

// fail maps an engine error to its status and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	var (
		ve *shift.ValidationError
		ce *shift.StateConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ve.Error(), Field: ve.Field, Code: ve.Code})
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ErrorResponse{Error: ce.Error(), Code: ce.Code})
	case errors.Is(err, shift.ErrForbidden):
		writeError(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: shift.CodeForbidden})
	case shift.IsNotFound(err):
		writeError(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, shift.ErrPersistence):
		config.LogError(h.Logger, "api", funcName, r.RequestURI, nil, err)
		writeError(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		config.LogError(h.Logger, "api", funcName, r.RequestURI, nil, err)
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
