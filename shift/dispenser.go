package shift

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// DISPENSER CONFIGURATION
// =============================================================================

type CreateDispenserInput struct {
	ID        DispenserID // optional, generated when empty
	StationID StationID
	Name      string
	FuelKind  FuelKind
	UnitPrice string
}

func (m *Machine) authorizeConfig(actor Actor, station StationID, action string) error {
	if !actor.Role.CanConfigure() || !actor.canSee(station) {
		return &AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: action}
	}
	return nil
}

func (m *Machine) CreateDispenser(ctx context.Context, actor Actor, in CreateDispenserInput) (*Dispenser, error) {
	if in.StationID == "" {
		in.StationID = actor.StationID
	}
	if err := m.authorizeConfig(actor, in.StationID, "configure dispensers"); err != nil {
		return nil, err
	}
	if in.StationID == "" {
		return nil, invalid("station_id", CodeRequired, "station is required")
	}
	if !in.FuelKind.Valid() {
		return nil, invalid("fuel_kind", CodeInvalidValue, "fuel kind %q must be PETROL, DIESEL, CNG or ELECTRIC", in.FuelKind)
	}
	price, err := ValidatePrice("unit_price", in.UnitPrice)
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = DispenserID(m.NewID())
	} else if _, err := m.Store.GetDispenser(ctx, in.ID); err == nil {
		return nil, invalid("id", CodeInvalidValue, "dispenser %s already exists", in.ID)
	} else if !errors.Is(err, ErrDispenserNotFound) {
		return nil, persistence("load dispenser", err)
	}

	now := m.Now().UTC()
	d := Dispenser{
		ID:        in.ID,
		StationID: in.StationID,
		Name:      strings.TrimSpace(in.Name),
		FuelKind:  in.FuelKind,
		UnitPrice: price,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Store.SaveDispenser(ctx, d); err != nil {
		return nil, persistence("save dispenser", err)
	}
	m.Audit.Record(ctx, actor.ID, AuditCreate, EntityDispenser, string(d.ID), nil, snapshotDispenser(d))
	return &d, nil
}

// GetDispenser returns a dispenser the actor may see.
func (m *Machine) GetDispenser(ctx context.Context, actor Actor, id DispenserID) (*Dispenser, error) {
	d, err := m.Store.GetDispenser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDispenserNotFound) {
			return nil, err
		}
		return nil, persistence("load dispenser", err)
	}
	if !actor.canSee(d.StationID) {
		return nil, ErrDispenserNotFound
	}
	return d, nil
}

// SetDispenserPrice changes the unit price. Open shifts keep the price they
// captured; only shifts opened afterwards see the new one.
func (m *Machine) SetDispenserPrice(ctx context.Context, actor Actor, id DispenserID, rawPrice string) (*Dispenser, error) {
	cur, err := m.GetDispenser(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeConfig(actor, cur.StationID, "change prices"); err != nil {
		return nil, err
	}
	price, err := ValidatePrice("unit_price", rawPrice)
	if err != nil {
		return nil, err
	}

	next := *cur
	next.UnitPrice = price
	next.UpdatedAt = m.touch(cur.UpdatedAt)
	if err := m.Store.UpdateDispenser(ctx, next, cur.UpdatedAt); err != nil {
		return nil, dispenserUpdateErr(err, id)
	}
	m.Audit.Record(ctx, actor.ID, AuditUpdate, EntityDispenser, string(id), snapshotDispenser(*cur), snapshotDispenser(next))
	m.Logger.WithFields(logrus.Fields{
		"dispenser_id": id,
		"old_price":    cur.UnitPrice.String(),
		"new_price":    price.String(),
	}).Info("dispenser price changed")
	return &next, nil
}

// DeactivateDispenser retires a dispenser. Dispensers are never deleted, and
// one with an ACTIVE shift can't be retired until that shift closes.
func (m *Machine) DeactivateDispenser(ctx context.Context, actor Actor, id DispenserID) (*Dispenser, error) {
	cur, err := m.GetDispenser(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorizeConfig(actor, cur.StationID, "deactivate dispensers"); err != nil {
		return nil, err
	}
	if !cur.Active {
		return cur, nil
	}
	active, err := m.Store.FindActiveShiftByDispenser(ctx, id)
	if err != nil {
		return nil, persistence("find active shift", err)
	}
	if active != nil {
		return nil, &StateConflictError{Code: CodeHasActiveShift, DispenserID: id, ShiftID: active.ID, Status: active.Status}
	}

	next := *cur
	next.Active = false
	next.UpdatedAt = m.touch(cur.UpdatedAt)
	if err := m.Store.UpdateDispenser(ctx, next, cur.UpdatedAt); err != nil {
		return nil, dispenserUpdateErr(err, id)
	}
	m.Audit.Record(ctx, actor.ID, AuditUpdate, EntityDispenser, string(id), snapshotDispenser(*cur), snapshotDispenser(next))
	return &next, nil
}

// touch returns a new UpdatedAt strictly after prev, so every update changes
// the value UpdateDispenser compares on.
func (m *Machine) touch(prev time.Time) time.Time {
	now := m.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func dispenserUpdateErr(err error, id DispenserID) error {
	switch {
	case errors.Is(err, ErrDispenserNotFound):
		return err
	case errors.Is(err, ErrDispenserChanged):
		return &StateConflictError{Code: CodeConcurrentUpdate, DispenserID: id}
	case errors.Is(err, ErrActiveShiftExists):
		return &StateConflictError{Code: CodeHasActiveShift, DispenserID: id}
	}
	return persistence("update dispenser", err)
}

// =============================================================================
// STATION POLICY
// =============================================================================

// SetStationPolicy stores a station override and invalidates its cache entry.
func (m *Machine) SetStationPolicy(ctx context.Context, actor Actor, station StationID, p Policy) error {
	if err := m.authorizeConfig(actor, station, "change station policy"); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	before, err := m.Policies.For(ctx, station)
	if err != nil {
		return err
	}
	if err := m.Store.SaveStationPolicy(ctx, station, p); err != nil {
		return persistence("save station policy", err)
	}
	m.Policies.Invalidate(station)
	m.Audit.Record(ctx, actor.ID, AuditUpdate, EntityStationPolicy, string(station), before, p)
	return nil
}

// StationPolicy returns the effective policy of a station the actor belongs to.
func (m *Machine) StationPolicy(ctx context.Context, actor Actor, station StationID) (Policy, error) {
	if !actor.canSee(station) {
		return Policy{}, &AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: "read another station's policy"}
	}
	return m.Policies.For(ctx, station)
}
