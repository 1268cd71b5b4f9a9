package shift

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// RESOLUTION - FLAGGED -> COMPLETED
// =============================================================================

type ResolveInput struct {
	ShiftID      ShiftID
	ResolverID   string
	ResolverRole Role
	Reason       string
}

// ResolveDiscrepancy clears a flagged shift. It is the only way out of
// FLAGGED; it never reopens a shift and never touches the financial fields.
func (m *Machine) ResolveDiscrepancy(ctx context.Context, in ResolveInput) (*Shift, error) {
	if !in.ResolverRole.CanResolve() {
		return nil, &AuthorizationError{ActorID: in.ResolverID, Role: in.ResolverRole, Action: "resolve discrepancies"}
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, invalid("reason", CodeMissingReason, "a resolution reason is required")
	}

	cur, err := m.getShift(ctx, in.ShiftID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusFlagged || cur.Discrepancy == nil {
		return nil, &StateConflictError{Code: CodeNotFlagged, ShiftID: cur.ID, DispenserID: cur.DispenserID, Status: cur.Status}
	}

	at := m.Now().UTC()
	next := cur.Clone()
	next.Discrepancy.Resolved = true
	next.Discrepancy.ResolutionReason = reason
	next.Discrepancy.ResolverID = in.ResolverID
	next.Discrepancy.ResolvedAt = &at
	next.Status = StatusCompleted
	next.Version = cur.Version + 1

	if err := m.Store.UpdateShift(ctx, cur.ID, StatusFlagged, next); err != nil {
		return nil, m.updateErr(ctx, err, cur.ID, CodeNotFlagged, "resolve discrepancy")
	}

	m.Audit.Record(ctx, in.ResolverID, AuditResolve, EntityShift, string(cur.ID), snapshotShift(*cur), snapshotShift(next))
	m.Logger.WithFields(logrus.Fields{
		"shift_id":    next.ID,
		"resolver_id": in.ResolverID,
		"amount":      next.Discrepancy.Amount.String(),
		"category":    next.Discrepancy.Category,
	}).Info("discrepancy resolved")

	return &next, nil
}
