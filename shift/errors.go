/*
errors.go - Centralized error types for the shift engine

PURPOSE:
  All error kinds in one place. Callers branch on kind with errors.Is and
  pull details (field, code, state) with errors.As.

ERROR KINDS:
  1. Validation     - Malformed or out-of-policy input, nothing was written
  2. State conflict - Entity is not in the state the operation needs
  3. Authorization  - Actor role is insufficient
  4. Persistence    - Store failed to commit
  5. Audit write    - Degraded mode: the transition committed but its audit
                      entry did not. Logged and alerted, never returned.

RETRIES:
  The engine never retries. A blind retry of CloseShift could double-process
  if the first commit actually succeeded, so the caller decides.

USAGE:
  _, err := machine.CloseShift(ctx, in)
  var ve *shift.ValidationError
  if errors.As(err, &ve) {
      // ve.Field, ve.Code
  }
*/
package shift

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("state conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrPersistence   = errors.New("persistence failure")

	ErrShiftNotFound     = errors.New("shift not found")
	ErrDispenserNotFound = errors.New("dispenser not found")

	// ErrActiveShiftExists is returned by Store.InsertShift when the dispenser
	// already has an ACTIVE shift. The machine turns it into a StateConflictError.
	ErrActiveShiftExists = errors.New("dispenser already has an active shift")

	// ErrStatusMismatch is returned by Store.UpdateShift when the row is no
	// longer in the expected status/version.
	ErrStatusMismatch = errors.New("shift status changed concurrently")

	// ErrDispenserInactive is returned by Store.InsertShift when the dispenser
	// has been deactivated.
	ErrDispenserInactive = errors.New("dispenser is deactivated")

	// ErrDispenserChanged is returned by Store.UpdateDispenser when the row was
	// updated after the caller read it.
	ErrDispenserChanged = errors.New("dispenser changed concurrently")
)

// =============================================================================
// CODES
// =============================================================================

type Code string

const (
	// Validation codes
	CodeNotNumeric         Code = "NotNumeric"
	CodeNegative           Code = "Negative"
	CodeOutOfRange         Code = "OutOfRange"
	CodeNotMonotonic       Code = "NotMonotonic"
	CodeTooHigh            Code = "TooHigh"
	CodeZeroNotAllowed     Code = "ZeroNotAllowed"
	CodeTooManyDecimals    Code = "TooManyDecimals"
	CodeMissingUsageReason Code = "MissingUsageReason"
	CodeMissingReason      Code = "MissingReason"
	CodeInvalidSlot        Code = "InvalidSlot"
	CodeRequired           Code = "Required"
	CodeInvalidValue       Code = "InvalidValue"

	// State conflict codes
	CodeDuplicateActiveShift Code = "DuplicateActiveShift"
	CodeNotActive            Code = "NotActive"
	CodeNotFlagged           Code = "NotFlagged"
	CodeDispenserInactive    Code = "DispenserInactive"
	CodeHasActiveShift       Code = "HasActiveShift"
	CodeConcurrentUpdate     Code = "ConcurrentUpdate"

	// Authorization codes
	CodeForbidden Code = "Forbidden"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field and why it was rejected.
type ValidationError struct {
	Field   string
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field string, code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StateConflictError reports that the entity is not in the required state.
// Callers must re-fetch before retrying.
type StateConflictError struct {
	Code        Code
	ShiftID     ShiftID
	DispenserID DispenserID
	Status      Status
}

func (e *StateConflictError) Error() string {
	switch e.Code {
	case CodeDuplicateActiveShift:
		if e.ShiftID != "" {
			return fmt.Sprintf("dispenser %s already has active shift %s", e.DispenserID, e.ShiftID)
		}
		return fmt.Sprintf("dispenser %s already has an active shift", e.DispenserID)
	case CodeNotActive:
		return fmt.Sprintf("shift %s is %s, not ACTIVE", e.ShiftID, e.Status)
	case CodeNotFlagged:
		return fmt.Sprintf("shift %s is %s, not FLAGGED", e.ShiftID, e.Status)
	case CodeDispenserInactive:
		return fmt.Sprintf("dispenser %s is deactivated", e.DispenserID)
	case CodeHasActiveShift:
		if e.ShiftID == "" {
			return fmt.Sprintf("dispenser %s has an active shift; close it first", e.DispenserID)
		}
		return fmt.Sprintf("dispenser %s has active shift %s; close it first", e.DispenserID, e.ShiftID)
	case CodeConcurrentUpdate:
		return fmt.Sprintf("dispenser %s was changed by another request; re-read and retry", e.DispenserID)
	}
	return fmt.Sprintf("state conflict: %s", e.Code)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// AuthorizationError reports an actor whose role may not perform Action.
type AuthorizationError struct {
	ActorID string
	Role    Role
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q may not %s", e.Role, e.Action)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrForbidden
}

// PersistenceError wraps a store failure. It matches both ErrPersistence and
// the underlying error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// AuditWriteError is the degraded-mode condition where a committed transition
// could not be audited. It is logged and alerted, not returned.
type AuditWriteError struct {
	EntityType EntityType
	EntityID   string
	Action     AuditAction
	Err        error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed for %s %s (%s): %v", e.EntityType, e.EntityID, e.Action, e.Err)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the request and resubmit.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrShiftNotFound) ||
		errors.Is(err, ErrDispenserNotFound)
}

// IsRetryable returns true only for persistence failures. Whether retrying is
// safe for a non-idempotent operation is still the caller's call.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
