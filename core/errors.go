/*
errors.go - Centralized error taxonomy for the installment engine

PURPOSE:
  All error categories in one place so every layer classifies failures the
  same way. Engine packages return these; the HTTP layer maps them to status
  codes; callers use the Is* helpers to decide whether to retry.

CATEGORIES:
  Validation  - bad input shape/range, caller's fault, never retried
  Conflict    - duplicate active sale, duplicate period, lost race; retry
                with FRESH state, never blindly resend
  NotFound    - unknown phone/sale/settlement/command
  State       - illegal state-machine transition (e.g. acknowledging an
                executed command)
  External    - gateway unreachable/timeout; retried with backoff, never
                silently treated as success

PROPAGATION RULE:
  A financial-invariant violation is never caught and swallowed: the
  enclosing transaction aborts and the typed error surfaces. The one
  exception is audit recording, which is best-effort by contract (see
  audit.go).
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Category sentinels. Specific errors below unwrap to one of these.
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrState      = errors.New("illegal state transition")
	ErrExternal   = errors.New("external dependency failed")

	// ErrDuplicateActiveSale is returned when a phone already has an active
	// sale. Enforced by the storage layer, so concurrent creators lose the
	// race cleanly instead of double-selling a device.
	ErrDuplicateActiveSale = errors.New("phone already has an active sale")

	// ErrBlacklisted is returned when a sale-bound operation touches a
	// blacklisted IMEI. Read-only registry lookups remain allowed.
	ErrBlacklisted = errors.New("imei is blacklisted")

	// ErrDuplicatePeriod is returned when a settlement already exists for
	// (agent, period).
	ErrDuplicatePeriod = errors.New("settlement already exists for period")

	// ErrDuplicateReference is returned by stores when a payment reference
	// was already recorded. Engines treat it as an idempotent replay and
	// return the previously produced result.
	ErrDuplicateReference = errors.New("payment reference already processed")

	// ErrInvalidTransition is returned when a device command is pushed
	// backward or skipped illegally.
	ErrInvalidTransition = errors.New("invalid command transition")

	// ErrCommandExpired is returned when acting on a logically expired
	// command.
	ErrCommandExpired = errors.New("command expired")

	// ErrCustomerInUse is returned when deleting a customer that sales
	// still reference. Deletion is restricted, never cascaded.
	ErrCustomerInUse = errors.New("customer referenced by sales")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context, unwrap to a category
// =============================================================================

// ValidationError reports a bad input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string // "phone", "sale", "settlement", "command", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateError reports an illegal transition with where it stood.
type StateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: cannot move %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateError) Unwrap() error { return ErrState }

// ExternalError wraps a gateway/dependency failure so callers can back off.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external dependency %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return ErrExternal }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateActiveSale) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrBlacklisted) ||
		errors.Is(err, ErrCustomerInUse)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsState(err error) bool {
	return errors.Is(err, ErrState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCommandExpired)
}

// IsRetryable reports whether the same call might succeed on retry.
// Conflicts need fresh state first; only external failures retry as-is.
func IsRetryable(err error) bool { return errors.Is(err, ErrExternal) }
