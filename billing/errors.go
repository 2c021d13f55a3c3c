/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every operation classifies its failures into one of four categories
  so callers (and the HTTP layer) can react uniformly.

ERROR CATEGORIES:
  1. NotFound - A referenced entity does not exist
  2. InvalidState - The entity exists but its lifecycle forbids the operation
  3. Validation - The input violates a business rule
  4. Duplicate - An idempotent operation already happened (skip, not failure)

USAGE:
  Callers test categories with the predicates:

    if billing.IsNotFound(err) { ... 404 ... }
    if billing.IsInvalidState(err) { ... 409 ... }

SEE ALSO:
  - cycle.go, reading.go, ledger.go, anomaly.go: Produce these errors
  - api/handlers.go: Maps categories to HTTP status codes
  - store/sqlite: Translates constraint violations into these sentinels
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an entity's current lifecycle state
	// forbids the requested operation (e.g. approving a rejected reading,
	// transitioning ARCHIVED, submitting before a baseline exists).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrValidation is returned when input violates a business rule
	// (inactive assignment, malformed dates, negative amounts).
	ErrValidation = errors.New("validation failure")

	// ErrDuplicate is returned when an operation that must be idempotent
	// finds its effect already applied. Callers treat this as a skip.
	ErrDuplicate = errors.New("duplicate submission")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError reports an illegal cycle status transition.
type TransitionError struct {
	CycleID int64
	From    CycleStatus
	To      CycleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cycle %d: illegal transition %s -> %s", e.CycleID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}

// OverlapError reports that a new cycle's date range intersects an
// existing cycle. Boundaries are inclusive.
type OverlapError struct {
	ExistingID int64
	Start      Date
	End        Date
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cycle dates overlap existing cycle %d (%s to %s)",
		e.ExistingID, e.Start, e.End)
}

func (e *OverlapError) Unwrap() error {
	return ErrValidation
}

// MissingBaselineError reports a NORMAL submission for an assignment
// that has no baseline reading yet.
type MissingBaselineError struct {
	MeterAssignmentID int64
}

func (e *MissingBaselineError) Error() string {
	return fmt.Sprintf("assignment %d has no baseline reading", e.MeterAssignmentID)
}

func (e *MissingBaselineError) Unwrap() error {
	return ErrInvalidState
}

// DuplicateReadingError reports a second live reading for the same
// assignment and cycle.
type DuplicateReadingError struct {
	MeterAssignmentID int64
	CycleID           int64
	ExistingReadingID int64
}

func (e *DuplicateReadingError) Error() string {
	return fmt.Sprintf("assignment %d already has reading %d in cycle %d",
		e.MeterAssignmentID, e.ExistingReadingID, e.CycleID)
}

func (e *DuplicateReadingError) Unwrap() error {
	return ErrDuplicate
}

// NotFoundError identifies which entity was missing.
type NotFoundError struct {
	Kind string // "cycle", "reading", "ledger entry", ...
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState returns true if the error indicates a lifecycle violation.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDuplicate returns true if the operation's effect was already applied.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
