/*
errors.go - Centralized error types for the consistency engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels; the structured errors
  carry the details a user-facing message needs.

ERROR CATEGORIES:
  1. Validation  - malformed input, caught before any store interaction
  2. NotFound    - a referenced farmer/item/order/transaction is missing
  3. Stock       - requested quantity exceeds current inventory
  4. State       - an order or farmer is not in a state allowing the call
  5. Concurrency - optimistic commit conflicts (retried by the engine)

None of the business errors are retried: they are deterministic for the
same input. Only ErrConcurrentModification is.

SEE ALSO:
  - unit.go: raises ErrReadAfterWrite
  - engine.go: retry loop around ErrConcurrentModification
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientStock is returned when a sale or order would drive an
	// inventory quantity below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidState is returned for disallowed lifecycle transitions.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrentModification is returned by a store when a document read
	// inside the unit changed before the unit committed.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRetriesExhausted wraps the last conflict once the engine gives up.
	ErrRetriesExhausted = errors.New("commit retries exhausted")

	// ErrReadAfterWrite is returned when a unit issues a read after its first
	// write. It indicates a programming error in the caller.
	ErrReadAfterWrite = errors.New("read issued after first write in atomic unit")

	// ErrDuplicate is returned when inserting a document whose ID exists.
	ErrDuplicate = errors.New("duplicate document")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError names the missing document.
type NotFoundError struct {
	Kind string // "farmer", "inventory item", "order", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InsufficientStockError reports the currently available quantity so the
// caller can correct and resubmit.
type InsufficientStockError struct {
	ItemID    ItemID
	ItemName  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	name := e.ItemName
	if name == "" {
		name = string(e.ItemID)
	}
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s",
		name, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// InvalidStateError describes a rejected transition.
type InvalidStateError struct {
	Kind   string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("invalid state: %s %s is %s", e.Kind, e.ID, e.From)
	if e.To != "" {
		msg += fmt.Sprintf(", cannot move to %s", e.To)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRetriesExhausted)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
