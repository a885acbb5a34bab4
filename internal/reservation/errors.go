package reservation

import (
	"errors"
	"fmt"
)

// Expected business outcomes. These are returned, never panicked, and callers
// branch on them with errors.Is / errors.As.
var (
	// ErrValidation covers malformed input: non-positive quantities, missing
	// identifiers, inactive products.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the product or reservation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the requested transition is not permitted from the
	// reservation's current status (distinct from the idempotent no-op cases,
	// which succeed).
	ErrInvalidState = errors.New("invalid reservation state")

	// ErrConflict means the optimistic-concurrency retries were exhausted.
	// The call made no partial update and may be retried by the caller.
	ErrConflict = errors.New("concurrent modification conflict")
)

// InsufficientStockError is returned when a reservation asks for more than
// the available quantity. It carries the quantity that was available at the
// time of the check so callers can report it.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// ErrorKind maps an error to the stable kind string exposed on the wire.
// Unexpected errors map to INTERNAL.
func ErrorKind(err error) string {
	var insufficient *InsufficientStockError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &insufficient):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}
