package domain

import "errors"

// Sentinel errors for domain-level error handling. Each one names a stable
// failure kind; callers wrap them with context via fmt.Errorf("%w: ...").
// The handler layer maps these to HTTP status codes.
var (
	ErrNotFound           = errors.New("not_found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrInsufficientAmount = errors.New("insufficient_amount")
	ErrInvalidEscrowState = errors.New("invalid_escrow_state")
	ErrNoFeeTier          = errors.New("no_fee_tier")
)

// Stable kind strings reported to callers.
const (
	KindValidation         = "validation_error"
	KindNotFound           = "not_found"
	KindUnauthorized       = "unauthorized"
	KindInvalidTransition  = "invalid_transition"
	KindInsufficientAmount = "insufficient_amount"
	KindInvalidEscrowState = "invalid_escrow_state"
	KindNoFeeTier          = "no_fee_tier"
	KindInternal           = "internal_error"
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError is shorthand for &ValidationError{Message: msg}.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

// KindOf classifies err into one of the stable kinds. Anything not produced
// by the domain (storage driver failures, encoding errors) is internal.
func KindOf(err error) string {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInsufficientAmount):
		return KindInsufficientAmount
	case errors.Is(err, ErrInvalidEscrowState):
		return KindInvalidEscrowState
	case errors.Is(err, ErrNoFeeTier):
		return KindNoFeeTier
	}
	return KindInternal
}
