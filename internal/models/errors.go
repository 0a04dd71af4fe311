package models

import (
	"errors"
	"fmt"
)

// Domain errors. Handlers map these onto HTTP status codes in one place.
var (
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateOrder         = errors.New("order already exists for idempotency key")
	ErrOrderNotFound          = errors.New("order not found")
	ErrItemNotFound           = errors.New("inventory item not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrShipmentNotFound       = errors.New("shipment not found")
	ErrUnauthenticated        = errors.New("caller identity missing or invalid")
	ErrForbidden              = errors.New("caller not allowed to perform this action")
	ErrSignatureMismatch      = errors.New("signature verification failed")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
)

// ValidationError carries field-level detail for malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
