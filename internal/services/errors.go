// Package services defines the business logic for creating payment orders and
// reconciling their status from gateway callbacks. This file centralizes
// common service-level error values so that they can be consistently returned
// by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionNotFound indicates that no stored transaction matches the
	// requested order id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrMissingOrderID is returned when a callback or lookup arrives without
	// an order id and no fallback context can supply one.
	ErrMissingOrderID = errors.New("order_id is required")

	// ErrGateway wraps failures talking to the upstream payment gateway.
	ErrGateway = errors.New("payment gateway error")
)

// ValidationError describes a rejected input field on order creation.
// It is returned by value checks before any state is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AsValidationError unwraps err into a *ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
