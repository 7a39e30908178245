// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// Codes are lowercase snake_case. Generic codes mirror common HTTP status
// semantics; domain-specific codes cover business outcomes a status alone
// cannot convey (a gateway refusing an order is not the caller's fault, nor
// is it an internal bug).
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeGatewayFailed    = "gateway_failed"
	ErrCodeStatusFailed     = "status_failed"
	ErrCodeHistoryFailed    = "history_failed"
)
