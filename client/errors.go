package client

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeUnbalanced          = "UNBALANCED_TRANSACTION"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeAlreadyReversed     = "ALREADY_REVERSED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// APIError is a non-2xx response from the ledger
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("blertbank: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Transient reports whether the same request may succeed later
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func IsInsufficientFunds(err error) bool { return hasCode(err, CodeInsufficientFunds) }
func IsAccountNotFound(err error) bool   { return hasCode(err, CodeAccountNotFound) }
func IsUnbalanced(err error) bool        { return hasCode(err, CodeUnbalanced) }
func IsInvalidAmount(err error) bool     { return hasCode(err, CodeInvalidAmount) }
func IsUnauthorized(err error) bool      { return hasCode(err, CodeUnauthorized) }
func IsRateLimited(err error) bool       { return hasCode(err, CodeRateLimited) }
func IsAlreadyReversed(err error) bool   { return hasCode(err, CodeAlreadyReversed) }

// IsTransient is true for network failures, an open circuit breaker and
// 429/5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}
