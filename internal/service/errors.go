package service

import (
	"errors"
	"fmt"
)

// Machine-readable error codes surfaced to callers
const (
	CodeBadRequest            = "BAD_REQUEST"
	CodeUnbalanced            = "UNBALANCED_TRANSACTION"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeTransactionNotFound   = "TRANSACTION_NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
	CodeSystemAccountsMissing = "SYSTEM_ACCOUNTS_NOT_SEEDED"
	CodeAlreadyReversed       = "ALREADY_REVERSED"
)

// LedgerError carries a code plus a human-readable message. Two LedgerErrors
// match under errors.Is when their codes are equal.
type LedgerError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *LedgerError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Code == e.Code
}

func newLedgerError(code, format string, args ...any) *LedgerError {
	return &LedgerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *LedgerError) with(key string, value any) *LedgerError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

var (
	ErrBadRequest              = &LedgerError{Code: CodeBadRequest, Message: "bad request"}
	ErrInvalidAmount           = &LedgerError{Code: CodeInvalidAmount, Message: "entry amounts must be nonzero"}
	ErrUnbalanced              = &LedgerError{Code: CodeUnbalanced, Message: "entries must number at least two and sum to zero"}
	ErrInsufficientFunds       = &LedgerError{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrAccountNotFound         = &LedgerError{Code: CodeAccountNotFound, Message: "account not found"}
	ErrServiceUnavailable      = &LedgerError{Code: CodeServiceUnavailable, Message: "ledger temporarily unavailable"}
	ErrSystemAccountsNotSeeded = &LedgerError{Code: CodeSystemAccountsMissing, Message: "system accounts have not been seeded"}
	ErrUnauthorized            = &LedgerError{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrAlreadyReversed         = &LedgerError{Code: CodeAlreadyReversed, Message: "transaction already reversed"}
	ErrMissingSnapshot         = errors.New("idempotent transaction has no stored entries")
)

// CodeOf returns the ledger code for err, or INTERNAL_ERROR
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}
