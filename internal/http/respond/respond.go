// Package respond writes JSON success and error bodies for the API.
package respond

import (
	"context"
	"errors"
	"net/http"
	"time"

	"blertbank/internal/logger"
	"blertbank/internal/service"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the shape of every non-2xx response
type ErrorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

var statusByCode = map[string]int{
	service.CodeBadRequest:            http.StatusBadRequest,
	service.CodeUnbalanced:            http.StatusBadRequest,
	service.CodeInvalidAmount:         http.StatusBadRequest,
	service.CodeAccountNotFound:       http.StatusNotFound,
	service.CodeTransactionNotFound:   http.StatusNotFound,
	service.CodeInsufficientFunds:     http.StatusUnprocessableEntity,
	service.CodeUnauthorized:          http.StatusUnauthorized,
	service.CodeRateLimited:           http.StatusTooManyRequests,
	service.CodeServiceUnavailable:    http.StatusServiceUnavailable,
	service.CodeSystemAccountsMissing: http.StatusServiceUnavailable,
	service.CodeAlreadyReversed:       http.StatusConflict,
	service.CodeInternal:              http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func JSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// Fail aborts the request with an error body
func Fail(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorBody{
		Error:     code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, service.CodeBadRequest, message, nil)
}

// Error maps err onto the error taxonomy. Anything that is not a ledger error
// is logged and reported as INTERNAL_ERROR without leaking its text.
func Error(c *gin.Context, err error) {
	var le *service.LedgerError
	if errors.As(err, &le) {
		status := StatusFor(le.Code)
		if status >= http.StatusInternalServerError {
			logger.WithContext(c.Request.Context()).Error("request failed", "code", le.Code, "error", err)
		}
		Fail(c, status, le.Code, le.Message, le.Details)
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		Fail(c, http.StatusServiceUnavailable, service.CodeServiceUnavailable, "request was cancelled before completing", nil)
		return
	}

	logger.WithContext(c.Request.Context()).Error("internal error", "path", c.FullPath(), "error", err)
	Fail(c, http.StatusInternalServerError, service.CodeInternal, "internal error", nil)
}
