package app

import (
	"fmt"
	"net/http"
	"time"

	"quotedesk/api/internal/quotation"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

const (
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidThreadState = "INVALID_THREAD_STATE"
	CodeThreadClosed       = "THREAD_CLOSED"
	CodeMissingFields      = "MISSING_FIELDS"
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeExportUnavailable  = "EXPORT_UNAVAILABLE"
	CodeServerError        = "SERVER_ERROR"
)

func notFoundError(what, id string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", map[string]any{"id": id})
}

// unauthorizedError is an authenticated caller acting outside its rights.
func unauthorizedError(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeUnauthorized, message, nil)
}

func invalidStateError(current quotation.ThreadStatus, event quotation.Event) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidThreadState,
		fmt.Sprintf("cannot %s while thread is %s", event, current),
		map[string]any{"threadStatus": current, "event": event.String()})
}

func threadClosedError(quotationID string) *DomainError {
	return domainError(http.StatusConflict, CodeThreadClosed, "thread is closed",
		map[string]any{"quotationId": quotationID, "threadStatus": quotation.ThreadClosed})
}

func missingFieldsError(fields ...string) *DomainError {
	return domainError(http.StatusBadRequest, CodeMissingFields, "missing required fields", map[string]any{"fields": fields})
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func unauthenticatedError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthenticated, message, nil)
}

func rateLimitedError(limit int, retryAfter time.Duration) *DomainError {
	return domainError(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded",
		map[string]any{"limit": limit, "retryAfterSeconds": int(retryAfter.Round(time.Second).Seconds())})
}
