package registry

import (
	"errors"
	"fmt"
	"net/http"

	"nullifier/pkg/platform/sentinel"
)

// ErrorCategory is the normalized failure taxonomy for registry transport errors.
type ErrorCategory string

const (
	// ErrorTimeout indicates the registry took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the registry returned a malformed payload
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication indicates rejected credentials
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorOutage indicates the registry is unreachable or returned 5xx
	ErrorOutage ErrorCategory = "outage"

	// ErrorCircuitOpen indicates the client refused to call while the breaker is open
	ErrorCircuitOpen ErrorCategory = "circuit_open"

	// ErrorNotFound indicates the registry has no such item (e.g. no witness for a non-member)
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRejected indicates the registry refused the request (4xx other than auth)
	ErrorRejected ErrorCategory = "rejected"

	// ErrorRateLimited indicates too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorInternal indicates an unexpected client-side error
	ErrorInternal ErrorCategory = "internal"
)

// ClientError wraps registry call failures with a normalized category.
type ClientError struct {
	Category   ErrorCategory
	Operation  string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *ClientError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("registry %s [%s]: %s: %v", e.Operation, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("registry %s [%s]: %s", e.Operation, e.Category, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Underlying
}

// Is maps categories onto infrastructure sentinels so callers need not know the taxonomy.
func (e *ClientError) Is(target error) bool {
	switch target {
	case sentinel.ErrUnavailable:
		return e.Category == ErrorOutage || e.Category == ErrorCircuitOpen || e.Category == ErrorTimeout
	case sentinel.ErrNotFound:
		return e.Category == ErrorNotFound
	}
	return false
}

// NewClientError creates a categorized client error.
func NewClientError(category ErrorCategory, op, message string, underlying error) *ClientError {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorRateLimited

	return &ClientError{
		Category:   category,
		Operation:  op,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the category from an error.
func GetCategory(err error) ErrorCategory {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrorInternal
}

func categoryForStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthentication
	case status == http.StatusNotFound:
		return ErrorNotFound
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorOutage
	default:
		return ErrorRejected
	}
}
