package domain

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the vendor rejected the credentials or the login call failed.
// Waiting does not fix credentials, so callers retry only a few times.
type AuthError struct {
	StatusCode int
	FailCode   int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.FailCode != 0 {
		msg = fmt.Sprintf("%s: failCode %d", msg, e.FailCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a failed vendor request other than auth or throttling.
type APIError struct {
	Op         string
	StatusCode int
	FailCode   int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Op + " failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.FailCode != 0 {
		msg = fmt.Sprintf("%s: failCode %d", msg, e.FailCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// RateLimitError means the vendor asked us to slow down.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	msg := e.Op + " throttled"
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return msg
}

// StorageError wraps a failed database operation.
type StorageError struct {
	Op        string
	PlantCode string
	Err       error
}

func (e *StorageError) Error() string {
	if e.PlantCode != "" {
		return fmt.Sprintf("storage %s for plant %s: %v", e.Op, e.PlantCode, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsAuth reports whether err is or wraps an *AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsRateLimited reports whether err is or wraps a *RateLimitError.
func IsRateLimited(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// ErrorKind names the error class for log fields.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return "auth"
	case IsRateLimited(err):
		return "rate_limit"
	case IsStorage(err):
		return "storage"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "api"
	}
	return "internal"
}
