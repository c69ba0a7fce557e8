package vault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass classifies a failed vault call for retry decisions.
type ErrorClass string

const (
	// ClassAuth is a rejected or unresolvable credential (401/403).
	ClassAuth ErrorClass = "auth"

	// ClassClient is any other 4xx rejection.
	ClassClient ErrorClass = "client"

	// ClassRateLimit is a 429 response.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassServer is a 5xx response.
	ClassServer ErrorClass = "server"

	// ClassNetwork is a transport failure or timeout.
	ClassNetwork ErrorClass = "network"
)

// ErrAuthentication matches any error whose class is ClassAuth.
var ErrAuthentication = errors.New("vault authentication failed")

// Error is a classified vault failure.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault %s error (status %d): %s: %v", e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("vault %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports auth-class errors as ErrAuthentication.
func (e *Error) Is(target error) bool {
	return target == ErrAuthentication && e.Class == ClassAuth
}

// ClassifyStatus maps an HTTP status code to an error class.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusRequestTimeout:
		return ClassNetwork
	case code >= 400 && code < 500:
		return ClassClient
	case code >= 500:
		return ClassServer
	default:
		return ""
	}
}

// ClassOf returns the class of err, or "" when it is not a vault error.
func ClassOf(err error) ErrorClass {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassNetwork
	}
	return ""
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch ClassOf(err) {
	case ClassRateLimit, ClassServer, ClassNetwork:
		return true
	default:
		return false
	}
}
