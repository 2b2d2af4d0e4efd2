package remote

import (
	"errors"
	"fmt"
)

// NetworkError wraps a transport-level failure. Always retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx response. Retryable.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// ClientError is a 4xx response other than auth failures. Not retryable.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Status, e.Message)
}

// AuthError is a 401/403 that survived the single refresh-and-retry.
// Terminal.
type AuthError struct {
	Status        int
	Message       string
	RefreshFailed bool
}

func (e *AuthError) Error() string {
	if e.RefreshFailed {
		return fmt.Sprintf("auth error %d (token refresh failed): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("auth error %d: %s", e.Status, e.Message)
}

// Retryable reports whether a later retry of the same request may succeed.
func Retryable(err error) bool {
	var netErr *NetworkError
	var srvErr *ServerError
	return errors.As(err, &netErr) || errors.As(err, &srvErr)
}

// IsNotFound reports whether err is a 404 client error.
func IsNotFound(err error) bool {
	var cliErr *ClientError
	return errors.As(err, &cliErr) && cliErr.Status == 404
}
