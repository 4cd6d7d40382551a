package vkapi

import "fmt"

// VK error codes that indicate throttling. Retried with backoff; every
// other API code is a permanent condition and surfaces immediately.
const (
	codeTooManyRequests = 6
	codeRateLimit       = 29
)

// APIError is an application-level rejection from the VK API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// Retryable reports whether the error is throttling rather than a
// permanent rejection.
func (e *APIError) Retryable() bool {
	return e.Code == codeTooManyRequests || e.Code == codeRateLimit
}

// TransportError is a network-level failure (connection, timeout, bad
// HTTP status). Always retryable.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("vk transport error calling %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
