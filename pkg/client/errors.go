package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is matched by errors returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass is the retry classification of a failed call.
type ErrorClass string

const (
	// ErrorClassStatus is an HTTP status listed in RetryPolicy.RetryableStatusCodes.
	ErrorClassStatus ErrorClass = "status"

	// ErrorClassNetwork is a transient socket, DNS or timeout failure.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassThrottled is the platform telling us to slow down, recognised
	// by message rather than status code.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassFatal is everything else. Never retried.
	ErrorClassFatal ErrorClass = "fatal"
)

// TransportError is a failed Admin API call that reached the server.
type TransportError struct {
	StatusCode int
	Status     string
	Message    string

	// RetryAfter is the server's "retry after" hint, zero when absent.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	if e.Err != nil {
		return fmt.Sprintf("shopify transport error (status %d): %s: %v", e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("shopify transport error (status %d): %s", e.StatusCode, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError wraps the last failure after the retry ceiling was reached.
type RetryExhaustedError struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts (%s): %v", ErrRetryExhausted, e.Attempts, e.Class, e.Err)
}

// Unwrap returns the last underlying error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRetryExhausted) true.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// shouldRetry reports whether a class is retried at all.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassStatus, ErrorClassNetwork, ErrorClassThrottled:
		return true
	default:
		return false
	}
}
