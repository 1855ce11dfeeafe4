package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/person-anonymizer/pkg/retry"
)

// ErrInvalidResponse marks a response whose envelope could not be used.
var ErrInvalidResponse = errors.New("invalid provider response")

// ErrorClass represents a classification of provider errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassResponse represents a malformed or non-OK response envelope.
	ErrorClassResponse ErrorClass = "response"
)

// ProviderError is a failed provider call with its classification.
type ProviderError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	// RetryAfterDelay is the server's Retry-After hint, if any.
	RetryAfterDelay time.Duration
	Err             error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// RetryAfter returns the server's wait hint.
func (e *ProviderError) RetryAfter() time.Duration {
	return e.RetryAfterDelay
}

// Transient reports whether the error is worth retrying.
func (e *ProviderError) Transient() bool {
	return shouldRetry(e.Class)
}

// classifyStatus maps an HTTP error status to its class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// classify is the retry classifier for provider calls. Anything that is not
// a transient ProviderError, context errors included, ends the loop.
func classify(err error) retry.Outcome {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Transient() {
		return retry.Transient
	}
	return retry.Terminal
}
