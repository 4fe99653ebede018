package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a provider attempt failed. It feeds both the
// health tracking in the registry and the diagnostics on ExhaustedError.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureMalformed   FailureKind = "malformed_response"
	FailureNetwork     FailureKind = "network"
	FailureAPIError    FailureKind = "api_error"
	FailureStream      FailureKind = "stream_interrupted"
)

// APIError is a non-2xx response from a provider API.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status=%d: %s", e.Provider, e.Status, e.Message)
}

// MalformedResponseError marks a 2xx response whose body could not be used.
type MalformedResponseError struct {
	Provider string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned malformed response: %s", e.Provider, e.Reason)
}

// ClassifyFailure maps a provider error to a FailureKind.
func ClassifyFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 429 {
			return FailureRateLimited
		}
		return FailureAPIError
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return FailureMalformed
	}
	return FailureNetwork
}

// Attempt records the outcome of one provider attempt inside a Complete call.
type Attempt struct {
	Provider string      `json:"provider"`
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail"`
}

// ExhaustedError is returned when every candidate provider was tried and
// failed. Attempts preserves the order in which providers were tried.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "gateway exhausted: no providers available"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s(%s)", a.Provider, a.Kind)
	}
	return "gateway exhausted: " + strings.Join(parts, ", ")
}

// StreamInterruptedError terminates a streaming response that failed after
// the provider had begun emitting chunks. The partial text is discarded by
// callers; failing over mid-stream would splice output from two models.
type StreamInterruptedError struct {
	Provider string
	Cause    error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted: %v", e.Provider, e.Cause)
}

func (e *StreamInterruptedError) Unwrap() error {
	return e.Cause
}
