package bioverse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrEmptyIdentifier is returned for a blank identifier.
	ErrEmptyIdentifier = errors.New("empty identifier")

	// ErrNoCandidates is returned by an adapter that has nothing to try for an identifier.
	ErrNoCandidates = errors.New("provider does not apply to identifier")

	// ErrInvalidPayload marks a body the Validator rejected.
	ErrInvalidPayload = errors.New("payload is not a structure file")

	// ErrPayloadTooLarge is returned when a body exceeds outbound.maxBody.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")

	// ErrExhausted is wrapped by ResolutionError when every candidate failed.
	ErrExhausted = errors.New("no provider returned a valid structure")

	// ErrNotFound is returned by metadata lookups with no results.
	ErrNotFound = errors.New("not found")
)

// HTTPError captures an unexpected status code and the start of the body.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, body)
}

// Temporary reports whether the status is worth retrying against the same URL.
func (e *HTTPError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// FailureKind classifies one failed candidate.
type FailureKind string

const (
	FailureInvalidPayload FailureKind = "invalid_payload"
	FailureStatus         FailureKind = "http_status"
	FailureTimeout        FailureKind = "timeout"
	FailureNetwork        FailureKind = "network"
	FailureCanceled       FailureKind = "canceled"
	FailureOther          FailureKind = "other"
)

// Attempt is one entry of a resolution trail.
type Attempt struct {
	Provider string      `json:"provider"`
	URL      string      `json:"url"`
	Kind     FailureKind `json:"kind"`
	Status   int         `json:"status,omitempty"`
	Tries    int         `json:"tries"`
	Error    string      `json:"error"`
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s %s: %s after %d tries: %s", a.Provider, a.URL, a.Kind, a.Tries, a.Error)
}

func failedAttempt(c Candidate, tries int, err error) Attempt {
	a := Attempt{
		Provider: c.Provider,
		URL:      c.URL,
		Tries:    tries,
		Error:    err.Error(),
	}
	a.Kind, a.Status = classifyFailure(err)
	return a
}

func classifyFailure(err error) (FailureKind, int) {
	var he *HTTPError
	var ne net.Error
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return FailureInvalidPayload, 0
	case errors.As(err, &he):
		return FailureStatus, he.StatusCode
	case errors.Is(err, context.Canceled):
		return FailureCanceled, 0
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout, 0
	case errors.As(err, &ne):
		if ne.Timeout() {
			return FailureTimeout, 0
		}
		return FailureNetwork, 0
	}
	return FailureOther, 0
}

// ResolutionError reports a resolution that produced no record. Trail lists
// every candidate tried, in order.
type ResolutionError struct {
	Identifier string
	Trail      []Attempt
	Cause      error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve %q: %v", e.Identifier, e.Cause)
	for i, a := range e.Trail {
		fmt.Fprintf(&b, "; [%d] %s", i+1, a)
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error { return e.Cause }
