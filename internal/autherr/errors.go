// Package autherr holds the error kinds surfaced by the session client.
//
// Every layer returns one of these types (wrapped with %w where context is
// added) so callers can branch with errors.Is and errors.As without parsing
// messages.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTimeout matches a NetworkError caused by a request deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrBaseURLNotConfigured is the cause of every call made without an API host.
	ErrBaseURLNotConfigured = errors.New("base URL not configured")
	// ErrEmptyBody is the cause of a ParseError for a 2xx with no content.
	ErrEmptyBody = errors.New("empty response body")
)

// ValidationError is malformed client input caught before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidationErrors collects the failures of one input struct.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// As lets errors.As(err, **ValidationError) find the first failure.
func (v ValidationErrors) As(target any) bool {
	t, ok := target.(**ValidationError)
	if !ok || len(v) == 0 {
		return false
	}
	*t = v[0]
	return true
}

// RequestError is a non-2xx answer from the server, or a 2xx whose envelope
// says success=false.
type RequestError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, msg)
}

// IsUnauthorized returns true for a 401 answer.
func (e *RequestError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRejection returns true when the server refused the credentials outright,
// as opposed to failing for its own reasons.
func (e *RequestError) IsRejection() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	// an explicit success=false
	return e.StatusCode >= 200 && e.StatusCode <= 299
}

// NetworkError is a request that never produced an HTTP response.
type NetworkError struct {
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %v: %v", e.Endpoint, ErrTimeout, e.Err)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrTimeout for deadline failures.
func (e *NetworkError) Is(target error) bool {
	return e.Timeout && target == ErrTimeout
}

// ParseError is a 2xx response whose body did not have the expected shape.
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: failed to parse response: %v", e.Endpoint, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RefreshFailure means a 401 could not be recovered because the refresh call
// itself failed. StatusCode is the status of the original request.
type RefreshFailure struct {
	StatusCode int
	Err        error
}

func (e *RefreshFailure) Error() string {
	return fmt.Sprintf("session refresh failed: %v", e.Err)
}

func (e *RefreshFailure) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err means the caller is not (or no longer)
// authenticated: a 401 RequestError or a RefreshFailure.
func IsUnauthorized(err error) bool {
	var rf *RefreshFailure
	if errors.As(err, &rf) {
		return true
	}
	var re *RequestError
	return errors.As(err, &re) && re.IsUnauthorized()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var rf *RefreshFailure
	if errors.As(err, &rf) {
		return rf.StatusCode
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
