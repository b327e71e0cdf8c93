// Package supabase is the backend adapter for the scheduling database: a
// PostgREST client with retry and error classification, GoTrue session
// handling, reachability probes, and a realtime websocket transport that
// delivers row-change notifications.
package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status classification.
// Use errors.Is(err, supabase.ErrForbidden) to check.
var (
	ErrBadRequest   = errors.New("supabase: bad request")
	ErrUnauthorized = errors.New("supabase: unauthorized")
	ErrForbidden    = errors.New("supabase: forbidden")
	ErrNotFound     = errors.New("supabase: not found")
	ErrConflict     = errors.New("supabase: conflict")
	ErrThrottled    = errors.New("supabase: throttled")
	ErrServerError  = errors.New("supabase: server error")

	// ErrTimeout marks a probe or realtime join that did not answer in time.
	ErrTimeout = errors.New("supabase: timeout")

	// ErrNoSession is returned when no saved session exists for the project.
	ErrNoSession = errors.New("supabase: no saved session (run login)")

	// ErrRealtimeClosed is returned by transport calls after the websocket
	// has been closed or lost.
	ErrRealtimeClosed = errors.New("supabase: realtime connection closed")

	// ErrJoinRejected is returned when the realtime server refuses a channel join.
	ErrJoinRejected = errors.New("supabase: realtime join rejected")
)

// PostgreSQL insufficient_privilege, raised by row level security.
const pgInsufficientPrivilege = "42501"

// APIError wraps a sentinel error with HTTP status code, request ID, the
// PostgREST error code when present, and the response message.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	code := ""
	if e.Code != "" {
		code = " [" + e.Code + "]"
	}

	if e.RequestID != "" {
		return fmt.Sprintf("supabase: HTTP %d%s (request-id: %s): %s", e.StatusCode, code, e.RequestID, e.Message)
	}

	return fmt.Sprintf("supabase: HTTP %d%s: %s", e.StatusCode, code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorBody is the union of the PostgREST and GoTrue error shapes.
type errorBody struct {
	Code             any    `json:"code"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Hint             string `json:"hint"`
}

// newAPIError builds an APIError from a non-2xx response body. A body that
// is not JSON is kept verbatim as the message.
func newAPIError(status int, requestID string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		RequestID:  requestID,
		Message:    string(body),
		Err:        classifyStatus(status),
	}

	var eb errorBody
	if json.Unmarshal(body, &eb) != nil {
		return apiErr
	}

	switch {
	case eb.Message != "":
		apiErr.Message = eb.Message
	case eb.Msg != "":
		apiErr.Message = eb.Msg
	case eb.ErrorDescription != "":
		apiErr.Message = eb.ErrorDescription
	case eb.Error != "":
		apiErr.Message = eb.Error
	}

	if eb.Code != nil {
		apiErr.Code = fmt.Sprint(eb.Code)
	}

	// RLS denials sometimes surface as 400/404 depending on the verb.
	if apiErr.Code == pgInsufficientPrivilege {
		apiErr.Err = ErrForbidden
	}

	return apiErr
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// Cloudflare origin errors in front of hosted projects.
		const statusOriginUnreachable = 523
		return code == statusOriginUnreachable
	}
}

// IsPermission reports whether err is an authorization failure that retrying
// cannot fix.
func IsPermission(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
