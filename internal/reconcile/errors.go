package reconcile

import (
	"context"
	"errors"

	"github.com/crewplan/crewplan-sync/internal/supabase"
)

// Sentinel errors.
var (
	// ErrMalformedEvent marks a change notification that cannot be
	// interpreted. Such events are logged and dropped.
	ErrMalformedEvent = errors.New("reconcile: malformed change event")

	// ErrRefreshInFlight is returned by Refresh when another execution holds
	// the kind's single-flight slot.
	ErrRefreshInFlight = errors.New("reconcile: refresh already in flight")

	// ErrStuck is returned when an execution outlives the stuck timeout. Its
	// eventual result is discarded.
	ErrStuck = errors.New("reconcile: refresh exceeded stuck timeout")

	// ErrRefreshPanicked wraps a panic recovered from a refresh.
	ErrRefreshPanicked = errors.New("reconcile: refresh panicked")

	// ErrDeferred is returned when a fetched result was not applied because
	// the user started editing while the fetch was in flight.
	ErrDeferred = errors.New("reconcile: refresh deferred by edit mode")

	ErrNotStarted     = errors.New("reconcile: orchestrator not started")
	ErrAlreadyStarted = errors.New("reconcile: orchestrator already started")
	ErrUnknownKind    = errors.New("reconcile: kind not watched")
	ErrOffline        = errors.New("reconcile: backend offline")
)

// Class is the error taxonomy that decides retry and indicator behavior.
type Class int

const (
	ClassNone Class = iota
	// ClassTransient: network failures, 5xx, throttling, socket loss.
	// Retried a bounded number of times, then degrade to stale data.
	ClassTransient
	// ClassTimeout behaves like ClassTransient; flags are always released.
	ClassTimeout
	// ClassPermission: 401/403 and row level security denials. Never
	// retried; surfaced as an actionable notice.
	ClassPermission
	// ClassLogic: malformed input or requests the server rejects as invalid.
	// Logged and dropped.
	ClassLogic
	// ClassCanceled: the caller's context ended. Not an outage.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassPermission:
		return "permission"
	case ClassLogic:
		return "logic"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error from the backend adapter or this package onto the
// taxonomy. Failures raised locally (a panicking refresh, a stopped
// orchestrator, an unwatched kind) are logic errors and say nothing about
// reachability. Unrecognized errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrRefreshPanicked),
		errors.Is(err, ErrNotStarted),
		errors.Is(err, ErrUnknownKind):
		return ClassLogic
	case errors.Is(err, ErrMalformedEvent),
		errors.Is(err, supabase.ErrBadRequest),
		errors.Is(err, supabase.ErrNotFound),
		errors.Is(err, supabase.ErrConflict):
		return ClassLogic
	case supabase.IsPermission(err), errors.Is(err, supabase.ErrJoinRejected):
		return ClassPermission
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, supabase.ErrTimeout),
		errors.Is(err, ErrStuck):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassTransient
	}
}

// IsTransient reports whether err should degrade connectivity: transient
// failures and timeouts.
func IsTransient(err error) bool {
	c := Classify(err)
	return c == ClassTransient || c == ClassTimeout
}

// IsPermission reports whether err is an authorization failure.
func IsPermission(err error) bool {
	return Classify(err) == ClassPermission
}

// permissionHint turns an authorization failure into an actionable message.
func permissionHint(err error) string {
	if errors.Is(err, supabase.ErrUnauthorized) {
		return "session expired or invalid: run `crewplan-sync login` again"
	}

	return "access denied by row level security: ask an administrator to grant this account access"
}
