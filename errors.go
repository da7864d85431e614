package copilot

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ============================================================================
// Error Types
// ============================================================================

// APIError represents an error returned by the FaultMaven service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`

	// RetryAfter carries the server's Retry-After hint, when present.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

var (
	// ErrNotConnected is returned when a realtime command is sent without
	// an established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrOperationNotFound is returned when a ledger id does not resolve
	// to a live pending operation.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrRetryInFlight is returned when a retry is requested for an
	// operation that is already executing.
	ErrRetryInFlight = errors.New("retry already in flight")

	// ErrRecoveryInProgress is returned when a recovery run is requested
	// while another one holds the persisted in-progress flag.
	ErrRecoveryInProgress = errors.New("recovery already in progress")
)

// ============================================================================
// Failure Classification
// ============================================================================

// FailureClass partitions operation failures into the classes that drive
// ledger behavior: transient failures stay retryable, permanent failures
// roll back, auth failures refresh the session and retry once, and
// conflicts route to the conflict resolver.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailurePermanent
	FailureAuth
	FailureConflict
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureAuth:
		return "auth"
	case FailureConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ClassifyError maps an error to its failure class. Anything that is not
// a typed service error (transport failures, timeouts, cancellations) is
// transient: the user's intent is intact and a retry may succeed.
func ClassifyError(err error) FailureClass {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return FailureTransient
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized:
		return FailureAuth
	case apiErr.Status == http.StatusConflict:
		return FailureConflict
	case apiErr.Status == http.StatusRequestTimeout,
		apiErr.Status == http.StatusTooManyRequests,
		apiErr.Status >= 500:
		return FailureTransient
	case apiErr.Status >= 400:
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// IsTransientError reports whether err should leave the optimistic
// artifact visible with a retry affordance.
func IsTransientError(err error) bool {
	return err != nil && ClassifyError(err) == FailureTransient
}

// IsValidationError reports whether err is a permanent, non-auth client
// error that must trigger rollback.
func IsValidationError(err error) bool {
	return err != nil && ClassifyError(err) == FailurePermanent
}

// IsAuthError reports whether err indicates an expired or invalid session.
func IsAuthError(err error) bool {
	return err != nil && ClassifyError(err) == FailureAuth
}

// IsConflictError reports whether err indicates diverged remote state.
func IsConflictError(err error) bool {
	return err != nil && ClassifyError(err) == FailureConflict
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
