// Package vcerrors provides the structured error taxonomy shared by every
// Virtuous Cycle component. It maps the six error classes a component can
// raise (transient remote failure, auth failure, validation failure,
// contract violation, resource exhaustion, shutdown) onto sentinel errors
// and a wrapped CycleError, so callers can classify an error with
// errors.Is without parsing strings.
package vcerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is().
var (
	// Transient remote failures: network blips, 5xx, rate limiting.
	ErrTransientRemote = errors.New("transient remote failure")
	ErrTimeout         = errors.New("operation timed out")

	// Auth failures are never retried.
	ErrAuthFailure = errors.New("authentication or authorization failure")

	// Validation failures: input or computed state fails a domain check.
	ErrValidationFailure = errors.New("validation failure")

	// Contract violations: an upstream or sibling component broke an
	// invariant this component depends on.
	ErrContractViolation = errors.New("contract violation")

	// Resource exhaustion: a bounded resource (queue, window, budget) is full.
	ErrResourceExhausted = errors.New("resource exhausted")

	// Shutdown: the operation was abandoned because the process is stopping.
	ErrShutdown = errors.New("shutdown in progress")

	// State errors: an operation was attempted against an object not in
	// the state required for it (e.g. rollback of a non-deployed record).
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrAlreadyInProgress = errors.New("operation already in progress")
	ErrNotFound          = errors.New("not found")
)

// CycleError carries structured context about where and why a failure
// occurred, matching the {status, code, detail} triple the HTTP surface
// must return without ever echoing a raw internal error string.
type CycleError struct {
	Op      string // operation that failed, e.g. "traceclient.FetchRecent"
	Kind    string // one of the Err* sentinels' class, e.g. "transient_remote"
	ID      string // optional identity of the entity involved (cycle id, model, etc.)
	Message string // human-readable detail, safe to surface externally
	Err     error  // underlying error, not necessarily safe to surface
}

func (e *CycleError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// New wraps err with operation/kind context for classification upstream.
func New(op, kind string, err error) *CycleError {
	return &CycleError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err should be retried by its caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientRemote) || errors.Is(err, ErrTimeout)
}

// IsAuthFailure reports whether err is a hard authentication/authorization
// failure. These must never be retried per the observability API contract.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

// IsValidationFailure reports whether err stems from a failed domain check
// (e.g. a deployment probe that did not meet quality gates).
func IsValidationFailure(err error) bool {
	return errors.Is(err, ErrValidationFailure)
}

// IsContractViolation reports whether err stems from an upstream invariant
// break (e.g. a component observed state it should never see).
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsResourceExhaustion reports whether err stems from a bounded resource
// being full (alert queue, concurrency cap, learning store capacity).
func IsResourceExhaustion(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsShutdown reports whether err stems from in-flight work being abandoned
// because the process is stopping.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// IsAlreadyInProgress reports whether err stems from a key already having
// in-flight work or being within its cooldown window.
func IsAlreadyInProgress(err error) bool {
	return errors.Is(err, ErrAlreadyInProgress)
}

// IsInvalidState reports whether err stems from an operation attempted
// against an object not in the state required for it.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsNotFound reports whether err stems from a lookup that found nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
