package schemas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across the engine, stores, and API surface.
// Callers match them with errors.Is.
var (
	// ErrInvalidTransition is returned when an event is applied to a stage
	// that does not accept it, including any event on a terminal stage.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoPendingApproval is returned when a resolution arrives for a
	// session with no open approval request.
	ErrNoPendingApproval = errors.New("no pending approval")

	// ErrSessionNotFound is returned by stores and the engine for unknown
	// session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned when an operation targets a session
	// that already reached a terminal status.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrConcurrencyViolation is returned on a duplicate dispatch or a
	// stale save. Conflicting writes are rejected, never merged.
	ErrConcurrencyViolation = errors.New("concurrency violation")
)

// ErrorKind classifies an execution failure for the recovery policy.
type ErrorKind string

const (
	// ErrKindValidation marks a bad instruction or plan. Never retried.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindTransient marks a timeout or flaky-network failure. Retried
	// while the step's budget lasts.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent marks a failure retries cannot fix.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindNeedsHuman marks a failure only a human can dispose of.
	ErrKindNeedsHuman ErrorKind = "needs_human"
)

// RecoveryStrategy is the classifier's verdict for a failure.
type RecoveryStrategy string

const (
	StrategyRetry    RecoveryStrategy = "retry"
	StrategyEscalate RecoveryStrategy = "escalate"
	StrategyAbort    RecoveryStrategy = "abort"
)

// ErrorContext captures an execution failure for classification and audit.
// It is persisted with the session so a resumed or failed run retains the
// full picture of what went wrong.
type ErrorContext struct {
	Kind       ErrorKind        `json:"kind"`
	ActionID   string           `json:"action_id,omitempty"`
	Message    string           `json:"message"`
	Attempts   int              `json:"attempts"`
	Strategy   RecoveryStrategy `json:"strategy,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// ExecutionError is a failure produced by the capability provider or the
// execution loop. It carries the kind the classifier keys on.
type ExecutionError struct {
	Kind     ErrorKind
	ActionID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %s: %s failure: %v", e.ActionID, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewTransientError wraps a failure that is worth retrying.
func NewTransientError(actionID string, err error) *ExecutionError {
	return &ExecutionError{Kind: ErrKindTransient, ActionID: actionID, Err: err}
}

// NewPermanentError wraps a failure retries cannot fix.
func NewPermanentError(actionID string, err error) *ExecutionError {
	return &ExecutionError{Kind: ErrKindPermanent, ActionID: actionID, Err: err}
}

// KindOf extracts the error kind from an error chain. Unrecognized errors
// default to transient so a single flaky failure is not fatal.
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return ErrKindValidation
	}
	return ErrKindTransient
}

// ValidationError reports one or more problems with an instruction or plan.
// It is terminal: validation failures are never retried.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// NewValidationError builds a ValidationError from problem descriptions.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}
