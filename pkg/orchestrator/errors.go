package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a run error. Kinds are stable strings persisted on failed runs.
type ErrorKind string

const (
	// KindValidation indicates a malformed submission. No run is created.
	KindValidation ErrorKind = "ValidationError"

	// KindPreconditionFailed indicates a well-formed request that is not allowed right now,
	// for example an apply without a matching approved plan.
	KindPreconditionFailed ErrorKind = "PreconditionFailed"

	// KindInvalidState indicates a transition attempted from the wrong predecessor state.
	KindInvalidState ErrorKind = "InvalidState"

	// KindNotFound indicates an unknown run or artifact.
	KindNotFound ErrorKind = "NotFound"

	// KindEngineFailure indicates the automation engine exited non-zero.
	KindEngineFailure ErrorKind = "EngineFailure"

	// KindTimedOut indicates the engine exceeded its wall-clock budget.
	KindTimedOut ErrorKind = "TimedOut"

	// KindCancelled indicates an explicit cancellation was observed.
	KindCancelled ErrorKind = "Cancelled"

	// KindWorkerLost indicates a claimed run lost liveness twice.
	KindWorkerLost ErrorKind = "WorkerLost"

	// KindInternal indicates an infrastructure failure while executing a run.
	KindInternal ErrorKind = "InternalError"
)

// ErrArtifactExists is returned when an artifact key is written twice with different content.
var ErrArtifactExists = errors.New("artifact already exists")

// ErrClaimLost is returned to a worker whose claim was taken away, usually by the stale-claim reaper.
var ErrClaimLost = errors.New("run claim lost")

// RunError is a classified error with run context.
type RunError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional machine-readable detail code.
	Code string `json:"code,omitempty"`

	// RunID is the run the error refers to, if any.
	RunID string `json:"run_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.RunID != "" {
		msg = fmt.Sprintf("%s (run=%s)", msg, e.RunID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *RunError of the same kind and code.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newRunError(kind ErrorKind, message string, err error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *RunError {
	return newRunError(KindValidation, message, err)
}

// NewPreconditionFailedError creates a new precondition error.
func NewPreconditionFailedError(message string, err error) *RunError {
	return newRunError(KindPreconditionFailed, message, err)
}

// NewInvalidStateError creates a new invalid state error.
func NewInvalidStateError(message string, err error) *RunError {
	return newRunError(KindInvalidState, message, err)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, err error) *RunError {
	return newRunError(KindNotFound, message, err)
}

// NewEngineFailureError creates a new engine failure error carrying the exit code.
func NewEngineFailureError(exitCode int) *RunError {
	return newRunError(KindEngineFailure, fmt.Sprintf("engine exited with code %d", exitCode), nil).
		WithDetail("exit_code", exitCode)
}

// NewTimedOutError creates a new timeout error.
func NewTimedOutError(message string) *RunError {
	return newRunError(KindTimedOut, message, nil)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string) *RunError {
	return newRunError(KindCancelled, message, nil)
}

// NewWorkerLostError creates a new worker lost error.
func NewWorkerLostError(message string) *RunError {
	return newRunError(KindWorkerLost, message, nil)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *RunError {
	return newRunError(KindInternal, message, err)
}

// WithRun adds run context to an error.
func (e *RunError) WithRun(runID string) *RunError {
	e.RunID = runID
	return e
}

// WithOperation adds operation context to an error.
func (e *RunError) WithOperation(operation string) *RunError {
	e.Operation = operation
	return e
}

// WithCode adds a detail code to an error.
func (e *RunError) WithCode(code string) *RunError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *RunError) WithDetail(key string, value interface{}) *RunError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *RunError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func isKind(err error, kind ErrorKind) bool {
	var e *RunError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsPreconditionFailed returns true if the error is a precondition error.
func IsPreconditionFailed(err error) bool { return isKind(err, KindPreconditionFailed) }

// IsInvalidState returns true if the error is an invalid state error.
func IsInvalidState(err error) bool { return isKind(err, KindInvalidState) }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// Failure is the structured reason recorded on a run in a failed or cancelled state.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// FailureFromError converts err into a Failure.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	var e *RunError
	if errors.As(err, &e) {
		msg := e.Message
		if e.Err != nil {
			msg = msg + ": " + e.Err.Error()
		}
		return &Failure{Kind: e.Kind, Message: msg}
	}
	return &Failure{Kind: KindInternal, Message: err.Error()}
}

// Common detail codes.
const (
	CodeUnknownScope      = "UNKNOWN_SCOPE"
	CodeMalformedIntent   = "MALFORMED_INTENT"
	CodeNoApprovedPlan    = "NO_APPROVED_PLAN"
	CodePolicyDenied      = "POLICY_DENIED"
	CodeStateMismatch     = "STATE_MISMATCH"
	CodeTransitionInvalid = "TRANSITION_NOT_ALLOWED"
)
