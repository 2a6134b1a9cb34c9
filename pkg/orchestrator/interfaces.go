package orchestrator

import (
	"context"
	"io"
	"time"
)

// TransitionRequest is a compare-and-set of a run's state.
type TransitionRequest struct {
	// RunID is the run to transition.
	RunID string

	// From is the expected current state. A mismatch fails with InvalidState.
	From RunState

	// To is the target state.
	To RunState

	// Mode, if set, replaces the run mode (approval forces apply).
	Mode Mode

	// ClaimedBy, if set, additionally requires the run to be claimed by this worker.
	ClaimedBy string

	// Failure is recorded for failed and cancelled targets.
	Failure *Failure

	// ExitCode is the engine exit code, when known.
	ExitCode *int

	// Reason and Actor are recorded in the transition history.
	Reason string
	Actor  string
}

// ClaimRequest asks the store to claim the next dispatchable run.
type ClaimRequest struct {
	WorkerID string
}

// RunStore is the durable record of runs, their transitions, events and audit entries.
// Implementations must make Transition and ClaimNext atomic with respect to each other.
type RunStore interface {
	// CreateRun inserts a queued run together with its intent snapshot artifact.
	CreateRun(ctx context.Context, run *Run, snapshot *Artifact) error

	// GetRun returns a run or a NotFound error.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by creation time, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Transition performs a guarded state change and returns the updated run.
	Transition(ctx context.Context, req TransitionRequest) (*Run, *TransitionRecord, error)

	// ClaimNext claims the oldest queued run whose scope is free. It returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, req ClaimRequest) (*Run, *TransitionRecord, error)

	// Heartbeat refreshes the liveness of a claimed run and reports whether cancellation was requested.
	// It returns ErrClaimLost if the worker no longer holds the claim.
	Heartbeat(ctx context.Context, runID, workerID string) (bool, error)

	// RequestCancel sets the cancellation flag of a non-terminal run without touching updated_at.
	RequestCancel(ctx context.Context, runID string) (*Run, error)

	// ListStale returns executing runs whose last heartbeat is older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*Run, error)

	// ListCancelRequested returns runs in state with the cancellation flag set.
	ListCancelRequested(ctx context.Context, state RunState) ([]*Run, error)

	// FindApprovedPlan returns the newest run over scope and intent digest whose plan
	// succeeded and was approved after since, or nil.
	FindApprovedPlan(ctx context.Context, scope, intentDigest string, since time.Time) (*Run, error)

	// AppendEvents appends execution events. Events are never updated.
	AppendEvents(ctx context.Context, events []ExecutionEvent) error

	// LastEventSeq returns the highest event sequence recorded for a run phase, or 0.
	LastEventSeq(ctx context.Context, runID string, phase Phase) (int64, error)

	// ListEvents returns events of a run with an ID greater than afterID.
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]ExecutionEvent, error)

	// ListTransitions returns the transition history of a run in commit order.
	ListTransitions(ctx context.Context, runID string) ([]TransitionRecord, error)

	// AppendAudit records a Control API mutation.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit returns the audit entries of a run.
	ListAudit(ctx context.Context, runID string) ([]AuditEntry, error)
}

// ArtifactStore stores immutable per-run artifacts.
type ArtifactStore interface {
	// Put writes an artifact exactly once. Rewriting identical content is a no-op;
	// different content fails with ErrArtifactExists.
	Put(ctx context.Context, runID string, phase Phase, name ArtifactName, r io.Reader) (*Artifact, error)

	// Open returns the artifact content. The reader verifies the digest at EOF.
	Open(ctx context.Context, runID string, phase Phase, name ArtifactName) (io.ReadCloser, *Artifact, error)

	// List returns the artifacts produced so far.
	List(ctx context.Context, runID string) ([]Artifact, error)
}

// EngineAdapter invokes the automation engine inside an isolated runtime.
type EngineAdapter interface {
	// Execute starts the engine. The returned execution's event channel must be drained.
	Execute(ctx context.Context, req ExecutionRequest) (Execution, error)
}

// Execution is a running engine invocation.
type Execution interface {
	// Events yields events in emission order and is closed once the engine has exited.
	Events() <-chan ExecutionEvent

	// Wait blocks until the execution finished and its events were delivered.
	Wait() (*ExecutionResult, error)
}

// Observer is notified after state transitions and event appends commit.
// Observers must not block.
type Observer interface {
	OnTransition(ctx context.Context, run *Run, rec TransitionRecord)
	OnEvents(ctx context.Context, events []ExecutionEvent)
}

// Notifier publishes dispatch hints.
type Notifier interface {
	Notify(ctx context.Context, sig DispatchSignal) error
}

// WakeupSource delivers dispatch hints to a scheduler.
type WakeupSource interface {
	Subscribe(ctx context.Context) (<-chan DispatchSignal, error)
}
