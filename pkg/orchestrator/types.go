package orchestrator

import (
	"fmt"
	"time"
)

// Run is one tracked attempt to plan or apply an intent against a scope.
type Run struct {
	// ID is the unique identifier generated at submission.
	ID string `json:"id"`

	// Mode is plan or apply. Approval forces apply.
	Mode Mode `json:"mode"`

	// Scope is the inventory environment the run targets and the unit of mutual exclusion.
	Scope string `json:"scope"`

	// TemplateSet is the template bundle handed to the engine.
	TemplateSet string `json:"template_set"`

	// Tags optionally narrow the engine execution.
	Tags []string `json:"tags,omitempty"`

	// State is the current lifecycle state.
	State RunState `json:"state"`

	// IntentRef is the retrieval handle of the intent snapshot.
	IntentRef string `json:"intent_ref"`

	// IntentDigest is the digest of the normalized intent, used to match plans to applies.
	IntentDigest string `json:"intent_digest"`

	// ArtifactPath is the logical root of this run's artifacts.
	ArtifactPath string `json:"artifact_path"`

	// Failure is set only in failed or cancelled states.
	Failure *Failure `json:"failure,omitempty"`

	// ExitCode is the last engine exit code, when known.
	ExitCode *int `json:"exit_code,omitempty"`

	// ClaimedBy is the scheduler instance currently executing the run.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedAt is when the current claim was taken.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// HeartbeatAt is the last liveness signal from the claiming worker.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// RequeueCount counts stale-claim requeues.
	RequeueCount int `json:"requeue_count"`

	// CancelRequested is the cooperative cancellation flag.
	CancelRequested bool `json:"cancel_requested"`

	SubmittedBy string     `json:"submitted_by,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	PlannedAt   *time.Time `json:"planned_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArtifactRoot returns the logical artifact root for a run.
func ArtifactRoot(runID string) string {
	return "runs/" + runID
}

// ArtifactHandle returns the retrieval handle of a run artifact.
func ArtifactHandle(runID string, phase Phase, name ArtifactName) string {
	return fmt.Sprintf("runs/%s/%s/%s", runID, phase, name)
}

// IntentSnapshot is the immutable copy of a submission taken before the run is created.
type IntentSnapshot struct {
	RunID           string    `json:"run_id"`
	Scope           string    `json:"scope"`
	TemplateSet     string    `json:"template_set"`
	IntentFormat    string    `json:"intent_format"`
	Intent          []byte    `json:"intent"`
	IntentDigest    string    `json:"intent_digest"`
	InventoryRef    string    `json:"inventory_ref"`
	Inventory       []byte    `json:"inventory"`
	InventoryDigest string    `json:"inventory_digest"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// ExecutionEvent is one line emitted during an engine execution.
type ExecutionEvent struct {
	// ID is assigned by the run store and serves as a read cursor.
	ID        int64     `json:"id,omitempty"`
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Payload   string    `json:"payload"`
}

// Artifact is a named, immutable blob produced by a run.
type Artifact struct {
	RunID     string       `json:"run_id"`
	Phase     Phase        `json:"phase"`
	Name      ArtifactName `json:"name"`
	Digest    string       `json:"digest"`
	Size      int64        `json:"size"`
	Handle    string       `json:"handle"`
	CreatedAt time.Time    `json:"created_at"`
}

// TransitionRecord is one committed state change.
type TransitionRecord struct {
	RunID  string    `json:"run_id"`
	From   RunState  `json:"from,omitempty"`
	To     RunState  `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// AuditEntry records a Control API mutation.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	AuditRunSubmitted       = "run.submitted"
	AuditRunApproved        = "run.approved"
	AuditRunCancelRequested = "run.cancel_requested"
)

// ChangeSummary is the engine's own account of what changed or would change.
type ChangeSummary struct {
	Changed int    `json:"changed"`
	Failed  int    `json:"failed"`
	Diff    string `json:"diff,omitempty"`
	Message string `json:"message,omitempty"`
}

// ExecutionRequest describes one engine invocation.
type ExecutionRequest struct {
	RunID       string
	Phase       Phase
	Scope       string
	TemplateSet string
	Tags        []string
	Mode        EngineMode
	Snapshot    *IntentSnapshot

	// Cancel is closed when cancellation has been requested.
	Cancel <-chan struct{}
}

// ExecutionResult is the outcome of one engine invocation.
type ExecutionResult struct {
	Status     ExitStatus     `json:"status"`
	ExitCode   int            `json:"exit_code"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Summary    *ChangeSummary `json:"summary,omitempty"`

	// RenderedArchive is the path of a spooled tar of the engine's outputs,
	// empty when there were none. The consumer removes the file.
	RenderedArchive string `json:"-"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Scope string
	State RunState
	Limit int
}

// DispatchSignal hints a scheduler that a run may be claimable.
type DispatchSignal struct {
	RunID  string    `json:"run_id"`
	Scope  string    `json:"scope"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
