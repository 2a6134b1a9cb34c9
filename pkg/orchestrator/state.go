package orchestrator

import (
	"encoding/json"
	"fmt"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	// StateQueued indicates the run is waiting to be claimed by a scheduler.
	StateQueued RunState = "queued"

	// StatePlanning indicates the engine is executing in check mode.
	StatePlanning RunState = "planning"

	// StateAwaitingApproval indicates the plan succeeded and the run waits for an explicit approval.
	StateAwaitingApproval RunState = "awaiting_approval"

	// StateApplying indicates the engine is executing in mutate mode.
	StateApplying RunState = "applying"

	// StateApplied indicates the apply phase completed successfully.
	StateApplied RunState = "applied"

	// StateFailed indicates the run ended with an error.
	StateFailed RunState = "failed"

	// StateCancelled indicates the run was cancelled before completion.
	StateCancelled RunState = "cancelled"
)

// AllStates lists every run state in lifecycle order.
var AllStates = []RunState{
	StateQueued, StatePlanning, StateAwaitingApproval, StateApplying,
	StateApplied, StateFailed, StateCancelled,
}

// IsTerminal returns true if the state is final.
func (s RunState) IsTerminal() bool {
	return s == StateApplied || s == StateFailed || s == StateCancelled
}

// IsExecuting returns true if a worker holds the run.
func (s RunState) IsExecuting() bool {
	return s == StatePlanning || s == StateApplying
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case StateQueued, StatePlanning, StateAwaitingApproval, StateApplying,
		StateApplied, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := RunState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// Mode is the submission mode of a run.
type Mode string

const (
	// ModePlan runs the engine in check mode and stops for review.
	ModePlan Mode = "plan"

	// ModeApply runs the engine in mutate mode.
	ModeApply Mode = "apply"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModePlan, ModeApply:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %q", string(m))
	}
}

// EngineMode is the capability requested from the automation engine.
type EngineMode string

const (
	// EngineModeCheck computes a diff without touching devices.
	EngineModeCheck EngineMode = "check"

	// EngineModeMutate pushes configuration to devices.
	EngineModeMutate EngineMode = "mutate"
)

// Phase identifies which execution of a run produced an event or artifact.
type Phase string

const (
	PhaseSubmit Phase = "submit"
	PhasePlan   Phase = "plan"
	PhaseApply  Phase = "apply"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseSubmit, PhasePlan, PhaseApply:
		return nil
	default:
		return fmt.Errorf("invalid phase: %q", string(p))
	}
}

// PhaseForState returns the execution phase that runs while a run is in state s.
func PhaseForState(s RunState) (Phase, EngineMode, bool) {
	switch s {
	case StatePlanning:
		return PhasePlan, EngineModeCheck, true
	case StateApplying:
		return PhaseApply, EngineModeMutate, true
	default:
		return "", "", false
	}
}

// ExitStatus is the outcome of one engine execution.
type ExitStatus string

const (
	ExitSucceeded ExitStatus = "succeeded"
	ExitFailed    ExitStatus = "failed"
	ExitCancelled ExitStatus = "cancelled"
	ExitTimedOut  ExitStatus = "timed_out"
)

// ArtifactName is one of the fixed per-run artifact names.
type ArtifactName string

const (
	ArtifactIntentSnapshot   ArtifactName = "intent-snapshot"
	ArtifactRenderedOutput   ArtifactName = "rendered-output"
	ArtifactEngineTranscript ArtifactName = "engine-transcript"
	ArtifactReport           ArtifactName = "report"
)

// Validate checks if the artifact name is one of the fixed names.
func (n ArtifactName) Validate() error {
	switch n {
	case ArtifactIntentSnapshot, ArtifactRenderedOutput, ArtifactEngineTranscript, ArtifactReport:
		return nil
	default:
		return fmt.Errorf("invalid artifact name: %q", string(n))
	}
}
