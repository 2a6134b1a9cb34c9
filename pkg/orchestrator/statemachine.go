package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// allowedTransitions is the complete edge set of the run state machine.
var allowedTransitions = map[RunState][]RunState{
	StateQueued:           {StatePlanning, StateApplying, StateFailed, StateCancelled},
	StatePlanning:         {StateAwaitingApproval, StateQueued, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateQueued, StateFailed, StateCancelled},
	StateApplying:         {StateApplied, StateQueued, StateFailed, StateCancelled},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to RunState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks a transition request against the state machine,
// including the mode constraints of claims and approvals.
func ValidateTransition(req TransitionRequest, current Mode) error {
	if err := req.From.Validate(); err != nil {
		return NewValidationError("invalid source state", err)
	}
	if err := req.To.Validate(); err != nil {
		return NewValidationError("invalid target state", err)
	}
	if !CanTransition(req.From, req.To) {
		return NewInvalidStateError(fmt.Sprintf("transition %s -> %s is not allowed", req.From, req.To), nil).
			WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	}

	mode := current
	if req.Mode != "" {
		mode = req.Mode
	}
	switch {
	case req.From == StateQueued && req.To == StatePlanning && mode != ModePlan:
		return NewInvalidStateError("only plan runs enter planning", nil).WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	case req.From == StateQueued && req.To == StateApplying && mode != ModeApply:
		return NewInvalidStateError("only apply runs enter applying", nil).WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	case req.From == StateAwaitingApproval && req.To == StateQueued && req.Mode != ModeApply:
		return NewInvalidStateError("approval must force apply mode", nil).WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	case req.From.IsExecuting() && req.To == StateQueued && req.Mode != "":
		return NewInvalidStateError("requeue must not change mode", nil).WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	}
	return nil
}

// Machine is the authoritative transition path shared by the control API, the scheduler and workers.
type Machine struct {
	store     RunStore
	observers []Observer
	logger    zerolog.Logger
}

// NewMachine creates a state machine over store.
func NewMachine(store RunStore, logger zerolog.Logger, observers ...Observer) *Machine {
	return &Machine{
		store:     store,
		observers: observers,
		logger:    logger.With().Str("component", "state-machine").Logger(),
	}
}

// Store returns the underlying run store.
func (m *Machine) Store() RunStore {
	return m.store
}

// Transition validates and applies a guarded transition. Observers are notified after commit.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*Run, error) {
	current, err := m.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if current.State != req.From {
		return nil, NewInvalidStateError(
			fmt.Sprintf("run is %s, expected %s", current.State, req.From), nil).
			WithRun(req.RunID).WithCode(CodeStateMismatch)
	}
	if err := ValidateTransition(req, current.Mode); err != nil {
		return nil, err
	}
	if req.To.IsExecuting() {
		return nil, NewInvalidStateError("runs enter execution only through a claim", nil).
			WithRun(req.RunID).WithCode(CodeTransitionInvalid)
	}

	run, rec, err := m.store.Transition(ctx, req)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("run_id", run.ID).
		Str("scope", run.Scope).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("reason", rec.Reason).
		Msg("Run transitioned")

	m.notifyTransition(ctx, run, *rec)
	return run, nil
}

// Claim claims the next dispatchable run for workerID, or returns nil.
func (m *Machine) Claim(ctx context.Context, workerID string) (*Run, error) {
	run, rec, err := m.store.ClaimNext(ctx, ClaimRequest{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	m.logger.Debug().
		Str("run_id", run.ID).
		Str("scope", run.Scope).
		Str("worker", workerID).
		Str("state", string(run.State)).
		Msg("Run claimed")

	m.notifyTransition(ctx, run, *rec)
	return run, nil
}

// RecordEvents persists execution events and notifies observers.
func (m *Machine) RecordEvents(ctx context.Context, events []ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := m.store.AppendEvents(ctx, events); err != nil {
		return err
	}
	for _, o := range m.observers {
		o.OnEvents(ctx, events)
	}
	return nil
}

// NotifyCreated reports the initial transition of a freshly submitted run.
func (m *Machine) NotifyCreated(ctx context.Context, run *Run) {
	m.notifyTransition(ctx, run, TransitionRecord{
		RunID:  run.ID,
		To:     StateQueued,
		Reason: "submitted",
		Actor:  run.SubmittedBy,
		At:     run.CreatedAt,
	})
}

func (m *Machine) notifyTransition(ctx context.Context, run *Run, rec TransitionRecord) {
	for _, o := range m.observers {
		o.OnTransition(ctx, run, rec)
	}
}
