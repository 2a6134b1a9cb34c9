package orchestrator

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]RunState]bool{
		{StateQueued, StatePlanning}:            true,
		{StateQueued, StateApplying}:            true,
		{StateQueued, StateFailed}:              true,
		{StateQueued, StateCancelled}:           true,
		{StatePlanning, StateAwaitingApproval}:  true,
		{StatePlanning, StateQueued}:            true,
		{StatePlanning, StateFailed}:            true,
		{StatePlanning, StateCancelled}:         true,
		{StateAwaitingApproval, StateQueued}:    true,
		{StateAwaitingApproval, StateFailed}:    true,
		{StateAwaitingApproval, StateCancelled}: true,
		{StateApplying, StateApplied}:           true,
		{StateApplying, StateQueued}:            true,
		{StateApplying, StateFailed}:            true,
		{StateApplying, StateCancelled}:         true,
	}

	for _, from := range AllStates {
		for _, to := range AllStates {
			want := allowed[[2]RunState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range AllStates {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range AllStates {
			if CanTransition(s, to) {
				t.Errorf("terminal state %s has edge to %s", s, to)
			}
		}
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		req     TransitionRequest
		current Mode
		wantErr bool
	}{
		{"plan claim", TransitionRequest{From: StateQueued, To: StatePlanning}, ModePlan, false},
		{"apply run cannot plan", TransitionRequest{From: StateQueued, To: StatePlanning}, ModeApply, true},
		{"apply claim", TransitionRequest{From: StateQueued, To: StateApplying}, ModeApply, false},
		{"plan run cannot apply", TransitionRequest{From: StateQueued, To: StateApplying}, ModePlan, true},
		{"approve forces apply", TransitionRequest{From: StateAwaitingApproval, To: StateQueued, Mode: ModeApply}, ModePlan, false},
		{"approve without apply", TransitionRequest{From: StateAwaitingApproval, To: StateQueued}, ModePlan, true},
		{"requeue keeps mode", TransitionRequest{From: StatePlanning, To: StateQueued}, ModePlan, false},
		{"requeue changes mode", TransitionRequest{From: StatePlanning, To: StateQueued, Mode: ModeApply}, ModePlan, true},
		{"skip approval", TransitionRequest{From: StatePlanning, To: StateApplying}, ModePlan, true},
		{"leave terminal", TransitionRequest{From: StateApplied, To: StateQueued}, ModeApply, true},
		{"unknown state", TransitionRequest{From: "paused", To: StateQueued}, ModePlan, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.req, tt.current)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTransition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && tt.req.From.Validate() == nil && !IsInvalidState(err) {
				t.Errorf("expected InvalidState, got %v", err)
			}
		})
	}
}

func TestPhaseForState(t *testing.T) {
	phase, mode, ok := PhaseForState(StatePlanning)
	if !ok || phase != PhasePlan || mode != EngineModeCheck {
		t.Errorf("planning: got %s/%s/%v", phase, mode, ok)
	}
	phase, mode, ok = PhaseForState(StateApplying)
	if !ok || phase != PhaseApply || mode != EngineModeMutate {
		t.Errorf("applying: got %s/%s/%v", phase, mode, ok)
	}
	for _, s := range []RunState{StateQueued, StateAwaitingApproval, StateApplied} {
		if _, _, ok := PhaseForState(s); ok {
			t.Errorf("%s should not be executable", s)
		}
	}
}

func TestRunStateJSON(t *testing.T) {
	data, err := json.Marshal(StateAwaitingApproval)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if string(data) != `"awaiting_approval"` {
		t.Errorf("unexpected encoding %s", data)
	}

	var s RunState
	if err := json.Unmarshal([]byte(`"paused"`), &s); err == nil {
		t.Error("expected unknown state to be rejected")
	}
	if _, err := json.Marshal(RunState("paused")); err == nil {
		t.Error("expected unknown state to fail marshalling")
	}
}
