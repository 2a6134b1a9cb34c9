package orchestrator

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBuildReport(t *testing.T) {
	run := &Run{
		ID:           "run-001",
		Mode:         ModePlan,
		Scope:        "lab",
		TemplateSet:  "base",
		IntentDigest: "sha256:abc",
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := &ExecutionResult{
		Status:     ExitSucceeded,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Summary:    &ChangeSummary{Changed: 3, Diff: "+vlan 10", Message: "3 changed"},
	}

	r := BuildReport(run, PhasePlan, EngineModeCheck, result, 12, nil)
	if r.Changed != 3 || r.Diff != "+vlan 10" || r.EventCount != 12 {
		t.Errorf("unexpected report %+v", r)
	}
	if r.DurationSeconds != 1.5 {
		t.Errorf("expected 1.5s, got %v", r.DurationSeconds)
	}

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded["engine_mode"] != "check" || decoded["status"] != "succeeded" {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestBuildReportWithoutResult(t *testing.T) {
	run := &Run{ID: "run-002", Mode: ModeApply}
	failure := &Failure{Kind: KindInternal, Message: "failed to start engine"}

	r := BuildReport(run, PhaseApply, EngineModeMutate, nil, 0, failure)
	if r.Status != ExitFailed || r.ExitCode != -1 || r.Failure != failure {
		t.Errorf("unexpected report %+v", r)
	}
}
