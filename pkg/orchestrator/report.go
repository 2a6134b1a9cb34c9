package orchestrator

import (
	"encoding/json"
	"time"
)

// Report is the generated summary of one execution phase.
type Report struct {
	RunID           string     `json:"run_id"`
	Phase           Phase      `json:"phase"`
	Mode            Mode       `json:"mode"`
	EngineMode      EngineMode `json:"engine_mode"`
	Scope           string     `json:"scope"`
	TemplateSet     string     `json:"template_set"`
	IntentDigest    string     `json:"intent_digest"`
	Status          ExitStatus `json:"status"`
	ExitCode        int        `json:"exit_code"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	EventCount      int64      `json:"event_count"`
	Changed         int        `json:"changed"`
	Failed          int        `json:"failed"`
	Diff            string     `json:"diff"`
	Message         string     `json:"message,omitempty"`
	Failure         *Failure   `json:"failure,omitempty"`
}

// BuildReport assembles the report of one execution.
func BuildReport(run *Run, phase Phase, mode EngineMode, result *ExecutionResult, events int64, failure *Failure) *Report {
	r := &Report{
		RunID:        run.ID,
		Phase:        phase,
		Mode:         run.Mode,
		EngineMode:   mode,
		Scope:        run.Scope,
		TemplateSet:  run.TemplateSet,
		IntentDigest: run.IntentDigest,
		EventCount:   events,
		Failure:      failure,
	}
	if result == nil {
		r.Status = ExitFailed
		r.ExitCode = -1
		return r
	}

	r.Status = result.Status
	r.ExitCode = result.ExitCode
	r.StartedAt = result.StartedAt
	r.FinishedAt = result.FinishedAt
	r.DurationSeconds = result.FinishedAt.Sub(result.StartedAt).Seconds()
	if result.Summary != nil {
		r.Changed = result.Summary.Changed
		r.Failed = result.Summary.Failed
		r.Diff = result.Summary.Diff
		r.Message = result.Summary.Message
	}
	return r
}

// Encode renders the report as indented JSON.
func (r *Report) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
