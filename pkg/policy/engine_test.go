package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyProdApply = `package netintent.admission

# Production applies need a change ticket tag.

deny contains msg if {
	input.mode == "apply"
	input.scope == "prod"
	not ticketed
	msg := "apply to prod requires a change ticket tag"
}

ticketed if {
	some tag in input.tags
	startswith(tag, "chg-")
}
`

const denyEmptyIntent = `package netintent.admission

deny contains {"policy": "intent-shape", "message": "intent must declare devices"} if {
	not input.intent.devices
}
`

func setupTestEngine(t *testing.T, modules ...string) *Engine {
	t.Helper()
	engine := NewEngine(zerolog.Nop())
	var policies []Policy
	for i, m := range modules {
		policies = append(policies, Policy{Name: "policy-" + string(rune('a'+i)), Rego: m})
	}
	if err := engine.Load(context.Background(), policies); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}
	return engine
}

func TestEngineDisabledAdmitsEverything(t *testing.T) {
	engine := NewEngine(zerolog.Nop())
	if engine.Enabled() {
		t.Fatal("expected an empty engine to be disabled")
	}
	decision, err := engine.Evaluate(context.Background(), &Input{Mode: "apply", Scope: "prod"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected admission without policies")
	}
}

func TestEngineEvaluate(t *testing.T) {
	engine := setupTestEngine(t, denyProdApply, denyEmptyIntent)
	devices := map[string]any{"devices": []any{"leaf-1"}}

	tests := []struct {
		name     string
		input    Input
		allowed  bool
		messages []string
	}{
		{
			name:    "plan on prod",
			input:   Input{Mode: "plan", Scope: "prod", Intent: devices},
			allowed: true,
		},
		{
			name:     "apply on prod without ticket",
			input:    Input{Mode: "apply", Scope: "prod", Tags: []string{"vlans"}, Intent: devices},
			messages: []string{"apply to prod requires a change ticket tag"},
		},
		{
			name:    "apply on prod with ticket",
			input:   Input{Mode: "apply", Scope: "prod", Tags: []string{"chg-1234"}, Intent: devices},
			allowed: true,
		},
		{
			name:     "both rules deny",
			input:    Input{Mode: "apply", Scope: "prod", Intent: map[string]any{"vlans": []any{}}},
			messages: []string{"apply to prod requires a change ticket tag", "intent must declare devices"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Time = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			decision, err := engine.Evaluate(context.Background(), &tt.input)
			if err != nil {
				t.Fatalf("failed to evaluate: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %v (%v)", tt.allowed, decision.Allowed, decision.Messages())
			}
			if got := strings.Join(decision.Messages(), "|"); got != strings.Join(tt.messages, "|") {
				t.Errorf("expected messages %v, got %v", tt.messages, decision.Messages())
			}
		})
	}
}

func TestEngineViolationPolicyName(t *testing.T) {
	engine := setupTestEngine(t, denyEmptyIntent)
	decision, err := engine.Evaluate(context.Background(), &Input{Mode: "plan", Scope: "lab", Intent: map[string]any{}})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if len(decision.Violations) != 1 || decision.Violations[0].Policy != "intent-shape" {
		t.Errorf("unexpected violations %+v", decision.Violations)
	}
}

func TestEngineLoadKeepsPreviousSetOnError(t *testing.T) {
	engine := setupTestEngine(t, denyProdApply)

	err := engine.Load(context.Background(), []Policy{{Name: "broken", Rego: "package netintent.admission\n\ndeny contains msg if {"}})
	if err == nil {
		t.Fatal("expected a parse error")
	}

	decision, err := engine.Evaluate(context.Background(), &Input{Mode: "apply", Scope: "prod"})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if decision.Allowed {
		t.Error("expected the previous policy set to stay active")
	}
}

func TestEngineLoadEmptyDisables(t *testing.T) {
	engine := setupTestEngine(t, denyProdApply)
	if err := engine.Load(context.Background(), nil); err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if engine.Enabled() || len(engine.Policies()) != 0 {
		t.Error("expected the engine to be disabled")
	}
}
