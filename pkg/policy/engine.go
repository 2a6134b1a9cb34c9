package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates submissions against the loaded admission policies.
// With no policies loaded every submission is admitted.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	query    *rego.PreparedEvalQuery
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an engine with no policies.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		now:    time.Now,
	}
}

// Load compiles policies and swaps them in. On error the previous set stays active.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	if len(policies) == 0 {
		e.mu.Lock()
		e.policies, e.query = nil, nil
		e.mu.Unlock()
		e.logger.Info().Msg("Admission policy disabled")
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for i := range policies {
		// Parse each module on its own first so errors name the file.
		if _, err := ast.ParseModuleWithOpts(policies[i].Name, policies[i].Rego, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", policies[i].Name, err)
		}
		opts = append(opts, rego.Module(policies[i].Name+".rego", policies[i].Rego))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.policies = append([]Policy(nil), policies...)
	e.query = &prepared
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Admission policies loaded")
	return nil
}

// Enabled reports whether any policy is loaded.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.query != nil
}

// Policies returns the loaded policies.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Evaluate runs the admission query against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := e.now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	if query == nil {
		return &Decision{Allowed: true, EvaluatedAt: start}, nil
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(d))
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})

	decision := &Decision{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		EvaluatedAt: start,
		Duration:    e.now().Sub(start),
	}

	e.logger.Debug().
		Str("scope", input.Scope).
		Str("mode", input.Mode).
		Bool("allowed", decision.Allowed).
		Int("violations", len(violations)).
		Dur("duration", decision.Duration).
		Msg("Admission policy evaluated")

	return decision, nil
}

// toViolation accepts a plain message or an object with message and policy.
func toViolation(result any) Violation {
	switch v := result.(type) {
	case string:
		return Violation{Message: v}
	case map[string]any:
		var out Violation
		if msg, ok := v["message"].(string); ok {
			out.Message = msg
		}
		if name, ok := v["policy"].(string); ok {
			out.Policy = name
		}
		if out.Message == "" {
			out.Message = fmt.Sprintf("%v", v)
		}
		return out
	default:
		return Violation{Message: fmt.Sprintf("%v", result)}
	}
}
