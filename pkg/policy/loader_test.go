package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "prod.rego"), denyProdApply)
	writePolicy(t, filepath.Join(dir, "nested", "shape.rego"), denyEmptyIntent)
	writePolicy(t, filepath.Join(dir, "prod_test.rego"), "package netintent.admission_test\n")
	writePolicy(t, filepath.Join(dir, "README.md"), "not a policy")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	if byName["prod"].Description != "Production applies need a change ticket tag." {
		t.Errorf("unexpected description %q", byName["prod"].Description)
	}
	if byName["shape"].Source != filepath.Join(dir, "nested", "shape.rego") {
		t.Errorf("unexpected source %q", byName["shape"].Source)
	}

	single, err := loader.LoadFromPaths([]string{filepath.Join(dir, "prod.rego")})
	if err != nil || len(single) != 1 {
		t.Fatalf("expected a single file to load, got %d, %v", len(single), err)
	}

	if _, err := loader.LoadFromPaths([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected a missing path to fail")
	}
	if _, err := loader.LoadFromPaths([]string{filepath.Join(dir, "README.md")}); err == nil {
		t.Error("expected a non-rego file to fail")
	}
}

func TestNewAdmissionWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "shape.rego"), denyEmptyIntent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := NewAdmission(ctx, []string{dir}, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create admission: %v", err)
	}

	input := &Input{Mode: "apply", Scope: "prod", Intent: map[string]any{"devices": []any{"leaf-1"}}}
	decision, err := engine.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected admission before reload, got %v", decision.Messages())
	}

	writePolicy(t, filepath.Join(dir, "prod.rego"), denyProdApply)

	deadline := time.Now().Add(10 * time.Second)
	for {
		decision, err := engine.Evaluate(ctx, input)
		if err != nil {
			t.Fatalf("failed to evaluate: %v", err)
		}
		if !decision.Allowed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the policy reload")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNewAdmissionWithoutPaths(t *testing.T) {
	engine, err := NewAdmission(context.Background(), nil, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create admission: %v", err)
	}
	if engine.Enabled() {
		t.Error("expected admission to be disabled")
	}
}
