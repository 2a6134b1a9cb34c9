package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/netintent/netintent/pkg/orchestrator"
)

func TestNormalizeIntentDigestIsFormatIndependent(t *testing.T) {
	inputs := []struct {
		format string
		raw    string
	}{
		{FormatYAML, "vlans:\n  - id: 10\n    name: users\nowner: netops\n"},
		{FormatYAML, "owner: netops\nvlans: [{name: users, id: 10}]\n"},
		{FormatJSON, `{"vlans":[{"id":10,"name":"users"}],"owner":"netops"}`},
		{FormatJSON, "{\n  \"owner\": \"netops\",\n  \"vlans\": [ { \"name\": \"users\", \"id\": 10 } ]\n}\n"},
	}

	var digest string
	for i, in := range inputs {
		n, err := NormalizeIntent([]byte(in.raw), in.format)
		if err != nil {
			t.Fatalf("input %d: failed to normalize: %v", i, err)
		}
		if i == 0 {
			digest = n.Digest
			continue
		}
		if n.Digest != digest {
			t.Errorf("input %d: expected digest %s, got %s (%s)", i, digest, n.Digest, n.Canonical)
		}
	}

	other, err := NormalizeIntent([]byte("vlans:\n  - id: 20\n    name: users\nowner: netops\n"), FormatYAML)
	if err != nil {
		t.Fatalf("failed to normalize: %v", err)
	}
	if other.Digest == digest {
		t.Error("expected a different intent to have a different digest")
	}
}

func TestNormalizeIntentRejects(t *testing.T) {
	tests := []struct {
		name   string
		format string
		raw    string
	}{
		{"empty", FormatYAML, ""},
		{"empty mapping", FormatJSON, "{}"},
		{"scalar", FormatYAML, "just text"},
		{"list", FormatJSON, "[1, 2]"},
		{"broken yaml", FormatYAML, "vlans: [10"},
		{"broken json", FormatJSON, `{"vlans": `},
		{"trailing json", FormatJSON, `{"a": 1} {"b": 2}`},
		{"unknown format", "toml", "a = 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeIntent([]byte(tt.raw), tt.format)
			if !orchestrator.IsValidation(err) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestNormalizeIntentNonStringKeys(t *testing.T) {
	n, err := NormalizeIntent([]byte("vlans:\n  10: users\n  20: voice\n"), FormatYAML)
	if err != nil {
		t.Fatalf("failed to normalize: %v", err)
	}
	want := `{"vlans":{"10":"users","20":"voice"}}`
	if string(n.Canonical) != want {
		t.Errorf("expected %s, got %s", want, n.Canonical)
	}
}

func TestFileInventoryResolve(t *testing.T) {
	root := t.TempDir()
	write := func(scope, name, content string) {
		t.Helper()
		dir := filepath.Join(root, scope)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write inventory: %v", err)
		}
	}
	write("lab", "hosts.yml", "all:\n  hosts:\n    sw1: {}\n")
	write("dc1", "hosts.yaml", "all:\n  hosts:\n    leaf1: {}\n")
	write("broken", "hosts.yml", "all: [\n")

	inv := NewFileInventory(root)
	ctx := context.Background()

	lab, err := inv.Resolve(ctx, "lab")
	if err != nil {
		t.Fatalf("failed to resolve lab: %v", err)
	}
	if lab.Ref != "lab/hosts.yml" || lab.Digest != Digest(lab.Data) {
		t.Errorf("unexpected inventory %+v", lab)
	}

	dc1, err := inv.Resolve(ctx, "dc1")
	if err != nil {
		t.Fatalf("failed to resolve dc1: %v", err)
	}
	if dc1.Ref != "dc1/hosts.yaml" {
		t.Errorf("expected the hosts.yaml fallback, got %s", dc1.Ref)
	}

	for _, scope := range []string{"missing", "broken", "../lab", "Lab"} {
		_, err := inv.Resolve(ctx, scope)
		if !orchestrator.IsValidation(err) {
			t.Errorf("scope %q: expected a validation error, got %v", scope, err)
		}
	}
}
