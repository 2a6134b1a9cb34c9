package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/netintent/netintent/pkg/orchestrator"
	"gopkg.in/yaml.v3"
)

// ScopePattern is the accepted shape of a scope name.
var ScopePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// Inventory is the resolved inventory of a scope.
type Inventory struct {
	// Ref identifies where the inventory was read from.
	Ref string

	// Data is the raw inventory file.
	Data []byte

	// Digest is the sha256 digest of Data.
	Digest string
}

// InventoryResolver resolves the inventory of a scope.
type InventoryResolver interface {
	Resolve(ctx context.Context, scope string) (*Inventory, error)
}

// FileInventory reads <root>/<scope>/hosts.yml (or hosts.yaml).
type FileInventory struct {
	Root string
}

// NewFileInventory creates a resolver over root.
func NewFileInventory(root string) *FileInventory {
	return &FileInventory{Root: root}
}

// Resolve implements InventoryResolver. An unknown scope is a ValidationError.
func (f *FileInventory) Resolve(_ context.Context, scope string) (*Inventory, error) {
	if !ScopePattern.MatchString(scope) {
		return nil, orchestrator.NewValidationError(fmt.Sprintf("invalid scope %q", scope), nil).
			WithCode(orchestrator.CodeUnknownScope)
	}

	for _, name := range []string{"hosts.yml", "hosts.yaml"} {
		path := filepath.Join(f.Root, scope, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
		}

		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, orchestrator.NewValidationError(fmt.Sprintf("inventory of scope %q is not valid YAML", scope), err).
				WithCode(orchestrator.CodeUnknownScope)
		}

		return &Inventory{
			Ref:    filepath.ToSlash(filepath.Join(scope, name)),
			Data:   data,
			Digest: Digest(data),
		}, nil
	}

	return nil, orchestrator.NewValidationError(fmt.Sprintf("unknown scope %q: no inventory", scope), nil).
		WithCode(orchestrator.CodeUnknownScope).
		WithDetail("inventory_root", f.Root)
}
