package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/netintent/netintent/pkg/orchestrator"
)

// FSBackend stores blobs on the local filesystem under <root>/blobs/sha256/<aa>/<hex>.
type FSBackend struct {
	root string
}

// NewFSBackend creates the blob directory under root.
func NewFSBackend(root string) (*FSBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs", "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) blobPath(digest string) (string, error) {
	hexPart, err := hexOf(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, "blobs", "sha256", hexPart[:2], hexPart), nil
}

// PutBlob writes a blob atomically. An existing blob is left untouched.
func (b *FSBackend) PutBlob(_ context.Context, digest string, _ int64, r io.Reader) error {
	path, err := b.blobPath(digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return fmt.Errorf("failed to seal blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

// GetBlob opens a blob for reading.
func (b *FSBackend) GetBlob(_ context.Context, digest string) (io.ReadCloser, error) {
	path, err := b.blobPath(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, orchestrator.NewNotFoundError(fmt.Sprintf("blob %s not found", digest), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}
