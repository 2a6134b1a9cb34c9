package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// DigestPrefix prefixes every content digest.
const DigestPrefix = "sha256:"

// ErrDigestMismatch is returned by readers whose content does not match the recorded digest.
var ErrDigestMismatch = errors.New("artifact digest mismatch")

// Backend stores blobs by digest. PutBlob must be idempotent for a digest.
type Backend interface {
	PutBlob(ctx context.Context, digest string, size int64, r io.Reader) error
	GetBlob(ctx context.Context, digest string) (io.ReadCloser, error)
}

// Index records which blob backs each artifact key.
type Index interface {
	PutArtifact(ctx context.Context, a *orchestrator.Artifact) (*orchestrator.Artifact, error)
	GetArtifact(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (*orchestrator.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]orchestrator.Artifact, error)
}

// Store implements orchestrator.ArtifactStore.
type Store struct {
	backend Backend
	index   Index
	spool   string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStore creates an artifact store. Content is spooled under spoolDir
// (the system temp dir if empty) while it is hashed.
func NewStore(backend Backend, index Index, spoolDir string, logger zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		index:   index,
		spool:   spoolDir,
		logger:  logger.With().Str("component", "artifacts").Logger(),
		now:     time.Now,
	}
}

// Stage writes content to the backend and returns the artifact without indexing it.
// Submissions stage the intent snapshot before the run row exists.
func (s *Store) Stage(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName, r io.Reader) (*orchestrator.Artifact, error) {
	if runID == "" {
		return nil, orchestrator.NewValidationError("run id is required", nil)
	}
	if err := phase.Validate(); err != nil {
		return nil, orchestrator.NewValidationError("invalid artifact phase", err)
	}
	if err := name.Validate(); err != nil {
		return nil, orchestrator.NewValidationError("invalid artifact name", err)
	}

	tmp, err := os.CreateTemp(s.spool, "netintent-artifact-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return nil, fmt.Errorf("failed to spool artifact: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	digest := DigestPrefix + hex.EncodeToString(h.Sum(nil))
	if err := s.backend.PutBlob(ctx, digest, size, tmp); err != nil {
		return nil, fmt.Errorf("failed to store blob %s: %w", digest, err)
	}

	return &orchestrator.Artifact{
		RunID:     runID,
		Phase:     phase,
		Name:      name,
		Digest:    digest,
		Size:      size,
		Handle:    orchestrator.ArtifactHandle(runID, phase, name),
		CreatedAt: s.now().UTC(),
	}, nil
}

// Put stores and indexes an artifact exactly once.
func (s *Store) Put(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName, r io.Reader) (*orchestrator.Artifact, error) {
	staged, err := s.Stage(ctx, runID, phase, name, r)
	if err != nil {
		return nil, err
	}

	stored, err := s.index.PutArtifact(ctx, staged)
	if err != nil {
		return nil, err
	}
	if stored.Digest != staged.Digest {
		return stored, fmt.Errorf("%s: %w", staged.Handle, orchestrator.ErrArtifactExists)
	}

	s.logger.Debug().
		Str("handle", stored.Handle).
		Str("digest", stored.Digest).
		Int64("size", stored.Size).
		Msg("Artifact stored")
	return stored, nil
}

// Open returns a reader over the artifact content that verifies its digest at EOF.
func (s *Store) Open(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (io.ReadCloser, *orchestrator.Artifact, error) {
	a, err := s.index.GetArtifact(ctx, runID, phase, name)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.GetBlob(ctx, a.Digest)
	if err != nil {
		return nil, nil, err
	}
	return newVerifyingReader(rc, a.Digest, a.Size), a, nil
}

// List returns the artifacts of a run.
func (s *Store) List(ctx context.Context, runID string) ([]orchestrator.Artifact, error) {
	return s.index.ListArtifacts(ctx, runID)
}

// verifyingReader hashes content as it is read and fails at EOF on mismatch.
type verifyingReader struct {
	rc       io.ReadCloser
	h        hash.Hash
	expected string
	size     int64
	read     int64
}

func newVerifyingReader(rc io.ReadCloser, digest string, size int64) *verifyingReader {
	return &verifyingReader{rc: rc, h: sha256.New(), expected: digest, size: size}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
		v.read += int64(n)
	}
	if errors.Is(err, io.EOF) {
		actual := DigestPrefix + hex.EncodeToString(v.h.Sum(nil))
		if actual != v.expected || v.read != v.size {
			return n, fmt.Errorf("%w: expected %s (%d bytes), got %s (%d bytes)", ErrDigestMismatch, v.expected, v.size, actual, v.read)
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}

// hexOf returns the hex part of a digest.
func hexOf(digest string) (string, error) {
	hexPart, ok := strings.CutPrefix(digest, DigestPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", digest, err)
	}
	return hexPart, nil
}
