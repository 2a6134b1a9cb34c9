package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

// Store is a run store that also indexes artifacts.
type Store interface {
	orchestrator.RunStore

	// PutArtifact inserts an artifact index row. If the key already exists the
	// stored row is returned unchanged.
	PutArtifact(ctx context.Context, a *orchestrator.Artifact) (*orchestrator.Artifact, error)

	// GetArtifact returns an artifact index row or a NotFound error.
	GetArtifact(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (*orchestrator.Artifact, error)

	// ListArtifacts returns the artifacts of a run in creation order.
	ListArtifacts(ctx context.Context, runID string) ([]orchestrator.Artifact, error)

	// Migrate applies the embedded schema migrations.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the database connection.
	Close() error
}

const runColumns = `id, mode, scope, template_set, tags, state, intent_ref, intent_digest, artifact_path,
	failure_kind, failure_message, exit_code, claimed_by, claimed_at, heartbeat_at, requeue_count,
	cancel_requested, submitted_by, approved_by, planned_at, approved_at, created_at, updated_at`

const artifactColumns = `run_id, phase, name, digest, size, handle, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*orchestrator.Run, error) {
	var (
		run                            orchestrator.Run
		mode, state, tags              string
		failureKind, failureMessage    sql.NullString
		claimedBy                      sql.NullString
		exitCode, claimedAt, heartbeat sql.NullInt64
		plannedAt, approvedAt          sql.NullInt64
		requeueCount, cancelRequested  int64
		createdAt, updatedAt           int64
	)

	err := row.Scan(
		&run.ID, &mode, &run.Scope, &run.TemplateSet, &tags, &state,
		&run.IntentRef, &run.IntentDigest, &run.ArtifactPath,
		&failureKind, &failureMessage, &exitCode, &claimedBy, &claimedAt, &heartbeat,
		&requeueCount, &cancelRequested, &run.SubmittedBy, &run.ApprovedBy,
		&plannedAt, &approvedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Mode = orchestrator.Mode(mode)
	run.State = orchestrator.RunState(state)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &run.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of run %s: %w", run.ID, err)
		}
	}
	if failureKind.Valid {
		run.Failure = &orchestrator.Failure{
			Kind:    orchestrator.ErrorKind(failureKind.String),
			Message: failureMessage.String,
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.ClaimedBy = claimedBy.String
	run.ClaimedAt = nanosPtr(claimedAt)
	run.HeartbeatAt = nanosPtr(heartbeat)
	run.PlannedAt = nanosPtr(plannedAt)
	run.ApprovedAt = nanosPtr(approvedAt)
	run.RequeueCount = int(requeueCount)
	run.CancelRequested = cancelRequested != 0
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	return &run, nil
}

func scanArtifact(row rowScanner) (*orchestrator.Artifact, error) {
	var (
		a           orchestrator.Artifact
		phase, name string
		createdAt   int64
	)
	if err := row.Scan(&a.RunID, &phase, &name, &a.Digest, &a.Size, &a.Handle, &createdAt); err != nil {
		return nil, err
	}
	a.Phase = orchestrator.Phase(phase)
	a.Name = orchestrator.ArtifactName(name)
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

// Times are stored as unix nanoseconds in both backends.

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
