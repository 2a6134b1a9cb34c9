package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

const (
	defaultListLimit   = 100
	defaultEventsLimit = 1000

	// claimAttempts bounds retries after losing a scope lease race.
	claimAttempts = 3
)

var errLeaseConflict = errors.New("scope lease held by another run")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store over database/sql for every dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: time.Now}
}

func (s *sqlStore) q(query string) string {
	return s.dialect.Rebind(query)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CreateRun inserts a queued run, its snapshot index row and the initial transition atomically.
func (s *sqlStore) CreateRun(ctx context.Context, run *orchestrator.Run, snapshot *orchestrator.Artifact) error {
	tags, err := encodeTags(run.Tags)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO runs (id, mode, scope, template_set, tags, state, intent_ref, intent_digest,
				artifact_path, requeue_count, cancel_requested, submitted_by, approved_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, '', $11, $12)`),
			run.ID, string(run.Mode), run.Scope, run.TemplateSet, tags, string(run.State),
			run.IntentRef, run.IntentDigest, run.ArtifactPath, run.SubmittedBy,
			toNanos(run.CreatedAt), toNanos(run.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		if snapshot != nil {
			if err := s.insertArtifact(ctx, tx, snapshot); err != nil {
				return err
			}
		}

		return s.insertTransition(ctx, tx, &orchestrator.TransitionRecord{
			RunID:  run.ID,
			To:     run.State,
			Reason: "submitted",
			Actor:  run.SubmittedBy,
			At:     run.CreatedAt,
		})
	})
}

// GetRun retrieves a run by ID.
func (s *sqlStore) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	return s.getRun(ctx, s.db, id, "")
}

func (s *sqlStore) getRun(ctx context.Context, q querier, id, lock string) (*orchestrator.Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = $1`+lock), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.NewNotFoundError(fmt.Sprintf("run %s not found", id), nil).WithRun(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *sqlStore) ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]*orchestrator.Run, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Scope != "" {
		args = append(args, filter.Scope)
		conditions = append(conditions, fmt.Sprintf("scope = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	return s.queryRuns(ctx, query, args...)
}

func (s *sqlStore) queryRuns(ctx context.Context, query string, args ...any) ([]*orchestrator.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*orchestrator.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Transition performs a guarded state change. The update, the history row and
// any scope lease release commit together.
func (s *sqlStore) Transition(ctx context.Context, req orchestrator.TransitionRequest) (*orchestrator.Run, *orchestrator.TransitionRecord, error) {
	var (
		updated *orchestrator.Run
		record  *orchestrator.TransitionRecord
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getRun(ctx, tx, req.RunID, s.dialect.RowLock())
		if err != nil {
			return err
		}
		if current.State != req.From {
			return stateMismatch(req.RunID, current.State, req.From)
		}
		if req.ClaimedBy != "" && current.ClaimedBy != req.ClaimedBy {
			return orchestrator.NewInvalidStateError(
				fmt.Sprintf("run is claimed by %q, not %q", current.ClaimedBy, req.ClaimedBy), orchestrator.ErrClaimLost).
				WithRun(req.RunID).WithCode(orchestrator.CodeStateMismatch)
		}

		now := s.now().UTC()
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}

		next := *current
		next.State = req.To
		next.UpdatedAt = now
		if req.ExitCode != nil {
			code := *req.ExitCode
			next.ExitCode = &code
		}
		if req.Mode != "" {
			next.Mode = req.Mode
		}

		switch {
		case req.To == orchestrator.StateAwaitingApproval:
			next.PlannedAt = &now
			clearClaim(&next)
		case req.From == orchestrator.StateAwaitingApproval && req.To == orchestrator.StateQueued:
			next.ApprovedAt = &now
			next.ApprovedBy = req.Actor
		case req.From.IsExecuting() && req.To == orchestrator.StateQueued:
			next.RequeueCount++
			clearClaim(&next)
		case req.To.IsTerminal():
			clearClaim(&next)
			next.Failure = req.Failure
		}

		var failureKind, failureMessage any
		if next.Failure != nil {
			failureKind, failureMessage = string(next.Failure.Kind), next.Failure.Message
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE runs SET mode = $1, state = $2, failure_kind = $3, failure_message = $4, exit_code = $5,
				claimed_by = $6, claimed_at = $7, heartbeat_at = $8, requeue_count = $9, approved_by = $10,
				planned_at = $11, approved_at = $12, updated_at = $13
			WHERE id = $14 AND state = $15`),
			string(next.Mode), string(next.State), failureKind, failureMessage, nullInt(next.ExitCode),
			nullString(next.ClaimedBy), nullNanos(next.ClaimedAt), nullNanos(next.HeartbeatAt),
			next.RequeueCount, next.ApprovedBy, nullNanos(next.PlannedAt), nullNanos(next.ApprovedAt),
			toNanos(now), req.RunID, string(req.From),
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		} else if n == 0 {
			return stateMismatch(req.RunID, current.State, req.From)
		}

		if req.To.IsTerminal() {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM scope_leases WHERE scope = $1 AND run_id = $2`), current.Scope, current.ID); err != nil {
				return fmt.Errorf("failed to release scope lease: %w", err)
			}
		}

		record = &orchestrator.TransitionRecord{
			RunID:  req.RunID,
			From:   req.From,
			To:     req.To,
			Reason: req.Reason,
			Actor:  req.Actor,
			At:     now,
		}
		if err := s.insertTransition(ctx, tx, record); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, record, nil
}

func clearClaim(run *orchestrator.Run) {
	run.ClaimedBy = ""
	run.ClaimedAt = nil
	run.HeartbeatAt = nil
}

func stateMismatch(runID string, actual, expected orchestrator.RunState) error {
	return orchestrator.NewInvalidStateError(fmt.Sprintf("run is %s, expected %s", actual, expected), nil).
		WithRun(runID).WithCode(orchestrator.CodeStateMismatch)
}

// ClaimNext claims the oldest queued run whose scope is not leased by another run.
func (s *sqlStore) ClaimNext(ctx context.Context, req orchestrator.ClaimRequest) (*orchestrator.Run, *orchestrator.TransitionRecord, error) {
	if req.WorkerID == "" {
		return nil, nil, orchestrator.NewValidationError("worker id is required", nil)
	}
	for attempt := 0; attempt < claimAttempts; attempt++ {
		run, rec, err := s.claimOnce(ctx, req.WorkerID)
		if errors.Is(err, errLeaseConflict) {
			continue
		}
		return run, rec, err
	}
	return nil, nil, nil
}

func (s *sqlStore) claimOnce(ctx context.Context, workerID string) (*orchestrator.Run, *orchestrator.TransitionRecord, error) {
	var (
		claimed *orchestrator.Run
		record  *orchestrator.TransitionRecord
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidate, err := scanRun(tx.QueryRowContext(ctx, s.q(`
			SELECT `+runColumns+` FROM runs r
			WHERE r.state = 'queued' AND r.cancel_requested = 0
				AND NOT EXISTS (SELECT 1 FROM scope_leases l WHERE l.scope = r.scope AND l.run_id <> r.id)
			ORDER BY r.created_at, r.id
			LIMIT 1`+s.dialect.ClaimLock())))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable run: %w", err)
		}

		now := s.now().UTC()
		if now.Before(candidate.UpdatedAt) {
			now = candidate.UpdatedAt
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO scope_leases (scope, run_id, acquired_at) VALUES ($1, $2, $3)
			ON CONFLICT (scope) DO NOTHING`),
			candidate.Scope, candidate.ID, toNanos(now)); err != nil {
			return fmt.Errorf("failed to acquire scope lease: %w", err)
		}
		var holder string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT run_id FROM scope_leases WHERE scope = $1`), candidate.Scope).Scan(&holder); err != nil {
			return fmt.Errorf("failed to read scope lease: %w", err)
		}
		if holder != candidate.ID {
			return errLeaseConflict
		}

		target := orchestrator.StatePlanning
		if candidate.Mode == orchestrator.ModeApply {
			target = orchestrator.StateApplying
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE runs SET state = $1, claimed_by = $2, claimed_at = $3, heartbeat_at = $4, updated_at = $5
			WHERE id = $6 AND state = 'queued'`),
			string(target), workerID, toNanos(now), toNanos(now), toNanos(now), candidate.ID)
		if err != nil {
			return fmt.Errorf("failed to claim run: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to claim run: %w", err)
		} else if n == 0 {
			return errLeaseConflict
		}

		record = &orchestrator.TransitionRecord{
			RunID:  candidate.ID,
			From:   orchestrator.StateQueued,
			To:     target,
			Reason: "claimed",
			Actor:  workerID,
			At:     now,
		}
		if err := s.insertTransition(ctx, tx, record); err != nil {
			return err
		}

		candidate.State = target
		candidate.ClaimedBy = workerID
		candidate.ClaimedAt = &now
		candidate.HeartbeatAt = &now
		candidate.UpdatedAt = now
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, record, nil
}

// Heartbeat refreshes liveness and reports the cancellation flag. It does not touch updated_at.
func (s *sqlStore) Heartbeat(ctx context.Context, runID, workerID string) (bool, error) {
	var flag int64
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE runs SET heartbeat_at = $1
		WHERE id = $2 AND claimed_by = $3 AND state IN ('planning', 'applying')
		RETURNING cancel_requested`),
		toNanos(s.now()), runID, workerID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, orchestrator.ErrClaimLost
	}
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return flag != 0, nil
}

// RequestCancel sets the cancellation flag of a non-terminal run. Terminal runs are returned unchanged.
func (s *sqlStore) RequestCancel(ctx context.Context, runID string) (*orchestrator.Run, error) {
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET cancel_requested = 1
		WHERE id = $1 AND state NOT IN ('applied', 'failed', 'cancelled')`), runID); err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// ListStale returns executing runs whose last heartbeat is older than cutoff.
func (s *sqlStore) ListStale(ctx context.Context, cutoff time.Time) ([]*orchestrator.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
		WHERE state IN ('planning', 'applying') AND heartbeat_at < $1
		ORDER BY created_at, id`, toNanos(cutoff))
}

// ListCancelRequested returns runs in state whose cancellation flag is set.
func (s *sqlStore) ListCancelRequested(ctx context.Context, state orchestrator.RunState) ([]*orchestrator.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
		WHERE state = $1 AND cancel_requested = 1
		ORDER BY created_at, id`, string(state))
}

// FindApprovedPlan returns the most recently approved successful plan of an intent over a scope.
func (s *sqlStore) FindApprovedPlan(ctx context.Context, scope, intentDigest string, since time.Time) (*orchestrator.Run, error) {
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = toNanos(since)
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+runColumns+` FROM runs
		WHERE scope = $1 AND intent_digest = $2
			AND planned_at IS NOT NULL AND approved_at IS NOT NULL AND approved_at >= $3
		ORDER BY approved_at DESC
		LIMIT 1`), scope, intentDigest, sinceNanos))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find approved plan: %w", err)
	}
	return run, nil
}

// AppendEvents appends execution events in one transaction and assigns their IDs.
func (s *sqlStore) AppendEvents(ctx context.Context, events []orchestrator.ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	query := s.q(`
		INSERT INTO execution_events (run_id, phase, seq, ts, stream, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range events {
			ev := &events[i]
			if err := tx.QueryRowContext(ctx, query,
				ev.RunID, string(ev.Phase), ev.Seq, toNanos(ev.Timestamp), ev.Stream, ev.Payload,
			).Scan(&ev.ID); err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}
		}
		return nil
	})
}

// LastEventSeq returns the highest recorded sequence of a run phase.
func (s *sqlStore) LastEventSeq(ctx context.Context, runID string, phase orchestrator.Phase) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(MAX(seq), 0) FROM execution_events WHERE run_id = $1 AND phase = $2`),
		runID, string(phase)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last event sequence: %w", err)
	}
	return seq, nil
}

// ListEvents returns events of a run after the given cursor.
func (s *sqlStore) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]orchestrator.ExecutionEvent, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, run_id, phase, seq, ts, stream, payload FROM execution_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`), runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []orchestrator.ExecutionEvent
	for rows.Next() {
		var (
			ev    orchestrator.ExecutionEvent
			phase string
			ts    int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &phase, &ev.Seq, &ts, &ev.Stream, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Phase = orchestrator.Phase(phase)
		ev.Timestamp = fromNanos(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *sqlStore) insertTransition(ctx context.Context, tx *sql.Tx, rec *orchestrator.TransitionRecord) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO run_transitions (run_id, from_state, to_state, reason, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		rec.RunID, string(rec.From), string(rec.To), rec.Reason, rec.Actor, toNanos(rec.At)); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the transition history of a run in commit order.
func (s *sqlStore) ListTransitions(ctx context.Context, runID string) ([]orchestrator.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT run_id, from_state, to_state, reason, actor, at FROM run_transitions
		WHERE run_id = $1
		ORDER BY id`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var records []orchestrator.TransitionRecord
	for rows.Next() {
		var (
			rec      orchestrator.TransitionRecord
			from, to string
			at       int64
		)
		if err := rows.Scan(&rec.RunID, &from, &to, &rec.Reason, &rec.Actor, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.From = orchestrator.RunState(from)
		rec.To = orchestrator.RunState(to)
		rec.At = fromNanos(at)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendAudit records a Control API mutation.
func (s *sqlStore) AppendAudit(ctx context.Context, entry *orchestrator.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO audit_log (run_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`),
		entry.RunID, entry.Action, entry.Actor, entry.Detail, toNanos(entry.CreatedAt)).Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit entries of a run.
func (s *sqlStore) ListAudit(ctx context.Context, runID string) ([]orchestrator.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, run_id, action, actor, detail, created_at FROM audit_log
		WHERE run_id = $1
		ORDER BY id`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []orchestrator.AuditEntry
	for rows.Next() {
		var (
			e         orchestrator.AuditEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Action, &e.Actor, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) insertArtifact(ctx context.Context, q querier, a *orchestrator.Artifact) error {
	if _, err := q.ExecContext(ctx, s.q(`
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		a.RunID, string(a.Phase), string(a.Name), a.Digest, a.Size, a.Handle, toNanos(a.CreatedAt)); err != nil {
		return fmt.Errorf("failed to index artifact: %w", err)
	}
	return nil
}

// PutArtifact inserts an artifact index row, returning the existing row if the key is taken.
func (s *sqlStore) PutArtifact(ctx context.Context, a *orchestrator.Artifact) (*orchestrator.Artifact, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, phase, name) DO NOTHING`),
		a.RunID, string(a.Phase), string(a.Name), a.Digest, a.Size, a.Handle, toNanos(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to index artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to index artifact: %w", err)
	}
	if n == 1 {
		return a, nil
	}
	return s.GetArtifact(ctx, a.RunID, a.Phase, a.Name)
}

// GetArtifact returns an artifact index row.
func (s *sqlStore) GetArtifact(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (*orchestrator.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE run_id = $1 AND phase = $2 AND name = $3`), runID, string(phase), string(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.NewNotFoundError(
			fmt.Sprintf("artifact %s not found", orchestrator.ArtifactHandle(runID, phase, name)), nil).WithRun(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of a run in creation order.
func (s *sqlStore) ListArtifacts(ctx context.Context, runID string) ([]orchestrator.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE run_id = $1
		ORDER BY created_at, phase, name`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []orchestrator.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}
