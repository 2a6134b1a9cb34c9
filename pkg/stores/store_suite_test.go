package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

// storeFactory returns a migrated, empty store.
type storeFactory func(t *testing.T) Store

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRun(id, scope string, mode orchestrator.Mode, offset time.Duration) (*orchestrator.Run, *orchestrator.Artifact) {
	created := baseTime.Add(offset)
	run := &orchestrator.Run{
		ID:           id,
		Mode:         mode,
		Scope:        scope,
		TemplateSet:  "base",
		Tags:         []string{"vlan"},
		State:        orchestrator.StateQueued,
		IntentRef:    orchestrator.ArtifactHandle(id, orchestrator.PhaseSubmit, orchestrator.ArtifactIntentSnapshot),
		IntentDigest: "sha256:" + scope,
		ArtifactPath: orchestrator.ArtifactRoot(id),
		SubmittedBy:  "alice",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	snapshot := &orchestrator.Artifact{
		RunID:     id,
		Phase:     orchestrator.PhaseSubmit,
		Name:      orchestrator.ArtifactIntentSnapshot,
		Digest:    "sha256:snapshot-" + id,
		Size:      42,
		Handle:    run.IntentRef,
		CreatedAt: created,
	}
	return run, snapshot
}

func createRun(t *testing.T, store Store, id, scope string, mode orchestrator.Mode, offset time.Duration) *orchestrator.Run {
	t.Helper()
	run, snapshot := newTestRun(id, scope, mode, offset)
	if err := store.CreateRun(context.Background(), run, snapshot); err != nil {
		t.Fatalf("failed to create run %s: %v", id, err)
	}
	return run
}

func claim(t *testing.T, store Store, worker string) *orchestrator.Run {
	t.Helper()
	run, _, err := store.ClaimNext(context.Background(), orchestrator.ClaimRequest{WorkerID: worker})
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	return run
}

func transition(t *testing.T, store Store, req orchestrator.TransitionRequest) *orchestrator.Run {
	t.Helper()
	run, _, err := store.Transition(context.Background(), req)
	if err != nil {
		t.Fatalf("transition %s -> %s failed: %v", req.From, req.To, err)
	}
	return run
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("PlanApproveApply", func(t *testing.T) { testPlanApproveApply(t, newStore(t)) })
	t.Run("TransitionMismatch", func(t *testing.T) { testTransitionMismatch(t, newStore(t)) })
	t.Run("ScopeExclusion", func(t *testing.T) { testScopeExclusion(t, newStore(t)) })
	t.Run("Heartbeat", func(t *testing.T) { testHeartbeat(t, newStore(t)) })
	t.Run("RequestCancel", func(t *testing.T) { testRequestCancel(t, newStore(t)) })
	t.Run("StaleRuns", func(t *testing.T) { testStaleRuns(t, newStore(t)) })
	t.Run("FindApprovedPlan", func(t *testing.T) { testFindApprovedPlan(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, store Store) {
	ctx := context.Background()
	created := createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	run, err := store.GetRun(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.State != orchestrator.StateQueued {
		t.Errorf("expected state queued, got %s", run.State)
	}
	if run.Scope != "lab" || run.TemplateSet != "base" || run.SubmittedBy != "alice" {
		t.Errorf("unexpected run fields: %+v", run)
	}
	if len(run.Tags) != 1 || run.Tags[0] != "vlan" {
		t.Errorf("expected tags [vlan], got %v", run.Tags)
	}
	if !run.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", created.CreatedAt, run.CreatedAt)
	}

	history, err := store.ListTransitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(history) != 1 || history[0].From != "" || history[0].To != orchestrator.StateQueued {
		t.Errorf("expected initial transition to queued, got %+v", history)
	}

	snapshot, err := store.GetArtifact(ctx, run.ID, orchestrator.PhaseSubmit, orchestrator.ArtifactIntentSnapshot)
	if err != nil {
		t.Fatalf("expected snapshot to be indexed with the run: %v", err)
	}
	if snapshot.Handle != run.IntentRef {
		t.Errorf("expected handle %s, got %s", run.IntentRef, snapshot.Handle)
	}

	_, err = store.GetRun(ctx, "missing")
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func testPlanApproveApply(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	run := claim(t, store, "sched-a")
	if run == nil || run.State != orchestrator.StatePlanning {
		t.Fatalf("expected planning claim, got %+v", run)
	}
	if run.ClaimedBy != "sched-a" || run.HeartbeatAt == nil {
		t.Errorf("expected claim fields to be set, got %+v", run)
	}

	code := 0
	run = transition(t, store, orchestrator.TransitionRequest{
		RunID: run.ID, From: orchestrator.StatePlanning, To: orchestrator.StateAwaitingApproval,
		ClaimedBy: "sched-a", ExitCode: &code, Reason: "plan succeeded",
	})
	if run.PlannedAt == nil {
		t.Error("expected planned_at to be set")
	}
	if run.ClaimedBy != "" {
		t.Errorf("expected claim to be cleared, got %q", run.ClaimedBy)
	}

	run = transition(t, store, orchestrator.TransitionRequest{
		RunID: run.ID, From: orchestrator.StateAwaitingApproval, To: orchestrator.StateQueued,
		Mode: orchestrator.ModeApply, Actor: "bob", Reason: "approved",
	})
	if run.Mode != orchestrator.ModeApply || run.ApprovedBy != "bob" || run.ApprovedAt == nil {
		t.Errorf("expected approval fields, got %+v", run)
	}

	run = claim(t, store, "sched-b")
	if run == nil || run.State != orchestrator.StateApplying {
		t.Fatalf("expected applying claim, got %+v", run)
	}

	run = transition(t, store, orchestrator.TransitionRequest{
		RunID: run.ID, From: orchestrator.StateApplying, To: orchestrator.StateApplied,
		ClaimedBy: "sched-b", ExitCode: &code, Reason: "apply succeeded",
	})
	if run.State != orchestrator.StateApplied {
		t.Errorf("expected applied, got %s", run.State)
	}

	persisted, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if persisted.ExitCode == nil || *persisted.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", persisted.ExitCode)
	}

	history, err := store.ListTransitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	want := []orchestrator.RunState{
		orchestrator.StateQueued, orchestrator.StatePlanning, orchestrator.StateAwaitingApproval,
		orchestrator.StateQueued, orchestrator.StateApplying, orchestrator.StateApplied,
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(history))
	}
	for i, rec := range history {
		if rec.To != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], rec.To)
		}
		if i > 0 && rec.At.Before(history[i-1].At) {
			t.Errorf("transition %d is older than its predecessor", i)
		}
	}
}

func testTransitionMismatch(t *testing.T, store Store) {
	ctx := context.Background()
	created := createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	_, _, err := store.Transition(ctx, orchestrator.TransitionRequest{
		RunID: created.ID, From: orchestrator.StateAwaitingApproval, To: orchestrator.StateQueued, Mode: orchestrator.ModeApply,
	})
	if !orchestrator.IsInvalidState(err) {
		t.Fatalf("expected InvalidState, got %v", err)
	}

	run, err := store.GetRun(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.State != orchestrator.StateQueued || run.Mode != orchestrator.ModePlan {
		t.Errorf("expected run to be unchanged, got %+v", run)
	}
	if !run.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("expected updated_at to be unchanged")
	}

	history, _ := store.ListTransitions(ctx, created.ID)
	if len(history) != 1 {
		t.Errorf("expected no history row for a rejected transition, got %d rows", len(history))
	}

	claimed := claim(t, store, "sched-a")
	_, _, err = store.Transition(ctx, orchestrator.TransitionRequest{
		RunID: claimed.ID, From: orchestrator.StatePlanning, To: orchestrator.StateFailed, ClaimedBy: "sched-b",
	})
	if !orchestrator.IsInvalidState(err) || !errors.Is(err, orchestrator.ErrClaimLost) {
		t.Errorf("expected claim mismatch, got %v", err)
	}
}

func testScopeExclusion(t *testing.T, store Store) {
	createRun(t, store, "run-a1", "lab", orchestrator.ModePlan, 0)
	createRun(t, store, "run-a2", "lab", orchestrator.ModePlan, time.Second)
	createRun(t, store, "run-b1", "prod", orchestrator.ModePlan, 2*time.Second)

	first := claim(t, store, "sched")
	second := claim(t, store, "sched")
	if first == nil || first.ID != "run-a1" {
		t.Fatalf("expected run-a1 first, got %+v", first)
	}
	if second == nil || second.ID != "run-b1" {
		t.Fatalf("expected run-b1 to skip the leased scope, got %+v", second)
	}
	if next := claim(t, store, "sched"); next != nil {
		t.Fatalf("expected nothing claimable while lab is leased, got %s", next.ID)
	}

	// The lease is held through review.
	transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-a1", From: orchestrator.StatePlanning, To: orchestrator.StateAwaitingApproval, ClaimedBy: "sched",
	})
	if next := claim(t, store, "sched"); next != nil {
		t.Fatalf("expected lab to stay leased while awaiting approval, got %s", next.ID)
	}

	// The approved run reclaims its own lease ahead of the waiting run.
	transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-a1", From: orchestrator.StateAwaitingApproval, To: orchestrator.StateQueued, Mode: orchestrator.ModeApply, Actor: "bob",
	})
	applying := claim(t, store, "sched")
	if applying == nil || applying.ID != "run-a1" || applying.State != orchestrator.StateApplying {
		t.Fatalf("expected run-a1 to be claimed for apply, got %+v", applying)
	}

	transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-a1", From: orchestrator.StateApplying, To: orchestrator.StateApplied, ClaimedBy: "sched",
	})
	released := claim(t, store, "sched")
	if released == nil || released.ID != "run-a2" {
		t.Fatalf("expected run-a2 after the lease was released, got %+v", released)
	}
}

func testHeartbeat(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)
	run := claim(t, store, "sched-a")
	before := run.UpdatedAt

	requested, err := store.Heartbeat(ctx, run.ID, "sched-a")
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if requested {
		t.Error("expected no cancellation request")
	}

	if _, err := store.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}
	requested, err = store.Heartbeat(ctx, run.ID, "sched-a")
	if err != nil || !requested {
		t.Errorf("expected cancellation to be reported, got %v, %v", requested, err)
	}

	if _, err := store.Heartbeat(ctx, run.ID, "sched-b"); !errors.Is(err, orchestrator.ErrClaimLost) {
		t.Errorf("expected ErrClaimLost for a foreign worker, got %v", err)
	}

	persisted, _ := store.GetRun(ctx, run.ID)
	if !persisted.UpdatedAt.Equal(before) {
		t.Errorf("expected heartbeat and cancel flag to leave updated_at unchanged")
	}
}

func testRequestCancel(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)
	transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-001", From: orchestrator.StateQueued, To: orchestrator.StateCancelled,
		Failure: &orchestrator.Failure{Kind: orchestrator.KindCancelled, Message: "cancelled"},
	})
	terminal, _ := store.GetRun(ctx, "run-001")

	run, err := store.RequestCancel(ctx, "run-001")
	if err != nil {
		t.Fatalf("cancel of a terminal run failed: %v", err)
	}
	if run.CancelRequested {
		t.Error("expected terminal run to stay unflagged")
	}
	if !run.UpdatedAt.Equal(terminal.UpdatedAt) {
		t.Error("expected terminal run to be untouched")
	}
	if run.Failure == nil || run.Failure.Kind != orchestrator.KindCancelled {
		t.Errorf("expected cancelled failure, got %+v", run.Failure)
	}

	createRun(t, store, "run-002", "lab", orchestrator.ModePlan, time.Second)
	if _, err := store.RequestCancel(ctx, "run-002"); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}
	pending, err := store.ListCancelRequested(ctx, orchestrator.StateQueued)
	if err != nil {
		t.Fatalf("failed to list cancel requests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "run-002" {
		t.Errorf("expected run-002 pending cancellation, got %v", pending)
	}
	if next := claim(t, store, "sched"); next != nil {
		t.Errorf("expected flagged run not to be claimed, got %s", next.ID)
	}

	if _, err := store.RequestCancel(ctx, "missing"); !orchestrator.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func testStaleRuns(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModeApply, 0)
	run := claim(t, store, "sched-a")

	stale, err := store.ListStale(ctx, run.HeartbeatAt.Add(-time.Second))
	if err != nil {
		t.Fatalf("failed to list stale runs: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale runs, got %d", len(stale))
	}

	stale, err = store.ListStale(ctx, run.HeartbeatAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to list stale runs: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale run, got %d", len(stale))
	}

	requeued := transition(t, store, orchestrator.TransitionRequest{
		RunID: run.ID, From: orchestrator.StateApplying, To: orchestrator.StateQueued, Reason: "stale",
	})
	if requeued.RequeueCount != 1 || requeued.ClaimedBy != "" {
		t.Errorf("expected requeue count 1 and cleared claim, got %+v", requeued)
	}
	if _, err := store.Heartbeat(ctx, run.ID, "sched-a"); !errors.Is(err, orchestrator.ErrClaimLost) {
		t.Errorf("expected the old claim to be lost, got %v", err)
	}

	again := claim(t, store, "sched-b")
	if again == nil || again.ID != run.ID || again.State != orchestrator.StateApplying {
		t.Errorf("expected the requeued run to be reclaimed, got %+v", again)
	}
}

func testFindApprovedPlan(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	found, err := store.FindApprovedPlan(ctx, "lab", "sha256:lab", time.Time{})
	if err != nil || found != nil {
		t.Fatalf("expected no approved plan, got %v, %v", found, err)
	}

	claim(t, store, "sched")
	transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-001", From: orchestrator.StatePlanning, To: orchestrator.StateAwaitingApproval, ClaimedBy: "sched",
	})
	found, _ = store.FindApprovedPlan(ctx, "lab", "sha256:lab", time.Time{})
	if found != nil {
		t.Fatal("expected an unapproved plan not to match")
	}

	approved := transition(t, store, orchestrator.TransitionRequest{
		RunID: "run-001", From: orchestrator.StateAwaitingApproval, To: orchestrator.StateQueued, Mode: orchestrator.ModeApply, Actor: "bob",
	})
	found, err = store.FindApprovedPlan(ctx, "lab", "sha256:lab", time.Time{})
	if err != nil || found == nil || found.ID != "run-001" {
		t.Fatalf("expected run-001 to match, got %v, %v", found, err)
	}

	if found, _ := store.FindApprovedPlan(ctx, "lab", "sha256:other", time.Time{}); found != nil {
		t.Error("expected a different digest not to match")
	}
	if found, _ := store.FindApprovedPlan(ctx, "lab", "sha256:lab", approved.ApprovedAt.Add(time.Hour)); found != nil {
		t.Error("expected an approval older than the window not to match")
	}
}

func testEvents(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	events := make([]orchestrator.ExecutionEvent, 3)
	for i := range events {
		events[i] = orchestrator.ExecutionEvent{
			RunID:     "run-001",
			Phase:     orchestrator.PhasePlan,
			Seq:       int64(i + 1),
			Timestamp: baseTime.Add(time.Duration(i) * time.Millisecond),
			Stream:    orchestrator.StreamStdout,
			Payload:   fmt.Sprintf("line %d", i+1),
		}
	}
	if err := store.AppendEvents(ctx, events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}
	for i, ev := range events {
		if ev.ID == 0 {
			t.Errorf("event %d: expected ID to be assigned", i)
		}
	}

	seq, err := store.LastEventSeq(ctx, "run-001", orchestrator.PhasePlan)
	if err != nil || seq != 3 {
		t.Errorf("expected last seq 3, got %d, %v", seq, err)
	}
	seq, _ = store.LastEventSeq(ctx, "run-001", orchestrator.PhaseApply)
	if seq != 0 {
		t.Errorf("expected no apply events, got seq %d", seq)
	}

	all, err := store.ListEvents(ctx, "run-001", 0, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 3 || all[0].Payload != "line 1" || all[2].Seq != 3 {
		t.Fatalf("unexpected events: %+v", all)
	}

	rest, _ := store.ListEvents(ctx, "run-001", all[0].ID, 1)
	if len(rest) != 1 || rest[0].Payload != "line 2" {
		t.Errorf("expected cursor to resume after the first event, got %+v", rest)
	}
}

func testArtifacts(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	report := &orchestrator.Artifact{
		RunID:     "run-001",
		Phase:     orchestrator.PhasePlan,
		Name:      orchestrator.ArtifactReport,
		Digest:    "sha256:aaaa",
		Size:      10,
		Handle:    orchestrator.ArtifactHandle("run-001", orchestrator.PhasePlan, orchestrator.ArtifactReport),
		CreatedAt: baseTime.Add(time.Minute),
	}
	stored, err := store.PutArtifact(ctx, report)
	if err != nil {
		t.Fatalf("failed to index artifact: %v", err)
	}
	if stored.Digest != "sha256:aaaa" {
		t.Errorf("unexpected digest %s", stored.Digest)
	}

	conflicting := *report
	conflicting.Digest = "sha256:bbbb"
	existing, err := store.PutArtifact(ctx, &conflicting)
	if err != nil {
		t.Fatalf("failed to index artifact twice: %v", err)
	}
	if existing.Digest != "sha256:aaaa" {
		t.Errorf("expected the first write to win, got %s", existing.Digest)
	}

	list, err := store.ListArtifacts(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list artifacts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected snapshot and report, got %d artifacts", len(list))
	}
	if list[0].Name != orchestrator.ArtifactIntentSnapshot {
		t.Errorf("expected the snapshot first, got %s", list[0].Name)
	}

	_, err = store.GetArtifact(ctx, "run-001", orchestrator.PhaseApply, orchestrator.ArtifactReport)
	if !orchestrator.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func testAudit(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	entry := &orchestrator.AuditEntry{RunID: "run-001", Action: orchestrator.AuditRunSubmitted, Actor: "alice", Detail: `{"mode":"plan"}`}
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("failed to append audit entry: %v", err)
	}
	if entry.ID == 0 || entry.CreatedAt.IsZero() {
		t.Errorf("expected ID and timestamp to be set, got %+v", entry)
	}
	if err := store.AppendAudit(ctx, &orchestrator.AuditEntry{RunID: "run-001", Action: orchestrator.AuditRunApproved, Actor: "bob"}); err != nil {
		t.Fatalf("failed to append audit entry: %v", err)
	}

	entries, err := store.ListAudit(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != orchestrator.AuditRunSubmitted || entries[1].Actor != "bob" {
		t.Errorf("unexpected audit entries: %+v", entries)
	}
}

func testListRuns(t *testing.T, store Store) {
	ctx := context.Background()
	createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)
	createRun(t, store, "run-002", "prod", orchestrator.ModePlan, time.Second)
	createRun(t, store, "run-003", "lab", orchestrator.ModePlan, 2*time.Second)

	all, err := store.ListRuns(ctx, orchestrator.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-003" {
		t.Errorf("expected newest first, got %d runs", len(all))
	}

	lab, _ := store.ListRuns(ctx, orchestrator.RunFilter{Scope: "lab", Limit: 1})
	if len(lab) != 1 || lab[0].ID != "run-003" {
		t.Errorf("expected the newest lab run, got %+v", lab)
	}

	claim(t, store, "sched")
	planning, _ := store.ListRuns(ctx, orchestrator.RunFilter{State: orchestrator.StatePlanning})
	if len(planning) != 1 || planning[0].ID != "run-001" {
		t.Errorf("expected run-001 planning, got %+v", planning)
	}
}

func testConcurrentClaims(t *testing.T, store Store) {
	scopes := []string{"lab", "prod", "edge"}
	for i := 0; i < 12; i++ {
		createRun(t, store, fmt.Sprintf("run-%03d", i), scopes[i%len(scopes)], orchestrator.ModePlan, time.Duration(i)*time.Second)
	}

	var (
		mu      sync.Mutex
		claimed []*orchestrator.Run
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				run, _, err := store.ClaimNext(context.Background(), orchestrator.ClaimRequest{WorkerID: worker})
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if run != nil {
					mu.Lock()
					claimed = append(claimed, run)
					mu.Unlock()
				}
			}
		}(fmt.Sprintf("sched-%d", w))
	}
	wg.Wait()

	if len(claimed) != len(scopes) {
		t.Fatalf("expected exactly one claim per scope, got %d", len(claimed))
	}
	seen := make(map[string]string)
	for _, run := range claimed {
		if other, ok := seen[run.Scope]; ok {
			t.Errorf("scope %s held by %s and %s", run.Scope, other, run.ID)
		}
		seen[run.Scope] = run.ID
	}
}
