package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netintent/netintent/pkg/artifacts"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/stores"
	"github.com/rs/zerolog"
)

const testWorker = "worker-1"

// recordingObserver records every committed transition.
type recordingObserver struct {
	mu          sync.Mutex
	transitions map[string][]orchestrator.TransitionRecord
	events      int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{transitions: make(map[string][]orchestrator.TransitionRecord)}
}

func (o *recordingObserver) OnTransition(_ context.Context, run *orchestrator.Run, rec orchestrator.TransitionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[run.ID] = append(o.transitions[run.ID], rec)
}

func (o *recordingObserver) OnEvents(_ context.Context, events []orchestrator.ExecutionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events += len(events)
}

func (o *recordingObserver) path(runID string) []orchestrator.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	var states []orchestrator.RunState
	for _, rec := range o.transitions[runID] {
		states = append(states, rec.To)
	}
	return states
}

// engineOutcome scripts one engine invocation.
type engineOutcome struct {
	lines    []string
	status   orchestrator.ExitStatus
	exitCode int
	summary  *orchestrator.ChangeSummary
	rendered []byte

	// gate, if set, holds the execution until it is closed or cancellation fires.
	gate chan struct{}
}

// scriptedEngine is an EngineAdapter returning scripted outcomes.
type scriptedEngine struct {
	mu       sync.Mutex
	requests []orchestrator.ExecutionRequest
	behave   func(call int, req orchestrator.ExecutionRequest) engineOutcome

	active      map[string]int
	maxPerScope int
	started     chan string
}

func newScriptedEngine(behave func(call int, req orchestrator.ExecutionRequest) engineOutcome) *scriptedEngine {
	return &scriptedEngine{
		behave:  behave,
		active:  make(map[string]int),
		started: make(chan string, 64),
	}
}

func succeeding(lines ...string) func(int, orchestrator.ExecutionRequest) engineOutcome {
	return func(int, orchestrator.ExecutionRequest) engineOutcome {
		return engineOutcome{lines: lines, status: orchestrator.ExitSucceeded}
	}
}

func (e *scriptedEngine) Execute(_ context.Context, req orchestrator.ExecutionRequest) (orchestrator.Execution, error) {
	e.mu.Lock()
	call := len(e.requests)
	e.requests = append(e.requests, req)
	e.active[req.Scope]++
	if e.active[req.Scope] > e.maxPerScope {
		e.maxPerScope = e.active[req.Scope]
	}
	e.mu.Unlock()

	out := e.behave(call, req)
	archive := spoolRendered(out.rendered)
	x := &scriptedExecution{
		events: make(chan orchestrator.ExecutionEvent, len(out.lines)),
		done:   make(chan struct{}),
	}
	e.started <- req.RunID

	go func() {
		started := time.Now()
		for i, line := range out.lines {
			x.events <- orchestrator.ExecutionEvent{
				Seq:       int64(i + 1),
				Timestamp: time.Now().UTC(),
				Stream:    orchestrator.StreamStdout,
				Payload:   line,
			}
		}

		status, code := out.status, out.exitCode
		if out.gate != nil {
			select {
			case <-out.gate:
			case <-req.Cancel:
				status, code = orchestrator.ExitCancelled, -1
			}
		}

		e.mu.Lock()
		e.active[req.Scope]--
		e.mu.Unlock()

		close(x.events)
		x.result = &orchestrator.ExecutionResult{
			Status:          status,
			ExitCode:        code,
			StartedAt:       started,
			FinishedAt:      time.Now(),
			Summary:         out.summary,
			RenderedArchive: archive,
		}
		close(x.done)
	}()
	return x, nil
}

// spoolRendered writes rendered output to a temp file the way the runner does.
func spoolRendered(rendered []byte) string {
	if len(rendered) == 0 {
		return ""
	}
	f, err := os.CreateTemp("", "netintent-rendered-*.tar")
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := f.Write(rendered); err != nil {
		os.Remove(f.Name())
		return ""
	}
	return f.Name()
}

func (e *scriptedEngine) calls() []orchestrator.ExecutionRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]orchestrator.ExecutionRequest(nil), e.requests...)
}

type scriptedExecution struct {
	events chan orchestrator.ExecutionEvent
	done   chan struct{}
	result *orchestrator.ExecutionResult
}

func (x *scriptedExecution) Events() <-chan orchestrator.ExecutionEvent { return x.events }

func (x *scriptedExecution) Wait() (*orchestrator.ExecutionResult, error) {
	<-x.done
	return x.result, nil
}

type harness struct {
	store     *stores.SQLiteStore
	artifacts *artifacts.Store
	observer  *recordingObserver
	machine   *orchestrator.Machine
	engine    *scriptedEngine
	worker    *orchestrator.Worker
}

func setupHarness(t *testing.T, engine *scriptedEngine) *harness {
	t.Helper()
	h := setupHarnessWithEngine(t, engine)
	h.engine = engine
	return h
}

// setupHarnessWithEngine builds a harness around any engine adapter.
func setupHarnessWithEngine(t *testing.T, engine orchestrator.EngineAdapter) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "netintent.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	backend, err := artifacts.NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create artifact backend: %v", err)
	}
	arts := artifacts.NewStore(backend, store, t.TempDir(), zerolog.Nop())

	observer := newRecordingObserver()
	machine := orchestrator.NewMachine(store, zerolog.Nop(), observer)
	worker := orchestrator.NewWorker(orchestrator.WorkerConfig{
		ID:                 testWorker,
		HeartbeatInterval:  20 * time.Millisecond,
		EventBatchSize:     4,
		EventFlushInterval: 10 * time.Millisecond,
	}, machine, arts, engine, nil, zerolog.Nop())

	return &harness{
		store:     store,
		artifacts: arts,
		observer:  observer,
		machine:   machine,
		worker:    worker,
	}
}

// submit creates a queued run the way the control service does.
func (h *harness) submit(t *testing.T, id, scope string, mode orchestrator.Mode) *orchestrator.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	snapshot, err := json.Marshal(orchestrator.IntentSnapshot{
		RunID:        id,
		Scope:        scope,
		TemplateSet:  "base",
		IntentFormat: "yaml",
		Intent:       []byte("vlans: [10]\n"),
		IntentDigest: "sha256:intent-" + scope,
		Inventory:    []byte("all: {}\n"),
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	staged, err := h.artifacts.Stage(ctx, id, orchestrator.PhaseSubmit, orchestrator.ArtifactIntentSnapshot, bytes.NewReader(snapshot))
	if err != nil {
		t.Fatalf("failed to stage snapshot: %v", err)
	}

	run := &orchestrator.Run{
		ID:           id,
		Mode:         mode,
		Scope:        scope,
		TemplateSet:  "base",
		State:        orchestrator.StateQueued,
		IntentRef:    staged.Handle,
		IntentDigest: "sha256:intent-" + scope,
		ArtifactPath: orchestrator.ArtifactRoot(id),
		SubmittedBy:  "alice",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateRun(ctx, run, staged); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	h.machine.NotifyCreated(ctx, run)
	return run
}

// step claims the next run and executes it synchronously.
func (h *harness) step(t *testing.T) *orchestrator.Run {
	t.Helper()
	ctx := context.Background()
	run, err := h.machine.Claim(ctx, testWorker)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if run == nil {
		t.Fatal("expected a claimable run")
	}
	if err := h.worker.Execute(ctx, run); err != nil {
		t.Fatalf("failed to execute run %s: %v", run.ID, err)
	}
	return h.get(t, run.ID)
}

func (h *harness) get(t *testing.T, id string) *orchestrator.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get run %s: %v", id, err)
	}
	return run
}

func (h *harness) approve(t *testing.T, id string) *orchestrator.Run {
	t.Helper()
	run, err := h.machine.Transition(context.Background(), orchestrator.TransitionRequest{
		RunID:  id,
		From:   orchestrator.StateAwaitingApproval,
		To:     orchestrator.StateQueued,
		Mode:   orchestrator.ModeApply,
		Reason: "approved",
		Actor:  "bob",
	})
	if err != nil {
		t.Fatalf("failed to approve %s: %v", id, err)
	}
	return run
}

func (h *harness) readArtifact(t *testing.T, id string, phase orchestrator.Phase, name orchestrator.ArtifactName) []byte {
	t.Helper()
	rc, _, err := h.artifacts.Open(context.Background(), id, phase, name)
	if err != nil {
		t.Fatalf("failed to open %s/%s: %v", phase, name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read %s/%s: %v", phase, name, err)
	}
	return data
}

func (h *harness) report(t *testing.T, id string, phase orchestrator.Phase) orchestrator.Report {
	t.Helper()
	var r orchestrator.Report
	if err := json.Unmarshal(h.readArtifact(t, id, phase, orchestrator.ArtifactReport), &r); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	return r
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
