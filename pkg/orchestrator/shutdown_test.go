//go:build unix

package orchestrator_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/runner"
	"github.com/rs/zerolog"
)

func TestShutdownAbandonsRunningEngine(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	adapter, err := runner.NewAdapter(runner.Config{
		WorkRoot: t.TempDir(),
		Command:  []string{"/bin/sh", "-c", "echo started; sleep 30", "engine"},
		Timeout:  time.Hour,
	}, runner.NewProcessRuntime(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	h := setupHarnessWithEngine(t, adapter)
	h.submit(t, "run-001", "lab", orchestrator.ModePlan)

	scheduler := orchestrator.NewScheduler(orchestrator.SchedulerConfig{
		InstanceID:    testWorker,
		PollInterval:  20 * time.Millisecond,
		ShutdownGrace: 200 * time.Millisecond,
	}, h.machine, h.worker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	waitFor(t, 5*time.Second, "engine output", func() bool {
		events, err := h.store.ListEvents(context.Background(), "run-001", 0, 0)
		return err == nil && len(events) > 0
	})

	cancel()
	stopped := time.Now()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("scheduler returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler kept waiting for the engine after the shutdown grace")
	}
	if elapsed := time.Since(stopped); elapsed > 5*time.Second {
		t.Errorf("shutdown took %s with a 200ms grace", elapsed)
	}
	if n := scheduler.ActiveExecutions(); n != 0 {
		t.Errorf("expected no active executions, got %d", n)
	}

	// The abandoned run keeps its claim for the stale-claim reaper.
	run := h.get(t, "run-001")
	if run.State != orchestrator.StatePlanning || run.ClaimedBy != testWorker {
		t.Errorf("expected the run to stay claimed in planning, got %s by %q", run.State, run.ClaimedBy)
	}
}
