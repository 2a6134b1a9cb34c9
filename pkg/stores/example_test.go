package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating, claiming and finishing a run.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "netintent-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "netintent.db")})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	now := time.Now()
	run := &orchestrator.Run{
		ID:           "run-001",
		Mode:         orchestrator.ModePlan,
		Scope:        "lab",
		TemplateSet:  "base",
		State:        orchestrator.StateQueued,
		IntentDigest: "sha256:example",
		ArtifactPath: orchestrator.ArtifactRoot("run-001"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateRun(ctx, run, nil); err != nil {
		log.Fatal(err)
	}

	claimed, _, err := store.ClaimNext(ctx, orchestrator.ClaimRequest{WorkerID: "scheduler-1"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Claimed %s: %s\n", claimed.ID, claimed.State)

	done, _, err := store.Transition(ctx, orchestrator.TransitionRequest{
		RunID:     claimed.ID,
		From:      orchestrator.StatePlanning,
		To:        orchestrator.StateAwaitingApproval,
		ClaimedBy: "scheduler-1",
		Reason:    "plan succeeded",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Run %s: %s\n", done.ID, done.State)

	// Output:
	// Claimed run-001: planning
	// Run run-001: awaiting_approval
}
