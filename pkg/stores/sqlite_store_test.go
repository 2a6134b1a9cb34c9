package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "netintent.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return setupTestStore(t) })
}

func TestSQLiteConfig(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
	if _, err := NewSQLiteStore(Config{Path: ":memory:"}); err == nil {
		t.Error("expected an error for an in-memory database")
	}
}

// TestStoreMigrations checks that every table exists and migrating twice is a no-op.
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "scope_leases", "run_transitions", "execution_events", "artifacts", "audit_log"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

// TestUpdatedAtIsMonotonic checks that a clock stepping backwards never moves updated_at back.
func TestUpdatedAtIsMonotonic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	created := createRun(t, store, "run-001", "lab", orchestrator.ModePlan, 0)

	store.now = func() time.Time { return created.CreatedAt.Add(-time.Hour) }

	run, _, err := store.ClaimNext(ctx, orchestrator.ClaimRequest{WorkerID: "sched"})
	if err != nil || run == nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if run.UpdatedAt.Before(created.UpdatedAt) {
		t.Errorf("updated_at moved backwards: %v < %v", run.UpdatedAt, created.UpdatedAt)
	}

	failed, _, err := store.Transition(ctx, orchestrator.TransitionRequest{
		RunID: run.ID, From: orchestrator.StatePlanning, To: orchestrator.StateFailed, ClaimedBy: "sched",
		Failure: &orchestrator.Failure{Kind: orchestrator.KindEngineFailure, Message: "engine exited with code 2"},
	})
	if err != nil {
		t.Fatalf("failed to transition: %v", err)
	}
	if failed.UpdatedAt.Before(run.UpdatedAt) {
		t.Errorf("updated_at moved backwards on transition")
	}

	var leases int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scope_leases").Scan(&leases); err != nil {
		t.Fatalf("failed to count leases: %v", err)
	}
	if leases != 0 {
		t.Errorf("expected the terminal transition to release the lease, found %d", leases)
	}
}
