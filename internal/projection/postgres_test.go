package projection

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/workflow"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("overseer"),
		tcpostgres.WithUsername("overseer"),
		tcpostgres.WithPassword("overseer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	store, err := NewPostgresStore(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresRoundTrip(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := &workflow.Run{
		ID:         "run-pg-1",
		WorkItemID: "wi-1",
		Status:     workflow.RunRunning,
		StartedAt:  now,
		Steps: []workflow.StepState{
			{ID: "a", Status: workflow.StepRunning, Attempt: 1},
		},
	}
	if err := store.UpsertRun(ctx, run); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetRun(ctx, "run-pg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.RunRunning || got.WorkItemID != "wi-1" {
		t.Errorf("got %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].Status != workflow.StepRunning {
		t.Errorf("steps = %+v", got.Steps)
	}

	// Upsert replaces the previous row.
	done := now.Add(time.Minute)
	run.Status = workflow.RunCompleted
	run.CompletedAt = &done
	run.Steps[0].Status = workflow.StepCompleted
	if err := store.UpsertRun(ctx, run); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = store.GetRun(ctx, "run-pg-1")
	if got.Status != workflow.RunCompleted || got.CompletedAt == nil {
		t.Errorf("after update: %+v", got)
	}

	if _, err := store.GetRun(ctx, "ghost"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPostgresListAndReset(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, status := range []workflow.RunStatus{workflow.RunCompleted, workflow.RunFailed} {
		run := &workflow.Run{
			ID:         []string{"r1", "r2"}[i],
			WorkItemID: "wi-x",
			Status:     status,
			StartedAt:  now.Add(time.Duration(i) * time.Minute),
			Steps:      []workflow.StepState{},
		}
		if err := store.UpsertRun(ctx, run); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, Filter{WorkItemID: "wi-x"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Errorf("runs = %v, want [r2 r1] newest first", ids(runs))
	}

	runs, _ = store.ListRuns(ctx, Filter{Status: workflow.RunFailed, Limit: 5})
	if len(runs) != 1 || runs[0].ID != "r2" {
		t.Errorf("failed runs = %v, want [r2]", ids(runs))
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	runs, _ = store.ListRuns(ctx, Filter{})
	if len(runs) != 0 {
		t.Errorf("after reset got %d runs, want 0", len(runs))
	}
}
