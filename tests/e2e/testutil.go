package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/broker"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/executor"
	"github.com/nidhogg/overseer/internal/lease"
	"github.com/nidhogg/overseer/internal/policy"
	"github.com/nidhogg/overseer/internal/projection"
	"github.com/nidhogg/overseer/internal/runner"
	"github.com/nidhogg/overseer/internal/scheduler"
	"github.com/nidhogg/overseer/internal/workflow"
)

// Package-level shared state, set by TestMain and used by all tests.
var (
	testLogger   *zap.Logger
	testPGDSN    string
	testRedisURL string
	dockerErr    error
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("overseer_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if dockerErr != nil {
		t.Skipf("docker unavailable: %v", dockerErr)
	}
}

// stack is a complete single-node engine wired against the shared containers.
type stack struct {
	Log       *eventlog.Log
	Artifacts *artifact.Store
	Store     *projection.PostgresStore
	Approvals *policy.Approvals
	Sched     *scheduler.Scheduler
	Base      string // HTTP API base URL
}

// newStack builds the full engine over fresh data directories and the shared
// Postgres/Redis containers. brokerHandler serves the capacity broker side;
// leadership comes from a real Redis lease keyed per test.
func newStack(t *testing.T, brokerHandler http.Handler) *stack {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	bus := event.NewBus(testLogger)
	t.Cleanup(bus.Close)

	elog, err := eventlog.New(t.TempDir(), bus, testLogger)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	t.Cleanup(func() { elog.Close() })

	artifacts, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}

	store, err := projection.NewPostgresStore(ctx, testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("postgres store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset projection: %v", err)
	}

	brokerSrv := httptest.NewServer(brokerHandler)
	t.Cleanup(brokerSrv.Close)
	capBroker := broker.NewHTTPBroker(broker.Config{
		Endpoint: brokerSrv.URL,
		Timeout:  10 * time.Second,
	}, testLogger)

	opts, err := redis.ParseURL(testRedisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	leaseCtx, stopLease := context.WithCancel(context.Background())
	t.Cleanup(stopLease)
	ls := lease.NewRedisLease(client, "e2e:lease:"+t.Name(), 2*time.Second, testLogger)
	go ls.Run(leaseCtx)
	waitFor(t, 5*time.Second, ls.IsLeader)

	approvals := policy.NewApprovals(testLogger)
	scripts := runner.NewScriptRunner(t.TempDir(), testLogger)
	exec := executor.New(elog, artifacts, capBroker, scripts, nil, approvals, testLogger)

	sched := scheduler.New(scheduler.Config{Workers: 4, Poll: 20 * time.Millisecond},
		elog, exec, store, ls, testLogger)
	t.Cleanup(sched.Shutdown)

	h := api.NewHandler(sched, store, elog, artifacts, approvals, ls, testLogger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &stack{
		Log:       elog,
		Artifacts: artifacts,
		Store:     store,
		Approvals: approvals,
		Sched:     sched,
		Base:      srv.URL,
	}
}

// submit posts a spec through the HTTP API and returns the new run id.
func (s *stack) submit(t *testing.T, spec *workflow.Spec, workItemID string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"work_item_id": workItemID,
		"spec":         spec,
	})
	if err != nil {
		t.Fatalf("encode spec: %v", err)
	}
	resp, err := http.Post(s.Base+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", resp.StatusCode)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out.RunID
}

// getRun fetches one run projection through the HTTP API.
func (s *stack) getRun(t *testing.T, runID string) *workflow.Run {
	t.Helper()
	resp, err := http.Get(s.Base + "/api/runs/" + runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d, want 200", resp.StatusCode)
	}
	var run workflow.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return &run
}

// getEvents fetches a run's event history through the HTTP API.
func (s *stack) getEvents(t *testing.T, runID string) []event.Event {
	t.Helper()
	resp, err := http.Get(s.Base + "/api/runs/" + runID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get events status = %d, want 200", resp.StatusCode)
	}
	var events []event.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	return events
}

// waitRun polls the API until the run reaches the wanted status.
func (s *stack) waitRun(t *testing.T, runID string, want workflow.RunStatus, timeout time.Duration) *workflow.Run {
	t.Helper()
	var last *workflow.Run
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		last = s.getRun(t, runID)
		if last.Status == want {
			return last
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s, last status %s", runID, want, last.Status)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
