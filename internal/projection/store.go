package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/nidhogg/overseer/internal/workflow"
)

// ErrNotFound is returned when no projection exists for a run id.
var ErrNotFound = errors.New("run not found")

// Filter narrows ListRuns results. Zero values match everything.
type Filter struct {
	Status     workflow.RunStatus
	WorkItemID string
	Limit      int
}

// Store holds queryable run projections. Implementations are caches over
// the event log: upserts may be applied eagerly, and the whole store can be
// wiped and rebuilt from events without loss of truth.
type Store interface {
	UpsertRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, runID string) (*workflow.Run, error)
	ListRuns(ctx context.Context, f Filter) ([]*workflow.Run, error)
	Reset(ctx context.Context) error
}

// MemoryStore is an in-process projection store for tests and single-node
// deployments without PostgreSQL.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*workflow.Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*workflow.Run)}
}

// UpsertRun stores a copy of the run.
func (m *MemoryStore) UpsertRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun returns a copy of the stored run, or ErrNotFound.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns matching runs, most recently started first.
func (m *MemoryStore) ListRuns(_ context.Context, f Filter) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.Run
	for _, run := range m.runs {
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		if f.WorkItemID != "" && run.WorkItemID != f.WorkItemID {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Reset discards all projections.
func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = make(map[string]*workflow.Run)
	return nil
}

// cloneRun deep-copies a run via JSON round-trip; projections are small.
func cloneRun(run *workflow.Run) *workflow.Run {
	data, _ := json.Marshal(run)
	var out workflow.Run
	_ = json.Unmarshal(data, &out)
	return &out
}
