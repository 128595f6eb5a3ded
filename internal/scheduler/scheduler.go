// Package scheduler owns run execution: it turns validated specs into runs,
// dispatches ready steps onto a bounded worker pool, folds every appended
// event back through the shared projector and decides when a run is done.
// Dispatch is gated on the leadership lease; standbys keep the log and the
// projection readable but start no work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/dag"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/executor"
	"github.com/nidhogg/overseer/internal/lease"
	"github.com/nidhogg/overseer/internal/projection"
	"github.com/nidhogg/overseer/internal/replay"
	"github.com/nidhogg/overseer/internal/workflow"
)

// ErrRunNotFound is returned for operations on unknown or finished runs.
var ErrRunNotFound = errors.New("run not found")

// Config tunes the scheduler.
type Config struct {
	// Workers bounds concurrently executing step attempts across all runs.
	Workers int
	// FailFast cancels a run's remaining work on the first terminal step
	// failure instead of letting unrelated branches finish.
	FailFast bool
	// Poll is how often idle run loops re-check leadership and capacity.
	Poll time.Duration
}

// Scheduler executes workflow runs.
type Scheduler struct {
	cfg    Config
	log    *eventlog.Log
	exec   *executor.Executor
	store  projection.Store
	leader lease.Leadership
	logger *zap.Logger

	slots chan struct{} // global worker pool

	// Run loops outlive the requests that submit them; they stop on Shutdown.
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
}

// runHandle is the control surface the API uses to reach a live run loop.
type runHandle struct {
	cancelReq chan string
	once      sync.Once
}

// New creates a scheduler. The worker pool defaults to 4 slots.
func New(cfg Config, log *eventlog.Log, exec *executor.Executor, store projection.Store,
	leader lease.Leadership, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if leader == nil {
		leader = lease.Static{Leader: true}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		log:    log,
		exec:   exec,
		store:  store,
		leader: leader,
		logger: logger,
		slots:  make(chan struct{}, cfg.Workers),
		ctx:    ctx,
		stop:   stop,
		active: make(map[string]*runHandle),
	}
}

// Shutdown stops all run loops and waits for them to drain. Unfinished runs
// stay non-terminal in the log and resume through recovery on next start.
func (s *Scheduler) Shutdown() {
	s.stop()
	s.wg.Wait()
}

// Submit validates the spec, records run_started and starts the run loop.
// Validation failures are returned to the caller before any state exists.
func (s *Scheduler) Submit(ctx context.Context, spec *workflow.Spec, workItemID string) (string, error) {
	graph, err := dag.Build(spec)
	if err != nil {
		return "", fmt.Errorf("invalid workflow: %w", err)
	}

	runID := uuid.New().String()
	e := event.New(runID, event.KindRunStarted)
	e.WorkItemID = workItemID
	e.Spec = spec
	seq, err := s.log.Append(ctx, e)
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}

	// Fold the event we just appended so the loop's sync resumes at seq 2.
	st := &replay.State{Proj: projection.NewProjector(), Retries: make(map[string]replay.RetryEntry)}
	e.Seq = seq
	st.Proj.Apply(e)
	st.LastSeq = seq

	s.start(runID, graph, spec, st)
	s.logger.Info("run submitted",
		zap.String("run", runID), zap.String("work_item", workItemID),
		zap.Int("steps", graph.Len()))
	return runID, nil
}

// RecoverAll scans the log for unfinished runs, repairs each through the
// replay package and resumes its loop. Called once at startup, before the
// API starts accepting submissions.
func (s *Scheduler) RecoverAll(ctx context.Context, recover func(context.Context, string) (*replay.State, error)) error {
	runIDs, err := s.log.Runs()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, runID := range runIDs {
		st, err := recover(ctx, runID)
		if err != nil {
			s.logger.Error("recovery failed, run left untouched",
				zap.String("run", runID), zap.Error(err))
			continue
		}
		run := st.Proj.Run()
		if run == nil {
			continue
		}
		if err := s.store.UpsertRun(ctx, run); err != nil {
			return fmt.Errorf("restore projection for run %s: %w", runID, err)
		}
		if run.Status.Terminal() {
			continue
		}
		graph, err := dag.Build(st.Proj.Spec())
		if err != nil {
			s.logger.Error("recovered run has invalid spec", zap.String("run", runID), zap.Error(err))
			continue
		}
		s.logger.Info("resuming run", zap.String("run", runID))
		s.start(runID, graph, st.Proj.Spec(), st)
	}
	return nil
}

// Cancel requests cooperative cancellation of a live run.
func (s *Scheduler) Cancel(runID, reason string) error {
	s.mu.Lock()
	h, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	h.once.Do(func() {
		h.cancelReq <- reason
	})
	return nil
}

func (s *Scheduler) start(runID string, graph *dag.Graph, spec *workflow.Spec, st *replay.State) {
	h := &runHandle{cancelReq: make(chan string, 1)}
	s.mu.Lock()
	s.active[runID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			s.log.CloseRun(runID)
		}()
		s.loop(s.ctx, runID, graph, spec, st, h)
	}()
}

type stepResult struct {
	stepID  string
	outcome executor.Outcome
	err     error
}

// slotToken is one attempt's claim on the worker pool. The executor releases
// it while parked on an approval; the worker goroutine releases it at exit.
type slotToken struct {
	ch   chan struct{}
	held bool
}

func (t *slotToken) Release() {
	if t.held {
		<-t.ch
		t.held = false
	}
}

func (t *slotToken) Acquire(ctx context.Context) error {
	if t.held {
		return nil
	}
	select {
	case t.ch <- struct{}{}:
		t.held = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop drives one run to a terminal state. All mutation flows through the
// event log; the loop's in-memory sets are rebuilt from the projection so a
// resumed loop and a fresh one are indistinguishable.
func (s *Scheduler) loop(ctx context.Context, runID string, graph *dag.Graph, spec *workflow.Spec, st *replay.State, h *runHandle) {
	attemptCtx, cancelAttempts := context.WithCancel(ctx)
	defer cancelAttempts()

	results := make(chan stepResult, s.cfg.Workers)
	completed := make(map[string]struct{})
	terminal := make(map[string]struct{}) // completed, failed or skipped
	inflight := make(map[string]struct{})
	failed := false
	retries := st.Retries
	if retries == nil {
		retries = make(map[string]replay.RetryEntry)
	}

	if run := st.Proj.Run(); run != nil {
		for _, ss := range run.Steps {
			if ss.Status == workflow.StepCompleted {
				completed[ss.ID] = struct{}{}
			}
			if ss.Status.Terminal() {
				terminal[ss.ID] = struct{}{}
			}
			if ss.Status == workflow.StepFailed || ss.Status == workflow.StepSkipped {
				failed = true
			}
		}
	}

	cancelling := false
	cancelReason := ""

	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		if !cancelling {
			s.dispatch(attemptCtx, runID, graph, spec, st, completed, terminal, inflight, retries, results)
		}

		if done, status, reason := s.decide(graph, terminal, inflight, retries, failed, cancelling, cancelReason); done {
			s.finish(ctx, runID, st, status, reason)
			return
		}

		select {
		case <-ctx.Done():
			// Process shutdown. The run stays non-terminal in the log and is
			// repaired by recovery on the next start.
			return

		case reason := <-h.cancelReq:
			cancelling = true
			cancelReason = reason
			cancelAttempts()
			for id := range retries {
				delete(retries, id)
			}

		case res := <-results:
			delete(inflight, res.stepID)
			if res.err != nil {
				s.logger.Error("step attempt hit infrastructure failure",
					zap.String("run", runID), zap.String("step", res.stepID), zap.Error(res.err))
				s.finish(ctx, runID, st, workflow.RunFailed, "infrastructure: "+res.err.Error())
				return
			}
			s.sync(ctx, runID, st)

			switch res.outcome.Status {
			case workflow.StepCompleted:
				completed[res.stepID] = struct{}{}
				terminal[res.stepID] = struct{}{}
			case workflow.StepRetrying:
				retries[res.stepID] = replay.RetryEntry{
					Attempt:   res.outcome.NextAttempt,
					NotBefore: res.outcome.NotBefore,
				}
			case workflow.StepFailed:
				terminal[res.stepID] = struct{}{}
				failed = true
				if !cancelling {
					s.propagateSkips(ctx, runID, graph, st, res.stepID, terminal, inflight, retries)
					if s.cfg.FailFast {
						cancelAttempts()
						for id := range retries {
							delete(retries, id)
						}
						s.skipRemaining(ctx, runID, graph, st, terminal, inflight, "fail-fast after step "+res.stepID)
					}
				}
			}

		case <-ticker.C:
			// Re-check leadership, freed slots and due retries.
		}
	}
}

// dispatch starts every runnable step the worker pool has room for. Due
// retries go first so delayed attempts are not starved by fresh steps.
func (s *Scheduler) dispatch(ctx context.Context, runID string, graph *dag.Graph, spec *workflow.Spec,
	st *replay.State, completed, terminal, inflight map[string]struct{},
	retries map[string]replay.RetryEntry, results chan stepResult) {
	if !s.leader.IsLeader() {
		return
	}
	now := time.Now().UTC()

	for id, entry := range retries {
		if entry.NotBefore.After(now) {
			continue
		}
		if !s.launch(ctx, runID, spec, st, id, entry.Attempt, inflight, results) {
			return
		}
		delete(retries, id)
	}

	excluded := make(map[string]struct{}, len(terminal)+len(inflight)+len(retries))
	for id := range terminal {
		excluded[id] = struct{}{}
	}
	for id := range inflight {
		excluded[id] = struct{}{}
	}
	for id := range retries {
		excluded[id] = struct{}{}
	}

	for _, id := range graph.Ready(completed, excluded) {
		if !s.launch(ctx, runID, spec, st, id, 1, inflight, results) {
			return
		}
	}
}

// launch claims a worker slot and starts one attempt. Returns false when the
// pool is full.
func (s *Scheduler) launch(ctx context.Context, runID string, spec *workflow.Spec, st *replay.State,
	stepID string, attempt int, inflight map[string]struct{}, results chan stepResult) bool {
	select {
	case s.slots <- struct{}{}:
	default:
		return false
	}

	step, ok := spec.Step(stepID)
	if !ok {
		<-s.slots
		return true
	}

	se := event.New(runID, event.KindStepScheduled)
	se.StepID = stepID
	se.Attempt = attempt
	if _, err := s.log.Append(ctx, se); err != nil {
		<-s.slots
		s.logger.Error("record step schedule failed",
			zap.String("run", runID), zap.String("step", stepID), zap.Error(err))
		return true
	}
	s.sync(ctx, runID, st)
	inflight[stepID] = struct{}{}

	token := &slotToken{ch: s.slots, held: true}
	go func() {
		outcome, err := s.exec.ExecuteAttempt(ctx, runID, step, attempt, token)
		token.Release()
		results <- stepResult{stepID: stepID, outcome: outcome, err: err}
	}()
	return true
}

// propagateSkips marks every transitive dependent of a dead step as skipped.
func (s *Scheduler) propagateSkips(ctx context.Context, runID string, graph *dag.Graph, st *replay.State,
	failedStep string, terminal, inflight map[string]struct{}, retries map[string]replay.RetryEntry) {
	for _, id := range graph.TransitiveDependents(failedStep) {
		if _, done := terminal[id]; done {
			continue
		}
		if _, running := inflight[id]; running {
			continue
		}
		delete(retries, id)
		s.skip(ctx, runID, st, id, "dependency "+failedStep+" failed")
		terminal[id] = struct{}{}
	}
}

// skipRemaining skips every step that is neither terminal nor in flight.
func (s *Scheduler) skipRemaining(ctx context.Context, runID string, graph *dag.Graph, st *replay.State,
	terminal, inflight map[string]struct{}, reason string) {
	for _, id := range graph.IDs() {
		if _, done := terminal[id]; done {
			continue
		}
		if _, running := inflight[id]; running {
			continue
		}
		s.skip(ctx, runID, st, id, reason)
		terminal[id] = struct{}{}
	}
}

func (s *Scheduler) skip(ctx context.Context, runID string, st *replay.State, stepID, reason string) {
	e := event.New(runID, event.KindStepSkipped)
	e.StepID = stepID
	e.Reason = reason
	if _, err := s.log.Append(ctx, e); err != nil {
		s.logger.Error("record step skip failed",
			zap.String("run", runID), zap.String("step", stepID), zap.Error(err))
		return
	}
	s.sync(ctx, runID, st)
}

// decide determines whether the run is finished and with what status.
func (s *Scheduler) decide(graph *dag.Graph, terminal, inflight map[string]struct{},
	retries map[string]replay.RetryEntry, failed, cancelling bool, cancelReason string) (bool, workflow.RunStatus, string) {
	if len(inflight) > 0 {
		return false, "", ""
	}
	if cancelling {
		return true, workflow.RunCancelled, cancelReason
	}
	if len(retries) > 0 {
		return false, "", ""
	}
	if len(terminal) == graph.Len() {
		if failed {
			return true, workflow.RunFailed, "one or more steps failed"
		}
		return true, workflow.RunCompleted, ""
	}
	return false, "", ""
}

// finish records the run's terminal event and flushes the projection.
func (s *Scheduler) finish(ctx context.Context, runID string, st *replay.State, status workflow.RunStatus, reason string) {
	var kind event.Kind
	switch status {
	case workflow.RunCompleted:
		kind = event.KindRunCompleted
	case workflow.RunCancelled:
		kind = event.KindRunCancelled
	default:
		kind = event.KindRunFailed
	}
	e := event.New(runID, kind)
	e.Reason = reason
	// Use a background-derived context: the terminal event must land even
	// when finish runs during shutdown.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.log.Append(appendCtx, e); err != nil {
		s.logger.Error("record run end failed", zap.String("run", runID), zap.Error(err))
		return
	}
	s.sync(appendCtx, runID, st)
	s.logger.Info("run finished",
		zap.String("run", runID), zap.String("status", string(status)), zap.String("reason", reason))
}

// sync folds log events past the last applied sequence into the projection
// and pushes the updated run to the store. Reading back what was just
// appended keeps the live view on the exact replay path.
func (s *Scheduler) sync(ctx context.Context, runID string, st *replay.State) {
	events, err := s.log.Read(ctx, runID, st.LastSeq+1)
	if err != nil {
		s.logger.Error("projection sync read failed", zap.String("run", runID), zap.Error(err))
		return
	}
	for _, e := range events {
		st.Proj.Apply(e)
		st.LastSeq = e.Seq
	}
	if run := st.Proj.Run(); run != nil {
		if err := s.store.UpsertRun(ctx, run); err != nil {
			s.logger.Error("projection upsert failed", zap.String("run", runID), zap.Error(err))
		}
	}
}
