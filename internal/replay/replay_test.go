package replay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/workflow"
)

func testSpec() *workflow.Spec {
	return &workflow.Spec{
		Steps: []workflow.StepSpec{
			{ID: "a", Role: "w",
				Action: workflow.Action{Kind: workflow.ActionAgentTask, Prompt: "p"},
				Retry:  &workflow.RetryPolicy{MaxAttempts: 3, BackoffSecs: 1}},
			{ID: "b", Role: "w",
				Action: workflow.Action{Kind: workflow.ActionAgentTask, Prompt: "p"}},
		},
		Dependencies: map[string][]string{"b": {"a"}},
	}
}

func seed(t *testing.T, log *eventlog.Log, events ...event.Event) {
	t.Helper()
	for _, e := range events {
		if _, err := log.Append(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func stepEvent(runID string, kind event.Kind, stepID string, attempt int) event.Event {
	e := event.New(runID, kind)
	e.StepID = stepID
	e.Attempt = attempt
	if attempt > 0 {
		e.IdempotencyKey = workflow.IdempotencyKey(runID, stepID, attempt)
	}
	return e
}

func TestRebuildFoldsHistory(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	done := stepEvent("run-1", event.KindStepCompleted, "a", 1)
	done.ArtifactHash = artifact.Hash([]byte("out"))
	seed(t, log, started,
		stepEvent("run-1", event.KindStepScheduled, "a", 1),
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		done)

	st, err := Rebuild(context.Background(), log, "run-1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	run := st.Proj.Run()
	if run.Status != workflow.RunRunning {
		t.Errorf("got status %s, want running", run.Status)
	}
	a, _ := run.StepState("a")
	if a.Status != workflow.StepCompleted {
		t.Errorf("step a = %s, want completed", a.Status)
	}
	if st.LastSeq != 4 {
		t.Errorf("last seq %d, want 4", st.LastSeq)
	}
}

func TestRebuildIsDeterministic(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		stepEvent("run-1", event.KindStepCompleted, "a", 1))

	st1, err := Rebuild(context.Background(), log, "run-1")
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	st2, err := Rebuild(context.Background(), log, "run-1")
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	r1, r2 := st1.Proj.Run(), st2.Proj.Run()
	if r1.Status != r2.Status || len(r1.Steps) != len(r2.Steps) {
		t.Error("two rebuilds of the same log disagree")
	}
	for i := range r1.Steps {
		if r1.Steps[i] != r2.Steps[i] {
			t.Errorf("step %d differs between rebuilds", i)
		}
	}
}

func TestRebuildTracksPendingRetries(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()

	failed := stepEvent("run-1", event.KindStepFailed, "a", 1)
	failed.WillRetry = true
	failed.Error = &workflow.StepError{Code: workflow.ErrCodeTimeout, Message: "slow"}
	notBefore := time.Now().UTC().Add(time.Second)
	retried := stepEvent("run-1", event.KindStepRetried, "a", 2)
	retried.NotBefore = &notBefore

	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		failed, retried)

	st, err := Rebuild(context.Background(), log, "run-1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	entry, ok := st.Retries["a"]
	if !ok {
		t.Fatal("pending retry lost in rebuild")
	}
	if entry.Attempt != 2 {
		t.Errorf("got attempt %d, want 2", entry.Attempt)
	}
	if !entry.NotBefore.Equal(notBefore) {
		t.Errorf("got not-before %v, want %v", entry.NotBefore, notBefore)
	}
}

func TestRecoverOrphansInterruptedAttempt(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	seed(t, log, started,
		stepEvent("run-1", event.KindStepScheduled, "a", 1),
		stepEvent("run-1", event.KindStepStarted, "a", 1))
	// Process died here: no terminal event for attempt 1.

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	a, _ := st.Proj.Run().StepState("a")
	if a.Status != workflow.StepRetrying {
		t.Fatalf("step a = %s, want retrying (budget remains)", a.Status)
	}
	entry, ok := st.Retries["a"]
	if !ok || entry.Attempt != 2 {
		t.Fatalf("retry entry = %+v, want attempt 2", entry)
	}

	events, _ := log.Read(context.Background(), "run-1", 0)
	var sawOrphan bool
	for _, e := range events {
		if e.Kind == event.KindStepFailed && e.Error != nil && e.Error.Code == workflow.ErrCodeOrphaned {
			sawOrphan = true
			if !e.WillRetry {
				t.Error("orphaned attempt with budget left must be retryable")
			}
		}
	}
	if !sawOrphan {
		t.Fatal("no orphaned_attempt failure recorded")
	}
}

func TestRecoverReschedulesLostRetry(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	failed := stepEvent("run-1", event.KindStepFailed, "a", 1)
	failed.WillRetry = true
	failed.Error = &workflow.StepError{Code: workflow.ErrCodeRateLimited, Message: "no capacity"}
	// Process died between the retryable failure and its step_retried record.
	seed(t, log, started,
		stepEvent("run-1", event.KindStepScheduled, "a", 1),
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		failed)

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	entry, ok := st.Retries["a"]
	if !ok {
		t.Fatal("retrying step left with no pending retry entry")
	}
	if entry.Attempt != 2 {
		t.Errorf("got attempt %d, want 2", entry.Attempt)
	}
	if entry.NotBefore.After(time.Now().UTC()) {
		t.Errorf("not-before %v is in the future, want immediately due", entry.NotBefore)
	}

	events, _ := log.Read(context.Background(), "run-1", 0)
	last := events[len(events)-1]
	if last.Kind != event.KindStepRetried || last.StepID != "a" || last.Attempt != 2 {
		t.Errorf("last event = %+v, want step_retried for attempt 2", last)
	}
}

func TestRecoverKeepsExistingRetryEntry(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	failed := stepEvent("run-1", event.KindStepFailed, "a", 1)
	failed.WillRetry = true
	failed.Error = &workflow.StepError{Code: workflow.ErrCodeTimeout, Message: "slow"}
	notBefore := time.Now().UTC().Add(time.Minute)
	retried := stepEvent("run-1", event.KindStepRetried, "a", 2)
	retried.NotBefore = &notBefore

	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		failed, retried)

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if st.LastSeq != 4 {
		t.Errorf("last seq %d, want 4: a pending retry needs no repair", st.LastSeq)
	}
	entry := st.Retries["a"]
	if !entry.NotBefore.Equal(notBefore) {
		t.Errorf("not-before %v, want the recorded %v kept", entry.NotBefore, notBefore)
	}
}

func TestRecoverOrphanWithoutBudgetFailsStep(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	// Attempt 3 of 3 was in flight when the process died.
	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 3))

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	a, _ := st.Proj.Run().StepState("a")
	if a.Status != workflow.StepFailed {
		t.Errorf("step a = %s, want failed (no budget left)", a.Status)
	}
	if len(st.Retries) != 0 {
		t.Errorf("retries = %v, want none", st.Retries)
	}
}

func TestRecoverFlagsMissingArtifact(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	done := stepEvent("run-1", event.KindStepCompleted, "a", 1)
	done.ArtifactHash = artifact.Hash([]byte("content that was never stored"))
	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		done)

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	a, _ := st.Proj.Run().StepState("a")
	if a.Status != workflow.StepFailed {
		t.Fatalf("step a = %s, want failed", a.Status)
	}
	if a.Error == nil || a.Error.Code != workflow.ErrCodeOrphanRecovery {
		t.Errorf("error = %+v, want orphan_recovery", a.Error)
	}
}

func TestRecoverLeavesTerminalRunsAlone(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	artifacts, _ := artifact.NewStore(t.TempDir())

	started := event.New("run-1", event.KindRunStarted)
	started.Spec = testSpec()
	seed(t, log, started,
		stepEvent("run-1", event.KindStepStarted, "a", 1),
		event.New("run-1", event.KindRunCancelled))

	st, err := Recover(context.Background(), log, artifacts, "run-1", zap.NewNop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if st.Proj.Run().Status != workflow.RunCancelled {
		t.Errorf("status = %s, want cancelled", st.Proj.Run().Status)
	}
	if st.LastSeq != 3 {
		t.Errorf("recovery appended events to a terminal run (last seq %d)", st.LastSeq)
	}
}

func TestRebuildUnknownRun(t *testing.T) {
	log, _ := eventlog.New(t.TempDir(), nil, zap.NewNop())
	if _, err := Rebuild(context.Background(), log, "missing"); err == nil {
		t.Fatal("expected error for run with no events")
	}
}
