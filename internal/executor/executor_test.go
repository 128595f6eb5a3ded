package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/broker"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/policy"
	"github.com/nidhogg/overseer/internal/runner"
	"github.com/nidhogg/overseer/internal/workflow"
)

// fakeBroker scripts responses per call.
type fakeBroker struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32, req broker.Request) (*broker.Response, error)
}

func (f *fakeBroker) Execute(ctx context.Context, req broker.Request) (*broker.Response, error) {
	return f.fn(ctx, f.calls.Add(1), req)
}

type fixture struct {
	exec      *Executor
	log       *eventlog.Log
	artifacts *artifact.Store
	approvals *policy.Approvals
}

func newFixture(t *testing.T, b broker.CapacityBroker, auth policy.Authorizer) *fixture {
	t.Helper()
	logger := zap.NewNop()
	log, err := eventlog.New(t.TempDir(), nil, logger)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	artifacts, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	approvals := policy.NewApprovals(logger)
	scripts := runner.NewScriptRunner(t.TempDir(), logger)
	return &fixture{
		exec:      New(log, artifacts, b, scripts, auth, approvals, logger),
		log:       log,
		artifacts: artifacts,
		approvals: approvals,
	}
}

func agentStep(id string, retry *workflow.RetryPolicy) workflow.StepSpec {
	return workflow.StepSpec{
		ID:     id,
		Role:   "worker",
		Action: workflow.Action{Kind: workflow.ActionAgentTask, Prompt: "do it"},
		Retry:  retry,
	}
}

func kinds(t *testing.T, f *fixture, runID string) []event.Kind {
	t.Helper()
	events, err := f.log.Read(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := make([]event.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestSuccessStoresArtifact(t *testing.T) {
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return &broker.Response{Output: "analysis result"}, nil
	}}
	f := newFixture(t, b, nil)

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", agentStep("a", nil), 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepCompleted {
		t.Fatalf("got status %s, want completed", out.Status)
	}

	events, _ := f.log.Read(context.Background(), "run-1", 0)
	var hash string
	for _, e := range events {
		if e.Kind == event.KindArtifactProduced {
			hash = e.ArtifactHash
		}
		if e.Kind == event.KindStepCompleted && e.ArtifactHash != hash {
			t.Error("completion event does not reference the produced artifact")
		}
	}
	if hash == "" {
		t.Fatal("no artifact_produced event")
	}
	data, err := f.artifacts.Get(hash)
	if err != nil || string(data) != "analysis result" {
		t.Errorf("artifact content = %q, %v", data, err)
	}
}

func TestRateLimitedGoesOnRetryPath(t *testing.T) {
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return nil, broker.ErrRateLimited
	}}
	f := newFixture(t, b, nil)
	step := agentStep("a", &workflow.RetryPolicy{MaxAttempts: 3, BackoffSecs: 2})

	before := time.Now().UTC()
	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepRetrying {
		t.Fatalf("got status %s, want retrying", out.Status)
	}
	if out.NextAttempt != 2 {
		t.Errorf("got next attempt %d, want 2", out.NextAttempt)
	}
	if out.Error.Code != workflow.ErrCodeRateLimited {
		t.Errorf("got code %s, want rate_limited", out.Error.Code)
	}

	// First retry waits the base backoff.
	delay := out.NotBefore.Sub(before)
	if delay < 2*time.Second || delay > 3*time.Second {
		t.Errorf("got delay %v, want about 2s", delay)
	}

	got := kinds(t, f, "run-1")
	want := []event.Kind{event.KindStepStarted, event.KindStepFailed, event.KindStepRetried}
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}
}

func TestExhaustedRetriesFailTerminally(t *testing.T) {
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return nil, errors.New("boom")
	}}
	f := newFixture(t, b, nil)
	step := agentStep("a", &workflow.RetryPolicy{MaxAttempts: 2, BackoffSecs: 1})

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 2, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepFailed {
		t.Fatalf("got status %s, want failed", out.Status)
	}
	if out.Error.Code != workflow.ErrCodeActionFailed {
		t.Errorf("got code %s, want action_failed", out.Error.Code)
	}

	events, _ := f.log.Read(context.Background(), "run-1", 0)
	last := events[len(events)-1]
	if last.Kind != event.KindStepFailed || last.WillRetry {
		t.Errorf("final event = %+v, want terminal step_failed", last)
	}
}

func TestDecidedAttemptIsNotReinvoked(t *testing.T) {
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return &broker.Response{Output: "x"}, nil
	}}
	f := newFixture(t, b, nil)
	ctx := context.Background()
	step := agentStep("a", nil)

	// A previous process already completed attempt 1.
	done := event.New("run-1", event.KindStepCompleted)
	done.StepID = "a"
	done.Attempt = 1
	done.IdempotencyKey = workflow.IdempotencyKey("run-1", "a", 1)
	if _, err := f.log.Append(ctx, done); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	out, err := f.exec.ExecuteAttempt(ctx, "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepCompleted {
		t.Fatalf("got status %s, want completed", out.Status)
	}
	if b.calls.Load() != 0 {
		t.Errorf("broker called %d times for a decided attempt, want 0", b.calls.Load())
	}

	// A different attempt of the same step still dispatches.
	if _, err := f.exec.ExecuteAttempt(ctx, "run-1", step, 2, nil); err != nil {
		t.Fatalf("execute attempt 2: %v", err)
	}
	if b.calls.Load() != 1 {
		t.Errorf("broker called %d times for a fresh attempt, want 1", b.calls.Load())
	}
}

func TestRetryableFailureDoesNotDecideAttempt(t *testing.T) {
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return &broker.Response{Output: "recovered output"}, nil
	}}
	f := newFixture(t, b, nil)
	ctx := context.Background()
	step := agentStep("a", &workflow.RetryPolicy{MaxAttempts: 3, BackoffSecs: 1})

	// A previous process recorded the retryable failure of attempt 1 and died
	// before anything else landed. Re-dispatching the same attempt must invoke
	// the action, not replay the failure as a terminal outcome.
	failed := event.New("run-1", event.KindStepFailed)
	failed.StepID = "a"
	failed.Attempt = 1
	failed.IdempotencyKey = workflow.IdempotencyKey("run-1", "a", 1)
	failed.Error = &workflow.StepError{Code: workflow.ErrCodeRateLimited, Message: "no capacity"}
	failed.WillRetry = true
	if _, err := f.log.Append(ctx, failed); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	out, err := f.exec.ExecuteAttempt(ctx, "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepCompleted {
		t.Fatalf("got status %s, want completed with budget left", out.Status)
	}
	if b.calls.Load() != 1 {
		t.Errorf("broker called %d times, want 1", b.calls.Load())
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	b := &fakeBroker{fn: func(ctx context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, b, nil)
	step := agentStep("slow", &workflow.RetryPolicy{MaxAttempts: 2, BackoffSecs: 1})
	step.TimeoutSecs = 1

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepRetrying {
		t.Fatalf("got status %s, want retrying", out.Status)
	}
	if out.Error.Code != workflow.ErrCodeTimeout {
		t.Errorf("got code %s, want timeout", out.Error.Code)
	}
}

func TestScriptStepCapturesOutput(t *testing.T) {
	f := newFixture(t, &fakeBroker{}, nil)
	step := workflow.StepSpec{
		ID:     "sh",
		Role:   "ops",
		Action: workflow.Action{Kind: workflow.ActionScript, Command: "echo", Args: []string{"hello"}},
	}

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepCompleted {
		t.Fatalf("got status %s, want completed", out.Status)
	}

	events, _ := f.log.Read(context.Background(), "run-1", 0)
	for _, e := range events {
		if e.Kind == event.KindStepCompleted {
			data, err := f.artifacts.Get(e.ArtifactHash)
			if err != nil {
				t.Fatalf("get artifact: %v", err)
			}
			if string(data) != "hello\n" {
				t.Errorf("got output %q, want hello", data)
			}
		}
	}
}

func TestPolicyDenialIsTerminal(t *testing.T) {
	auth := &policy.StaticAuthorizer{
		ByRole: map[string]policy.Decision{
			"worker": {Effect: policy.EffectDeny, Reason: "role not cleared"},
		},
	}
	b := &fakeBroker{fn: func(_ context.Context, _ int32, _ broker.Request) (*broker.Response, error) {
		return &broker.Response{Output: "x"}, nil
	}}
	f := newFixture(t, b, auth)

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1",
		agentStep("a", &workflow.RetryPolicy{MaxAttempts: 3, BackoffSecs: 1}), 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepFailed {
		t.Fatalf("got status %s, want failed", out.Status)
	}
	if out.Error.Code != workflow.ErrCodePolicyDenied {
		t.Errorf("got code %s, want policy_denied", out.Error.Code)
	}
	if b.calls.Load() != 0 {
		t.Error("denied action still reached the broker")
	}
}

func TestManualApprovalGrant(t *testing.T) {
	f := newFixture(t, &fakeBroker{}, nil)
	step := workflow.StepSpec{
		ID:     "gate",
		Role:   "lead",
		Action: workflow.Action{Kind: workflow.ActionManualApproval, Approvers: []string{"alice"}},
	}

	go func() {
		// Wait for the request to register, then approve it.
		for {
			if pending := f.approvals.Pending(); len(pending) == 1 {
				f.approvals.Vote(pending[0].ID, "alice", policy.VoteApprove, "lgtm")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepCompleted {
		t.Fatalf("got status %s, want completed", out.Status)
	}

	got := kinds(t, f, "run-1")
	want := []event.Kind{event.KindApprovalRequested, event.KindApprovalGranted, event.KindStepStarted, event.KindStepCompleted}
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}
}

func TestManualApprovalDenyIsTerminal(t *testing.T) {
	f := newFixture(t, &fakeBroker{}, nil)
	step := workflow.StepSpec{
		ID:     "gate",
		Role:   "lead",
		Action: workflow.Action{Kind: workflow.ActionManualApproval, Approvers: []string{"bob"}},
		Retry:  &workflow.RetryPolicy{MaxAttempts: 3, BackoffSecs: 1},
	}

	go func() {
		for {
			if pending := f.approvals.Pending(); len(pending) == 1 {
				f.approvals.Vote(pending[0].ID, "bob", policy.VoteDeny, "too risky")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := f.exec.ExecuteAttempt(context.Background(), "run-1", step, 1, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != workflow.StepFailed {
		t.Fatalf("got status %s, want failed: denial never retries", out.Status)
	}
	if out.Error.Code != workflow.ErrCodePolicyDenied {
		t.Errorf("got code %s, want policy_denied", out.Error.Code)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	p := &workflow.RetryPolicy{MaxAttempts: 4, BackoffSecs: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		if got := RetryDelay(p, c.attempt); got != c.want {
			t.Errorf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
	if got := RetryDelay(nil, 1); got != time.Second {
		t.Errorf("default delay = %v, want 1s", got)
	}
}
