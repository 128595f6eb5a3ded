// Package executor runs single step attempts: idempotency guard, approval
// gate, action dispatch with a wall-clock timeout, artifact capture and the
// retry decision. Every state transition goes through the event log before
// the executor reports it, so a crash between any two lines is recoverable
// by replay.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/broker"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/policy"
	"github.com/nidhogg/overseer/internal/runner"
	"github.com/nidhogg/overseer/internal/workflow"
)

// DefaultTimeout applies to steps that declare no timeout of their own.
const DefaultTimeout = 10 * time.Minute

// Slot lets an attempt give back its worker slot while parked on a human
// approval and reclaim it before doing real work. A nil Slot is a no-op.
type Slot interface {
	Release()
	Acquire(ctx context.Context) error
}

type noSlot struct{}

func (noSlot) Release()                     {}
func (noSlot) Acquire(context.Context) error { return nil }

// Outcome is the executor's verdict on one attempt. Retrying outcomes carry
// the earliest time the next attempt may be dispatched; the scheduler owns
// the actual re-queue.
type Outcome struct {
	Status      workflow.StepStatus
	Error       *workflow.StepError
	NotBefore   time.Time
	NextAttempt int
}

// Executor dispatches step attempts against the broker, the script runner
// and the approval tracker.
type Executor struct {
	log       *eventlog.Log
	artifacts *artifact.Store
	broker    broker.CapacityBroker
	runner    *runner.ScriptRunner
	auth      policy.Authorizer
	approvals *policy.Approvals
	logger    *zap.Logger
}

// New creates an executor. auth may be nil, in which case every action is
// allowed.
func New(log *eventlog.Log, artifacts *artifact.Store, b broker.CapacityBroker,
	r *runner.ScriptRunner, auth policy.Authorizer, approvals *policy.Approvals,
	logger *zap.Logger) *Executor {
	if auth == nil {
		auth = policy.AllowAll{}
	}
	return &Executor{
		log:       log,
		artifacts: artifacts,
		broker:    b,
		runner:    r,
		auth:      auth,
		approvals: approvals,
		logger:    logger,
	}
}

// ExecuteAttempt runs one attempt of a step to a decided outcome. A non-nil
// error means the log itself could not be written; the attempt's own
// failures are expressed through the Outcome, never the error.
func (x *Executor) ExecuteAttempt(ctx context.Context, runID string, step workflow.StepSpec, attempt int, slot Slot) (Outcome, error) {
	if slot == nil {
		slot = noSlot{}
	}
	key := workflow.IdempotencyKey(runID, step.ID, attempt)

	// Crash guard: if this exact attempt already reached a terminal event in
	// a previous process, report the recorded outcome instead of re-invoking
	// the action.
	if prev, ok, err := x.log.FindByKey(ctx, runID, key); err != nil {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		x.logger.Info("attempt already decided, skipping dispatch",
			zap.String("run", runID), zap.String("step", step.ID), zap.Int("attempt", attempt))
		if prev.Kind == event.KindStepCompleted {
			return Outcome{Status: workflow.StepCompleted}, nil
		}
		return Outcome{Status: workflow.StepFailed, Error: prev.Error}, nil
	}

	decision, err := x.auth.Authorize(ctx, step.Role, step.Action)
	if err != nil {
		return Outcome{}, fmt.Errorf("authorize step %s: %w", step.ID, err)
	}
	if decision.Effect == policy.EffectDeny {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		denial := &workflow.StepError{Code: workflow.ErrCodePolicyDenied, Message: reason}
		return x.failTerminal(ctx, runID, step, attempt, key, denial, time.Time{})
	}

	// The approval gate runs before the timeout starts: waiting on a human
	// consumes no timeout or retry budget.
	if needsApproval(step) || decision.Effect == policy.EffectRequiresApproval {
		granted, denial, err := x.awaitApproval(ctx, runID, step, attempt, key, decision.Approvers, slot)
		if err != nil {
			if ctx.Err() != nil {
				cancelled := &workflow.StepError{Code: workflow.ErrCodeCancelled, Message: "run cancelled"}
				return x.failTerminal(ctx, runID, step, attempt, key, cancelled, time.Time{})
			}
			return Outcome{}, err
		}
		if !granted {
			return x.failTerminal(ctx, runID, step, attempt, key, denial, time.Time{})
		}
		if step.Action.Kind == workflow.ActionManualApproval {
			// The grant is the step's entire work, but the step still moves
			// through step_started so every step's history has one shape.
			granted := time.Now().UTC()
			ge := event.New(runID, event.KindStepStarted)
			ge.StepID = step.ID
			ge.Attempt = attempt
			ge.IdempotencyKey = key
			if _, err := x.log.Append(ctx, ge); err != nil {
				return Outcome{}, fmt.Errorf("record step start: %w", err)
			}
			return x.complete(ctx, runID, step, attempt, key, nil, granted)
		}
	}

	started := time.Now().UTC()
	se := event.New(runID, event.KindStepStarted)
	se.StepID = step.ID
	se.Attempt = attempt
	se.IdempotencyKey = key
	if _, err := x.log.Append(ctx, se); err != nil {
		return Outcome{}, fmt.Errorf("record step start: %w", err)
	}

	timeout := DefaultTimeout
	if step.TimeoutSecs > 0 {
		timeout = time.Duration(step.TimeoutSecs) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, actErr := x.dispatch(attemptCtx, runID, step)
	if actErr == nil {
		return x.complete(ctx, runID, step, attempt, key, output, started)
	}

	stepErr := classify(ctx, attemptCtx, actErr)
	x.logger.Warn("step attempt failed",
		zap.String("run", runID), zap.String("step", step.ID),
		zap.Int("attempt", attempt), zap.String("code", stepErr.Code), zap.Error(actErr))

	if retryable(stepErr.Code) && attempt < maxAttempts(step) {
		return x.scheduleRetry(ctx, runID, step, attempt, key, stepErr, started)
	}
	return x.failTerminal(ctx, runID, step, attempt, key, stepErr, started)
}

// dispatch invokes the step's action variant.
func (x *Executor) dispatch(ctx context.Context, runID string, step workflow.StepSpec) ([]byte, error) {
	switch step.Action.Kind {
	case workflow.ActionAgentTask:
		resp, err := x.broker.Execute(ctx, broker.Request{
			Prompt: step.Action.Prompt,
			RunID:  runID,
			StepID: step.ID,
			Role:   step.Role,
		})
		if err != nil {
			return nil, err
		}
		return []byte(resp.Output), nil
	case workflow.ActionScript:
		return x.runner.Run(ctx, step.Action.Command, step.Action.Args)
	default:
		return nil, fmt.Errorf("unknown action kind %q", step.Action.Kind)
	}
}

// awaitApproval records the request, parks until a vote arrives and records
// the verdict. A false return carries the denial to record on the step.
func (x *Executor) awaitApproval(ctx context.Context, runID string, step workflow.StepSpec, attempt int, key string, extra []string, slot Slot) (bool, *workflow.StepError, error) {
	approvers := append(append([]string(nil), step.Action.Approvers...), extra...)
	ap := x.approvals.Create(runID, step.ID, approvers)

	req := event.New(runID, event.KindApprovalRequested)
	req.StepID = step.ID
	req.Attempt = attempt
	req.IdempotencyKey = key
	req.Approvers = approvers
	if _, err := x.log.Append(ctx, req); err != nil {
		return false, nil, fmt.Errorf("record approval request: %w", err)
	}

	// Parked attempts hold no worker slot; the pool stays free for runnable
	// work while humans deliberate.
	slot.Release()
	out, err := x.approvals.Wait(ctx, ap.ID)
	if err != nil {
		return false, nil, fmt.Errorf("await approval: %w", err)
	}
	if err := slot.Acquire(ctx); err != nil {
		return false, nil, fmt.Errorf("reclaim worker slot: %w", err)
	}

	kind := event.KindApprovalGranted
	if !out.Granted {
		kind = event.KindApprovalRejected
	}
	verdict := event.New(runID, kind)
	verdict.StepID = step.ID
	verdict.Attempt = attempt
	verdict.DecidedBy = out.DecidedBy
	verdict.Reason = out.Reason
	if _, err := x.log.Append(ctx, verdict); err != nil {
		return false, nil, fmt.Errorf("record approval verdict: %w", err)
	}

	if !out.Granted {
		msg := "approval rejected"
		if out.Reason != "" {
			msg = fmt.Sprintf("approval rejected: %s", out.Reason)
		}
		return false, &workflow.StepError{Code: workflow.ErrCodePolicyDenied, Message: msg}, nil
	}
	return true, nil, nil
}

// complete stores the output artifact (if any) and records step completion.
func (x *Executor) complete(ctx context.Context, runID string, step workflow.StepSpec, attempt int, key string, output []byte, started time.Time) (Outcome, error) {
	// Outcome records must land even when the run is being cancelled.
	ctx = context.WithoutCancel(ctx)
	var hash string
	if len(output) > 0 {
		var err error
		hash, err = x.artifacts.Put(output)
		if err != nil {
			return Outcome{}, fmt.Errorf("store step output: %w", err)
		}
		ae := event.New(runID, event.KindArtifactProduced)
		ae.StepID = step.ID
		ae.Attempt = attempt
		ae.ArtifactHash = hash
		ae.ArtifactType = "output"
		if _, err := x.log.Append(ctx, ae); err != nil {
			return Outcome{}, fmt.Errorf("record artifact: %w", err)
		}
	}

	ce := event.New(runID, event.KindStepCompleted)
	ce.StepID = step.ID
	ce.Attempt = attempt
	ce.IdempotencyKey = key
	ce.ArtifactHash = hash
	ce.DurationMS = time.Since(started).Milliseconds()
	if _, err := x.log.Append(ctx, ce); err != nil {
		return Outcome{}, fmt.Errorf("record step completion: %w", err)
	}
	return Outcome{Status: workflow.StepCompleted}, nil
}

// scheduleRetry records the failed attempt as retryable and the earliest
// re-dispatch time for the next one.
func (x *Executor) scheduleRetry(ctx context.Context, runID string, step workflow.StepSpec, attempt int, key string, stepErr *workflow.StepError, started time.Time) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	fe := event.New(runID, event.KindStepFailed)
	fe.StepID = step.ID
	fe.Attempt = attempt
	fe.IdempotencyKey = key
	fe.Error = stepErr
	fe.WillRetry = true
	fe.DurationMS = time.Since(started).Milliseconds()
	if _, err := x.log.Append(ctx, fe); err != nil {
		return Outcome{}, fmt.Errorf("record retryable failure: %w", err)
	}

	notBefore := time.Now().UTC().Add(RetryDelay(step.Retry, attempt))
	re := event.New(runID, event.KindStepRetried)
	re.StepID = step.ID
	re.Attempt = attempt + 1
	re.NotBefore = &notBefore
	if _, err := x.log.Append(ctx, re); err != nil {
		return Outcome{}, fmt.Errorf("record retry: %w", err)
	}
	return Outcome{Status: workflow.StepRetrying, Error: stepErr, NotBefore: notBefore, NextAttempt: attempt + 1}, nil
}

// failTerminal records the final failure of the step.
func (x *Executor) failTerminal(ctx context.Context, runID string, step workflow.StepSpec, attempt int, key string, stepErr *workflow.StepError, started time.Time) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	fe := event.New(runID, event.KindStepFailed)
	fe.StepID = step.ID
	fe.Attempt = attempt
	fe.IdempotencyKey = key
	fe.Error = stepErr
	if !started.IsZero() {
		fe.DurationMS = time.Since(started).Milliseconds()
	}
	if _, err := x.log.Append(ctx, fe); err != nil {
		return Outcome{}, fmt.Errorf("record step failure: %w", err)
	}
	return Outcome{Status: workflow.StepFailed, Error: stepErr}, nil
}

// RetryDelay computes the wait before the next attempt: the base backoff
// doubled once per prior attempt, no jitter so the schedule is testable.
func RetryDelay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	base := time.Second
	if policy != nil && policy.BackoffSecs > 0 {
		base = time.Duration(policy.BackoffSecs) * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func maxAttempts(step workflow.StepSpec) int {
	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		return step.Retry.MaxAttempts
	}
	return 1
}

func needsApproval(step workflow.StepSpec) bool {
	return step.RequiresApproval || step.Action.Kind == workflow.ActionManualApproval
}

// retryable reports whether an error code sits on the retry path. Policy
// denials and cancellations never retry.
func retryable(code string) bool {
	switch code {
	case workflow.ErrCodeTimeout, workflow.ErrCodeRateLimited, workflow.ErrCodeActionFailed:
		return true
	}
	return false
}

// classify maps an action error to a structured step error. The attempt
// context distinguishes a per-step timeout from run cancellation.
func classify(parent, attempt context.Context, err error) *workflow.StepError {
	switch {
	case parent.Err() != nil:
		return &workflow.StepError{Code: workflow.ErrCodeCancelled, Message: "run cancelled"}
	case errors.Is(err, context.DeadlineExceeded) || attempt.Err() == context.DeadlineExceeded:
		return &workflow.StepError{Code: workflow.ErrCodeTimeout, Message: "step exceeded its timeout"}
	case errors.Is(err, broker.ErrRateLimited):
		return &workflow.StepError{Code: workflow.ErrCodeRateLimited, Message: err.Error()}
	default:
		return &workflow.StepError{Code: workflow.ErrCodeActionFailed, Message: err.Error()}
	}
}
