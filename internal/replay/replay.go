// Package replay rebuilds run state from the event log and repairs runs
// interrupted by a crash. Rebuild is a pure fold through the same projector
// the live scheduler uses; Recover additionally appends corrective events
// for orphaned attempts and missing artifacts before the scheduler resumes.
package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/projection"
	"github.com/nidhogg/overseer/internal/workflow"
)

// RetryEntry is a pending retry reconstructed from a step_retried event.
type RetryEntry struct {
	Attempt   int
	NotBefore time.Time
}

// State is the rebuilt view of one run: its projection, the last applied
// sequence number and the pending retries the scheduler must honor.
type State struct {
	Proj    *projection.Projector
	LastSeq uint64
	Retries map[string]RetryEntry

	hashes map[string]string // step id -> completion artifact hash
}

// Rebuild folds a run's full event history into a fresh projection. It
// never writes; replaying twice yields identical state.
func Rebuild(ctx context.Context, log *eventlog.Log, runID string) (*State, error) {
	events, err := log.Read(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("run %s has no events", runID)
	}

	st := &State{
		Proj:    projection.NewProjector(),
		Retries: make(map[string]RetryEntry),
		hashes:  make(map[string]string),
	}
	var prev uint64
	for _, e := range events {
		if e.Seq != prev+1 {
			return nil, fmt.Errorf("run %s log has a gap: seq %d follows %d", runID, e.Seq, prev)
		}
		prev = e.Seq
		st.apply(e)
	}
	return st, nil
}

// apply folds one event and maintains the retry bookkeeping the projection
// itself does not carry.
func (st *State) apply(e event.Event) {
	st.Proj.Apply(e)
	st.LastSeq = e.Seq
	switch e.Kind {
	case event.KindStepCompleted:
		if e.ArtifactHash != "" {
			st.hashes[e.StepID] = e.ArtifactHash
		}
		delete(st.Retries, e.StepID)
	case event.KindStepRetried:
		entry := RetryEntry{Attempt: e.Attempt}
		if e.NotBefore != nil {
			entry.NotBefore = *e.NotBefore
		}
		st.Retries[e.StepID] = entry
	case event.KindStepStarted, event.KindStepSkipped:
		delete(st.Retries, e.StepID)
	case event.KindStepFailed:
		if !e.WillRetry {
			delete(st.Retries, e.StepID)
		}
	}
}

// Recover rebuilds a run and appends corrective events for damage a crash
// left behind:
//
//   - attempts that were scheduled or started but never reached a terminal
//     event are failed with code orphaned_attempt, joining the normal retry
//     path if the step has budget left;
//   - retrying steps whose log ends at the retryable failure, before the
//     step_retried record, get that record appended so the next attempt is
//     dispatched instead of the step stalling;
//   - completed steps whose output artifact is missing from the store are
//     failed with code orphan_recovery, without aborting the rest of the run.
//
// The returned state reflects the log after correction.
func Recover(ctx context.Context, log *eventlog.Log, artifacts *artifact.Store, runID string, logger *zap.Logger) (*State, error) {
	st, err := Rebuild(ctx, log, runID)
	if err != nil {
		return nil, err
	}
	run := st.Proj.Run()
	if run == nil || run.Status.Terminal() {
		return st, nil
	}
	spec := st.Proj.Spec()

	for i := range run.Steps {
		ss := &run.Steps[i]
		step, _ := spec.Step(ss.ID)

		switch ss.Status {
		case workflow.StepScheduled, workflow.StepRunning:
			if err := st.orphan(ctx, log, runID, ss, step, logger); err != nil {
				return nil, err
			}
		case workflow.StepRetrying:
			if _, pending := st.Retries[ss.ID]; !pending {
				if err := st.reschedule(ctx, log, runID, ss, logger); err != nil {
					return nil, err
				}
			}
		case workflow.StepCompleted:
			if err := st.checkArtifact(ctx, log, artifacts, runID, ss, logger); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

// orphan fails an attempt whose worker died with it. The failure is
// retryable when attempts remain.
func (st *State) orphan(ctx context.Context, log *eventlog.Log, runID string, ss *workflow.StepState, step workflow.StepSpec, logger *zap.Logger) error {
	attempt := ss.Attempt
	if attempt == 0 {
		attempt = 1
	}
	max := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		max = step.Retry.MaxAttempts
	}
	willRetry := attempt < max

	logger.Warn("orphaned attempt found during recovery",
		zap.String("run", runID), zap.String("step", ss.ID),
		zap.Int("attempt", attempt), zap.Bool("will_retry", willRetry))

	fe := event.New(runID, event.KindStepFailed)
	fe.StepID = ss.ID
	fe.Attempt = attempt
	fe.IdempotencyKey = workflow.IdempotencyKey(runID, ss.ID, attempt)
	fe.Error = &workflow.StepError{
		Code:    workflow.ErrCodeOrphaned,
		Message: "attempt interrupted by process crash",
	}
	fe.WillRetry = willRetry
	if err := st.appendAndApply(ctx, log, fe); err != nil {
		return err
	}
	if !willRetry {
		return nil
	}

	now := time.Now().UTC()
	re := event.New(runID, event.KindStepRetried)
	re.StepID = ss.ID
	re.Attempt = attempt + 1
	re.NotBefore = &now
	return st.appendAndApply(ctx, log, re)
}

// reschedule appends the step_retried record for a step whose retryable
// failure landed in the log but whose retry entry did not.
func (st *State) reschedule(ctx context.Context, log *eventlog.Log, runID string, ss *workflow.StepState, logger *zap.Logger) error {
	logger.Warn("retrying step has no pending retry entry, rescheduling",
		zap.String("run", runID), zap.String("step", ss.ID), zap.Int("attempt", ss.Attempt+1))

	now := time.Now().UTC()
	re := event.New(runID, event.KindStepRetried)
	re.StepID = ss.ID
	re.Attempt = ss.Attempt + 1
	re.NotBefore = &now
	return st.appendAndApply(ctx, log, re)
}

// checkArtifact fails a completed step whose recorded output blob is gone.
func (st *State) checkArtifact(ctx context.Context, log *eventlog.Log, artifacts *artifact.Store, runID string, ss *workflow.StepState, logger *zap.Logger) error {
	hash := st.completedHash(ss.ID)
	if hash == "" || artifacts.Exists(hash) {
		return nil
	}
	logger.Error("artifact missing for completed step",
		zap.String("run", runID), zap.String("step", ss.ID), zap.String("hash", hash))

	fe := event.New(runID, event.KindStepFailed)
	fe.StepID = ss.ID
	fe.Attempt = ss.Attempt
	fe.Error = &workflow.StepError{
		Code:    workflow.ErrCodeOrphanRecovery,
		Message: fmt.Sprintf("output artifact %s missing from store", hash),
	}
	return st.appendAndApply(ctx, log, fe)
}

// completedHash finds the artifact hash recorded with the step's completion.
func (st *State) completedHash(stepID string) string {
	if h, ok := st.hashes[stepID]; ok {
		return h
	}
	return ""
}

func (st *State) appendAndApply(ctx context.Context, log *eventlog.Log, e event.Event) error {
	seq, err := log.Append(ctx, e)
	if err != nil {
		return fmt.Errorf("append recovery event: %w", err)
	}
	e.Seq = seq
	st.apply(e)
	return nil
}
