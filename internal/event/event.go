// Package event defines the immutable facts appended to the event log and
// the in-process bus that fans every appended event out to subscribers.
package event

import (
	"time"

	"github.com/nidhogg/overseer/internal/workflow"
)

// Kind identifies the state transition an event records.
type Kind string

const (
	KindRunStarted   Kind = "run_started"
	KindRunCompleted Kind = "run_completed"
	KindRunFailed    Kind = "run_failed"
	KindRunCancelled Kind = "run_cancelled"

	KindStepScheduled Kind = "step_scheduled"
	KindStepStarted   Kind = "step_started"
	KindStepCompleted Kind = "step_completed"
	KindStepFailed    Kind = "step_failed"
	KindStepRetried   Kind = "step_retried"
	KindStepSkipped   Kind = "step_skipped"

	KindArtifactProduced Kind = "artifact_produced"

	KindApprovalRequested Kind = "approval_requested"
	KindApprovalGranted   Kind = "approval_granted"
	KindApprovalRejected  Kind = "approval_rejected"
)

// Event is one immutable entry in a run's log. Seq is assigned by the log
// on append and is strictly increasing per run with no gaps. Large payloads
// are referenced by artifact hash, never embedded.
type Event struct {
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`

	// Run lifecycle payloads.
	WorkItemID string         `json:"work_item_id,omitempty"`
	Spec       *workflow.Spec `json:"spec,omitempty"` // run_started only
	Reason     string         `json:"reason,omitempty"`

	// Step lifecycle payloads.
	StepID         string              `json:"step_id,omitempty"`
	Attempt        int                 `json:"attempt,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Error          *workflow.StepError `json:"error,omitempty"`
	WillRetry      bool                `json:"will_retry,omitempty"`
	NotBefore      *time.Time          `json:"not_before,omitempty"` // step_retried: earliest re-dispatch
	DurationMS     int64               `json:"duration_ms,omitempty"`

	// Artifact payloads.
	ArtifactHash string `json:"artifact_hash,omitempty"`
	ArtifactType string `json:"artifact_type,omitempty"`

	// Approval payloads.
	Approvers []string `json:"approvers,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

// New builds an event for a run with the timestamp set. Seq is filled in by
// the log.
func New(runID string, kind Kind) Event {
	return Event{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
}

// Terminal reports whether the event ends its run.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindRunCompleted, KindRunFailed, KindRunCancelled:
		return true
	}
	return false
}

// StepTerminal reports whether the event is a terminal outcome for its step.
func (e *Event) StepTerminal() bool {
	switch e.Kind {
	case KindStepCompleted, KindStepSkipped:
		return true
	case KindStepFailed:
		return !e.WillRetry
	}
	return false
}
