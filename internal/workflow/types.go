package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a single step instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepScheduled StepStatus = "scheduled"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step can no longer change state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// ActionKind discriminates the closed set of step action variants.
type ActionKind string

const (
	ActionAgentTask      ActionKind = "agent_task"
	ActionScript         ActionKind = "script"
	ActionManualApproval ActionKind = "manual_approval"
)

// Action is what a step does when dispatched. Exactly one variant's fields
// are meaningful, selected by Kind.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// agent_task
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// script
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// manual_approval
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// RetryPolicy controls how failed attempts are retried. Attempt n waits
// BackoffSecs * 2^(n-1) seconds before re-dispatch.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	BackoffSecs int `json:"backoff_secs" yaml:"backoff_secs"`
}

// StepSpec declares one node of the workflow DAG.
type StepSpec struct {
	ID               string       `json:"id" yaml:"id"`
	Role             string       `json:"role" yaml:"role"`
	Action           Action       `json:"action" yaml:"action"`
	TimeoutSecs      int          `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
	Retry            *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	RequiresApproval bool         `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// Spec is a workflow specification: an ordered step set plus a dependency
// map from step id to its prerequisite step ids. It is immutable once a run
// has been created from it.
type Spec struct {
	Steps        []StepSpec          `json:"steps" yaml:"steps"`
	Dependencies map[string][]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Step returns the spec for the given step id.
func (s *Spec) Step(id string) (StepSpec, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepSpec{}, false
}

// StepError is a structured error recorded on a failed step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Step error codes.
const (
	ErrCodeTimeout        = "timeout"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeActionFailed   = "action_failed"
	ErrCodePolicyDenied   = "policy_denied"
	ErrCodeOrphaned       = "orphaned_attempt"
	ErrCodeOrphanRecovery = "orphan_recovery"
	ErrCodeInfrastructure = "infrastructure"
	ErrCodeCancelled      = "cancelled"
)

// StepState is the execution state of one step instance within a run.
type StepState struct {
	ID          string     `json:"id"`
	Status      StepStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *StepError `json:"error,omitempty"`
}

// Run is one execution of a Spec. It is owned by its scheduler while live
// and immutable once Status is terminal.
type Run struct {
	ID          string      `json:"id"`
	WorkItemID  string      `json:"work_item_id"`
	Status      RunStatus   `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Steps       []StepState `json:"steps"`
}

// StepState returns the state entry for the given step id.
func (r *Run) StepState(id string) (*StepState, bool) {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// IdempotencyKey derives the deterministic key identifying one attempt of
// one step within one run. Re-running an attempt after a crash produces the
// same key, which is how duplicate side effects are suppressed.
func IdempotencyKey(runID, stepID string, attempt int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", runID, stepID, attempt))
	return hex.EncodeToString(sum[:])
}
