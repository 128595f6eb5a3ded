package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VoteDecision is an approver's verdict on a pending approval.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteDeny    VoteDecision = "deny"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalGranted  ApprovalStatus = "granted"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a pending or resolved approval request for a step.
type Approval struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	Approvers  []string       `json:"approvers"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Outcome is delivered to the waiting executor when an approval resolves.
type Outcome struct {
	Granted   bool
	DecidedBy string
	Reason    string
}

// Approvals tracks pending approval requests and wakes waiting executors
// when a vote resolves them. The wait is an explicit suspend point: the
// executor parks on a channel and holds no worker slot in the meantime.
type Approvals struct {
	mu      sync.Mutex
	byID    map[string]*Approval
	waiters map[string]chan Outcome
	logger  *zap.Logger
}

// NewApprovals creates an empty approval tracker.
func NewApprovals(logger *zap.Logger) *Approvals {
	return &Approvals{
		byID:    make(map[string]*Approval),
		waiters: make(map[string]chan Outcome),
		logger:  logger,
	}
}

// Create registers a pending approval for a step and returns it.
func (a *Approvals) Create(runID, stepID string, approvers []string) *Approval {
	ap := &Approval{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepID:    stepID,
		Approvers: approvers,
		Status:    ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	a.byID[ap.ID] = ap
	a.waiters[ap.ID] = make(chan Outcome, 1)
	a.mu.Unlock()

	a.logger.Info("approval requested",
		zap.String("approval", ap.ID),
		zap.String("run", runID),
		zap.String("step", stepID),
		zap.Strings("approvers", approvers))
	return ap
}

// Vote resolves a pending approval. The first vote decides.
func (a *Approvals) Vote(approvalID, decidedBy string, decision VoteDecision, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ap, ok := a.byID[approvalID]
	if !ok {
		return fmt.Errorf("approval %s not found", approvalID)
	}
	if ap.Status != ApprovalPending {
		return fmt.Errorf("approval %s already resolved (%s)", approvalID, ap.Status)
	}

	now := time.Now().UTC()
	ap.ResolvedAt = &now
	ap.DecidedBy = decidedBy
	ap.Reason = reason
	if decision == VoteApprove {
		ap.Status = ApprovalGranted
	} else {
		ap.Status = ApprovalRejected
	}

	if ch, ok := a.waiters[approvalID]; ok {
		ch <- Outcome{Granted: ap.Status == ApprovalGranted, DecidedBy: decidedBy, Reason: reason}
		delete(a.waiters, approvalID)
	}
	return nil
}

// Wait blocks until the approval resolves or the context is cancelled.
func (a *Approvals) Wait(ctx context.Context, approvalID string) (Outcome, error) {
	a.mu.Lock()
	ap, ok := a.byID[approvalID]
	if !ok {
		a.mu.Unlock()
		return Outcome{}, fmt.Errorf("approval %s not found", approvalID)
	}
	if ap.Status != ApprovalPending {
		out := Outcome{Granted: ap.Status == ApprovalGranted, DecidedBy: ap.DecidedBy, Reason: ap.Reason}
		a.mu.Unlock()
		return out, nil
	}
	ch := a.waiters[approvalID]
	a.mu.Unlock()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Get returns an approval by id.
func (a *Approvals) Get(approvalID string) (*Approval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ap, ok := a.byID[approvalID]
	if !ok {
		return nil, false
	}
	cp := *ap
	return &cp, true
}

// Pending lists unresolved approvals.
func (a *Approvals) Pending() []*Approval {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Approval
	for _, ap := range a.byID {
		if ap.Status == ApprovalPending {
			cp := *ap
			out = append(out, &cp)
		}
	}
	return out
}
