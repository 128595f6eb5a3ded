// Package projection derives the current Run/Step view from the event log.
// The projection is a rebuildable cache: it may be discarded at any time and
// reconstructed by replaying events, and it is never the source of truth.
package projection

import (
	"github.com/nidhogg/overseer/internal/event"
	"github.com/nidhogg/overseer/internal/workflow"
)

// Projector folds events into a Run. The live scheduler and crash-recovery
// replay both drive their state through this one transition function, which
// is what makes replay yield a projection identical to the live view.
type Projector struct {
	run  *workflow.Run
	spec *workflow.Spec
}

// NewProjector creates an empty projector; the first applied event must be
// run_started.
func NewProjector() *Projector {
	return &Projector{}
}

// Run returns the current projected run, or nil before run_started.
func (p *Projector) Run() *workflow.Run { return p.run }

// Spec returns the workflow spec carried by the run_started event.
func (p *Projector) Spec() *workflow.Spec { return p.spec }

// Apply folds one event into the projection. Events must be applied in
// sequence order; unknown kinds are ignored so old logs stay replayable.
func (p *Projector) Apply(e event.Event) {
	switch e.Kind {
	case event.KindRunStarted:
		p.spec = e.Spec
		run := &workflow.Run{
			ID:         e.RunID,
			WorkItemID: e.WorkItemID,
			Status:     workflow.RunRunning,
			StartedAt:  e.Timestamp,
		}
		if e.Spec != nil {
			run.Steps = make([]workflow.StepState, len(e.Spec.Steps))
			for i, s := range e.Spec.Steps {
				run.Steps[i] = workflow.StepState{ID: s.ID, Status: workflow.StepPending}
			}
		}
		p.run = run

	case event.KindRunCompleted:
		p.terminate(workflow.RunCompleted, e)
	case event.KindRunFailed:
		p.terminate(workflow.RunFailed, e)
	case event.KindRunCancelled:
		p.terminate(workflow.RunCancelled, e)

	case event.KindStepScheduled:
		p.step(e, func(s *workflow.StepState) {
			s.Status = workflow.StepScheduled
			if e.Attempt > 0 {
				s.Attempt = e.Attempt
			}
		})
	case event.KindStepStarted:
		p.step(e, func(s *workflow.StepState) {
			s.Status = workflow.StepRunning
			s.Attempt = e.Attempt
			ts := e.Timestamp
			s.StartedAt = &ts
		})
	case event.KindStepCompleted:
		p.step(e, func(s *workflow.StepState) {
			s.Status = workflow.StepCompleted
			s.Error = nil
			ts := e.Timestamp
			s.CompletedAt = &ts
		})
	case event.KindStepFailed:
		p.step(e, func(s *workflow.StepState) {
			s.Error = e.Error
			if e.WillRetry {
				s.Status = workflow.StepRetrying
				return
			}
			s.Status = workflow.StepFailed
			ts := e.Timestamp
			s.CompletedAt = &ts
		})
	case event.KindStepRetried:
		p.step(e, func(s *workflow.StepState) {
			s.Status = workflow.StepRetrying
		})
	case event.KindStepSkipped:
		p.step(e, func(s *workflow.StepState) {
			s.Status = workflow.StepSkipped
			ts := e.Timestamp
			s.CompletedAt = &ts
		})
	}
}

func (p *Projector) terminate(status workflow.RunStatus, e event.Event) {
	if p.run == nil {
		return
	}
	p.run.Status = status
	ts := e.Timestamp
	p.run.CompletedAt = &ts
}

func (p *Projector) step(e event.Event, fn func(*workflow.StepState)) {
	if p.run == nil {
		return
	}
	if s, ok := p.run.StepState(e.StepID); ok {
		fn(s)
	}
}
