// Package notify fans run lifecycle events out to chat channels. Notifiers
// subscribe to the in-process event bus; delivery is best effort and never
// blocks or fails the run.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/event"
)

// Sink delivers one formatted message to a channel.
type Sink interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Hub consumes the event bus and pushes notable events to every sink.
type Hub struct {
	sinks  []Sink
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewHub creates a hub over the given sinks.
func NewHub(logger *zap.Logger, sinks ...Sink) *Hub {
	return &Hub{sinks: sinks, logger: logger}
}

// Run consumes events until the subscription channel closes or the context
// ends. It blocks; run it in its own goroutine.
func (h *Hub) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return
		case e, ok := <-events:
			if !ok {
				h.wg.Wait()
				return
			}
			text := format(e)
			if text == "" {
				continue
			}
			h.deliver(ctx, text)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, text string) {
	for _, sink := range h.sinks {
		h.wg.Add(1)
		go func(s Sink) {
			defer h.wg.Done()
			if err := s.Send(ctx, text); err != nil {
				h.logger.Warn("notification delivery failed",
					zap.String("sink", s.Name()), zap.Error(err))
			}
		}(sink)
	}
}

// format renders the events worth a human ping; everything else is dropped.
func format(e event.Event) string {
	switch e.Kind {
	case event.KindRunStarted:
		return fmt.Sprintf("run %s started (work item %s)", e.RunID, e.WorkItemID)
	case event.KindRunCompleted:
		return fmt.Sprintf("run %s completed", e.RunID)
	case event.KindRunFailed:
		if e.Reason != "" {
			return fmt.Sprintf("run %s failed: %s", e.RunID, e.Reason)
		}
		return fmt.Sprintf("run %s failed", e.RunID)
	case event.KindRunCancelled:
		return fmt.Sprintf("run %s cancelled", e.RunID)
	case event.KindApprovalRequested:
		return fmt.Sprintf("run %s step %s awaits approval (%v)", e.RunID, e.StepID, e.Approvers)
	case event.KindStepFailed:
		if e.WillRetry {
			return ""
		}
		msg := ""
		if e.Error != nil {
			msg = ": " + e.Error.Message
		}
		return fmt.Sprintf("run %s step %s failed%s", e.RunID, e.StepID, msg)
	}
	return ""
}
