// Package broker is the capacity-broker boundary for agent-task steps. The
// broker pools and rate-limits the underlying action capacity; the step
// executor only consumes this interface and treats ErrRateLimited as a
// transient failure on the normal retry path.
package broker

import (
	"context"
	"errors"
)

// ErrRateLimited signals that the broker has no capacity right now. It is
// transient: the attempt fails and is retried per the step's policy.
var ErrRateLimited = errors.New("capacity broker rate limited")

// Request asks the broker to execute one agent task.
type Request struct {
	Prompt   string `json:"prompt"`
	RunID    string `json:"run_id"`
	StepID   string `json:"step_id"`
	Role     string `json:"role"`
	Priority int    `json:"priority"`
}

// Response is the broker's result for a request.
type Response struct {
	Output string `json:"output"`
	Tokens int    `json:"tokens,omitempty"`
	Source string `json:"source,omitempty"`
}

// CapacityBroker executes agent-task requests against pooled capacity.
type CapacityBroker interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}
