// Package policy is the authorization/approval boundary consumed by the
// step executor. The real policy engine lives outside this system; here we
// define the interface plus in-memory implementations good enough for
// standalone deployments and tests.
package policy

import (
	"context"

	"github.com/nidhogg/overseer/internal/workflow"
)

// Effect is the outcome of an authorization check.
type Effect string

const (
	EffectAllow            Effect = "allow"
	EffectDeny             Effect = "deny"
	EffectRequiresApproval Effect = "requires_approval"
)

// Decision is the result of authorizing a step action for a role.
type Decision struct {
	Effect    Effect   `json:"effect"`
	Reason    string   `json:"reason,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
}

// Authorizer decides whether a role may perform a step action.
type Authorizer interface {
	Authorize(ctx context.Context, role string, action workflow.Action) (Decision, error)
}

// AllowAll authorizes everything. The default when no policy engine is
// wired in.
type AllowAll struct{}

// Authorize always allows.
func (AllowAll) Authorize(context.Context, string, workflow.Action) (Decision, error) {
	return Decision{Effect: EffectAllow}, nil
}

// StaticAuthorizer returns a fixed decision per role, falling back to a
// default. Useful for configuration-driven policies and tests.
type StaticAuthorizer struct {
	ByRole  map[string]Decision
	Default Decision
}

// Authorize looks up the role's decision.
func (a *StaticAuthorizer) Authorize(_ context.Context, role string, _ workflow.Action) (Decision, error) {
	if d, ok := a.ByRole[role]; ok {
		return d, nil
	}
	if a.Default.Effect == "" {
		return Decision{Effect: EffectAllow}, nil
	}
	return a.Default, nil
}
