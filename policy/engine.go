// Package policy gates input-injection actions through an OPA policy
// before they are relayed to an agent.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.action_policy.decision"),
		rego.Module("action_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the action policy. Input is a map with keys such as
// action, text, screen, agent_id. Returns the decision (allow or block).
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The embedded policy defines a default, so this only happens
		// with a custom policy that forgot one. Fail open like the
		// default would.
		return "allow", nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "allow", nil
}

// DefaultPolicy is the default action policy content.
const DefaultPolicy = `
package action_policy

default decision = "allow"

allowed_kinds = {"click", "type", "scroll"}

decision = "block" {
	not allowed_kinds[input.action]
}

# Oversized text payloads are never legitimate input injection
decision = "block" {
	input.action == "type"
	count(input.text) > 4096
}
`
