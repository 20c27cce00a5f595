package upgrade

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultCancelExpr is the built-in cancellation rule: any current approver
// or the designated guardian may cancel a non-terminal proposal.
const DefaultCancelExpr = `actor in approvers || actor == guardian`

// CancelPolicy decides who may cancel a proposal. The expression is a CEL
// program over the acting identity and the current governance config,
// compiled once at construction.
type CancelPolicy struct {
	prg cel.Program
}

// NewCancelPolicy compiles expr into a cancellation policy. An empty expr
// uses DefaultCancelExpr.
func NewCancelPolicy(expr string) (*CancelPolicy, error) {
	if expr == "" {
		expr = DefaultCancelExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("approvers", cel.ListType(cel.StringType)),
		cel.Variable("guardian", cel.StringType),
		cel.Variable("status", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile cancel policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build cancel policy program: %w", err)
	}
	return &CancelPolicy{prg: prg}, nil
}

// Allow evaluates the policy for the given actor and config snapshot.
func (p *CancelPolicy) Allow(actor string, approvers []string, guardian, status string) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"actor":     actor,
		"approvers": approvers,
		"guardian":  guardian,
		"status":    status,
	})
	if err != nil {
		return false, fmt.Errorf("cancel policy eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cancel policy result not bool")
	}
	return val, nil
}
