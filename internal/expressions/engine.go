package expressions

import "context"

// Engine is one expression language.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// Scope variables visible to conditions and selectors.
const (
	VarParams   = "params"
	VarIter     = "iter"
	VarWorkflow = "workflow"
)

var scopeVariables = []string{VarParams, VarIter, VarWorkflow}
