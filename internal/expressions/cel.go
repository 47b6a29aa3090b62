package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

const langCEL = "cel"

// CELEngine evaluates If and Loop conditions.
type CELEngine struct {
	env      *cel.Env
	programs programs[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares:
//   - params:   map(string, dyn), the workflow parameters
//   - iter:     map(string, dyn), the current loop iteration (index, item)
//   - workflow: map(string, dyn), instance metadata (instance_id, capability)
func NewCELEngine() (*CELEngine, error) {
	vars := cel.MapType(cel.StringType, cel.DynType)

	// JSON numbers decode as doubles, so params.amount > 100 must compare
	// double with int.
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range scopeVariables {
		opts = append(opts, cel.Variable(name, vars))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return langCEL }

// Evaluate runs expression with vars bound. Scope variables absent from vars
// are bound to empty maps so has() checks work.
func (e *CELEngine) Evaluate(_ context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(langCEL)
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	bound := make(map[string]any, len(scopeVariables))
	for _, name := range scopeVariables {
		bound[name] = map[string]any{}
		if v := vars[name]; v != nil {
			bound[name] = v
		}
	}
	out, _, err := prg.Eval(bound)
	if err != nil {
		return nil, evalError(langCEL, expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, compileError(langCEL, src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(langCEL, src, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
