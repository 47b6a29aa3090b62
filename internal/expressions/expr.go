package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const langExpr = "expr"

// ExprEngine evaluates Switch selectors. vars is the expression environment,
// and names it does not define evaluate to nil.
type ExprEngine struct {
	programs programs[*vm.Program]
}

func NewExprEngine() *ExprEngine { return &ExprEngine{} }

func (e *ExprEngine) Name() string { return langExpr }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(langExpr)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	prg, err := e.programs.get(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, expr.Env(vars), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError(langExpr, src, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, vars)
	if err != nil {
		return nil, evalError(langExpr, expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
