package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

const langJQ = "jq"

// GoJQEngine reduces async responses with jq paths.
type GoJQEngine struct {
	programs programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine { return &GoJQEngine{} }

func (e *GoJQEngine) Name() string { return langJQ }

// Evaluate runs expression over vars["."] when present, otherwise over vars.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if doc, ok := vars["."]; ok {
		return e.Run(ctx, expression, doc)
	}
	return e.Run(ctx, expression, vars)
}

// Run executes expression against a decoded JSON value. No output yields
// nil, one output is returned as is and several are collected into []any.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(langJQ)
	}
	code, err := e.programs.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	var outputs []any
	it := code.RunWithContext(ctx, input)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError(langJQ, expression, err)
		}
		outputs = append(outputs, v)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	}
	return outputs, nil
}

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError(langJQ, src, err)
	}
	// $ENV is always empty.
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(langJQ, src, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
