package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/reentry/pkg/schema"
)

// Evaluator bundles the three engines behind the operations activities need.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with fresh program caches.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{cel: celEngine, expr: NewExprEngine(), jq: NewGoJQEngine()}, nil
}

// Condition evaluates a CEL expression that must yield a bool.
func (ev *Evaluator) Condition(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	out, err := ev.cel.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// Select evaluates an expr selector and returns its value formatted as the
// case key.
func (ev *Evaluator) Select(ctx context.Context, expression string, vars map[string]any) (string, error) {
	out, err := ev.expr.Evaluate(ctx, expression, vars)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return fmt.Sprint(out), nil
}

// Extract applies a jq path to a JSON document and returns the result
// re-encoded as JSON. An empty path returns the document unchanged.
func (ev *Evaluator) Extract(ctx context.Context, path string, doc json.RawMessage) (json.RawMessage, error) {
	if path == "" {
		return doc, nil
	}
	var input any
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "response is not JSON: %s", err.Error()).WithCause(err)
		}
	}
	out, err := ev.jq.Run(ctx, path, input)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
