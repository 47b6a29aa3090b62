package engine

import (
	"context"

	"github.com/rendis/reentry/pkg/schema"
)

// The decision of an If, Switch or loop condition is memoized in a child
// action, so replays follow the branch the first evaluation chose.

func (r *run) runIf(ctx context.Context, s *Scope, a *If) (any, error) {
	cond := &Action{
		Header: Header{Position: "condition", Title: a.Title + " condition", FailUrgency: a.FailUrgency},
		Body: func(ctx context.Context, _ *Scope) (any, error) {
			switch {
			case a.Predicate != nil:
				return a.Predicate(s.Params())
			case a.Condition != "":
				return r.exec.eval.Condition(ctx, a.Condition, s.vars())
			}
			return nil, schema.Assertf("if %q has no condition", a.Title)
		},
	}
	ok, err := Execute[bool](ctx, s, cond)
	if err != nil {
		return nil, err
	}
	if ok {
		return runBranch(ctx, s.branch("then"), a.Then)
	}
	return runBranch(ctx, s.branch("else"), a.Else)
}

func (r *run) runSwitch(ctx context.Context, s *Scope, a *Switch) (any, error) {
	sel := &Action{
		Header: Header{Position: "selector", Title: a.Title + " selector", FailUrgency: a.FailUrgency},
		Body: func(ctx context.Context, _ *Scope) (any, error) {
			switch {
			case a.SelectorFunc != nil:
				return a.SelectorFunc(s.Params())
			case a.Selector != "":
				return r.exec.eval.Select(ctx, a.Selector, s.vars())
			}
			return nil, schema.Assertf("switch %q has no selector", a.Title)
		},
	}
	key, err := Execute[string](ctx, s, sel)
	if err != nil {
		return nil, err
	}
	if b, ok := a.Cases[key]; ok {
		return runBranch(ctx, s.branch("case."+key), b)
	}
	return runBranch(ctx, s.branch("otherwise"), a.Otherwise)
}

// runLoop returns the number of iterations run.
func (r *run) runLoop(ctx context.Context, s *Scope, a *Loop) (any, error) {
	if a.Body == nil {
		return nil, schema.Assertf("loop %q has no body", a.Title)
	}
	limit := a.MaxIterations
	if limit <= 0 {
		limit = defaultMaxIterations
	}

	for i := 0; i < limit; i++ {
		is := s.withIteration(i)
		if a.While != "" {
			cont, err := Execute[bool](ctx, is, &Action{
				Header: Header{Position: "while", Title: a.Title + " condition", FailUrgency: a.FailUrgency},
				Body: func(ctx context.Context, _ *Scope) (any, error) {
					return r.exec.eval.Condition(ctx, a.While, is.vars())
				},
			})
			if err != nil {
				return nil, err
			}
			if !cont {
				return i, nil
			}
		}

		sig, err := a.Body(ctx, is)
		if err != nil {
			return nil, err
		}
		switch sig {
		case LoopContinue:
		case LoopBreak:
			return i + 1, nil
		default:
			return nil, schema.Assertf("loop %q iteration %d returned neither LoopContinue nor LoopBreak", a.Title, i)
		}
	}
	return nil, schema.Assertf("loop %q exceeded %d iterations", a.Title, limit)
}

func runBranch(ctx context.Context, s *Scope, b Branch) (any, error) {
	if b == nil {
		return nil, nil
	}
	return b(ctx, s)
}
