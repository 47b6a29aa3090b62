package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reentry/pkg/schema"
)

func constant(label string) Branch {
	return func(ctx context.Context, s *Scope) (any, error) {
		return Execute[string](ctx, s, NewAction("1", label, func(context.Context, *Scope) (string, error) {
			return label, nil
		}))
	}
}

func TestIf_CELCondition(t *testing.T) {
	wf := workflow("refunds.route", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[string](ctx, s, NewIf("1", "route", "params.amount > 100", constant("manual"), constant("auto")))
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-big", "refunds.route", `{"amount": 150}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"manual"`, string(res.Output))

	res, err = h.reenter("wi-small", "refunds.route", `{"amount": 20}`)
	require.NoError(t, err)
	assert.JSONEq(t, `"auto"`, string(res.Output))
}

func TestIf_MissingElseReturnsNull(t *testing.T) {
	wf := workflow("refunds.route", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[*string](ctx, s, NewIf("1", "route", "params.amount > 100", constant("manual"), nil))
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-1", "refunds.route", `{"amount": 1}`)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStateSuccess, res.State)
	assert.JSONEq(t, "null", string(res.Output))
}

func TestIf_DecisionIsMemoized(t *testing.T) {
	var evaluations atomic.Int32
	pred := func(Params) (bool, error) {
		// Flips on every evaluation; the memoized decision must win.
		return evaluations.Add(1)%2 == 1, nil
	}
	then := func(ctx context.Context, s *Scope) (any, error) {
		return Execute[string](ctx, s, NewAction("1", "approve", func(context.Context, *Scope) (string, error) {
			return "", WaitForResponse("approval")
		}))
	}
	wf := workflow("refunds.approve", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[string](ctx, s, NewIfFunc("1", "needs approval", pred, then, constant("skipped")))
	})
	h := newHarness(t, Config{}, wf)

	_, err := h.reenter("wi-1", "refunds.approve", "")
	requirePostponed(t, err)

	require.NoError(t, h.broker.Complete("approval", "approved"))
	res, err := h.reenter("wi-1", "refunds.approve", "")
	require.NoError(t, err)
	assert.JSONEq(t, `"approved"`, string(res.Output))
	assert.Equal(t, int32(1), evaluations.Load())
}

func TestIf_NonBooleanConditionHalts(t *testing.T) {
	wf := workflow("refunds.route", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[string](ctx, s, NewIf("1", "route", "params.amount", constant("a"), constant("b")))
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-1", "refunds.route", `{"amount": 3}`)
	requirePostponed(t, err)
	assert.Equal(t, schema.WorkflowStateHalted, res.State)
}

func TestSwitch_ExprSelector(t *testing.T) {
	cases := map[string]Branch{
		"gold":   constant("concierge"),
		"silver": constant("priority"),
	}
	wf := workflow("support.route", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[string](ctx, s, NewSwitch("1", "tier", "params.tier", cases, constant("standard")))
	})
	h := newHarness(t, Config{}, wf)

	tests := []struct {
		id, params, want string
	}{
		{"wi-gold", `{"tier":"gold"}`, `"concierge"`},
		{"wi-silver", `{"tier":"silver"}`, `"priority"`},
		{"wi-bronze", `{"tier":"bronze"}`, `"standard"`},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res, err := h.reenter(tt.id, "support.route", tt.params)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(res.Output))
		})
	}
}

func TestSwitch_BranchesDoNotShareActivities(t *testing.T) {
	wf := workflow("support.route", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[string](ctx, s, NewSwitchFunc("1", "tier", func(p Params) (string, error) {
			var in struct{ Tier string }
			if err := p.Decode(&in); err != nil {
				return "", err
			}
			return in.Tier, nil
		}, map[string]Branch{"a": constant("a"), "b": constant("b")}, nil))
	})
	h := newHarness(t, Config{}, wf)

	_, err := h.reenter("wi-a", "support.route", `{"tier":"a"}`)
	require.NoError(t, err)
	_, err = h.reenter("wi-b", "support.route", `{"tier":"b"}`)
	require.NoError(t, err)

	a, err := h.st.ReadSummary(context.Background(), "wi-a")
	require.NoError(t, err)
	b, err := h.st.ReadSummary(context.Background(), "wi-b")
	require.NoError(t, err)

	var positions []string
	for _, v := range a.ActivityVersions {
		positions = append(positions, v.Position)
	}
	for _, v := range b.ActivityVersions {
		positions = append(positions, v.Position)
	}
	assert.Contains(t, positions, "1.case.a.1")
	assert.Contains(t, positions, "1.case.b.1")
	assert.Contains(t, positions, "1.selector")
}

func TestLoop_BreakAndMemoizedIterations(t *testing.T) {
	var calls atomic.Int32
	wf := workflow("batch.process", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		total := 0
		n, err := Execute[int](ctx, s, NewLoop("1", "pages", func(ctx context.Context, ls *Scope) (LoopSignal, error) {
			i := ls.Iteration()
			v, err := Execute[int](ctx, ls, NewAction("1", "page", func(context.Context, *Scope) (int, error) {
				calls.Add(1)
				if i == 1 && calls.Load() == 2 {
					return 0, WaitForResponse("page-1")
				}
				return i * 10, nil
			}))
			if err != nil {
				return 0, err
			}
			total += v
			if i == 2 {
				return LoopBreak, nil
			}
			return LoopContinue, nil
		}))
		if err != nil {
			return nil, err
		}
		return map[string]int{"iterations": n, "total": total}, nil
	})
	h := newHarness(t, Config{}, wf)

	_, err := h.reenter("wi-1", "batch.process", "")
	assert.Equal(t, []string{"page-1"}, requirePostponed(t, err).WaitingForIDs)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, h.broker.Complete("page-1", 10))
	res, err := h.reenter("wi-1", "batch.process", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"iterations":3,"total":30}`, string(res.Output))
	// Iteration 0 replayed from memo, iteration 2 ran once.
	assert.Equal(t, int32(3), calls.Load())
}

func TestLoop_WhileCondition(t *testing.T) {
	wf := workflow("batch.count", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		loop := NewLoop("1", "count", func(context.Context, *Scope) (LoopSignal, error) {
			return LoopContinue, nil
		})
		loop.While = "iter.index < params.limit"
		return Execute[int](ctx, s, loop)
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-1", "batch.count", `{"limit": 4}`)
	require.NoError(t, err)
	assert.JSONEq(t, "4", string(res.Output))
}

func TestLoop_ExceedingMaxIterationsHalts(t *testing.T) {
	wf := workflow("batch.forever", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		loop := NewLoop("1", "forever", func(context.Context, *Scope) (LoopSignal, error) {
			return LoopContinue, nil
		})
		loop.MaxIterations = 3
		return Execute[int](ctx, s, loop)
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-1", "batch.forever", "")
	requirePostponed(t, err)
	assert.Equal(t, schema.WorkflowStateHalted, res.State)
}

func TestLoop_UnsetSignalHalts(t *testing.T) {
	wf := workflow("batch.unset", 1, func(ctx context.Context, s *Scope, _ Params) (any, error) {
		return Execute[int](ctx, s, NewLoop("1", "unset", func(context.Context, *Scope) (LoopSignal, error) {
			return 0, nil
		}))
	})
	h := newHarness(t, Config{}, wf)

	res, err := h.reenter("wi-1", "batch.unset", "")
	requirePostponed(t, err)
	assert.Equal(t, schema.WorkflowStateHalted, res.State)
}
