package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/reentry/pkg/schema"
)

// runForEach runs one "item" child action per index, keyed by iteration, and
// returns the results keyed by a.Key.
//
// Parallel branches all start in this reentry. If any branch postpones, the
// whole fan-out postpones with the merged wait ids and completed results are
// discarded; they replay from memo on the next reentry. Sequential branches
// stop at the first branch that does not complete.
func (r *run) runForEach(ctx context.Context, s *Scope, a *ForEach) (any, error) {
	if a.Branch == nil || a.Key == nil {
		return nil, schema.Assertf("fan-out %q needs a branch and a key function", a.Title)
	}

	keys := make([]string, a.Count)
	seen := make(map[string]int, a.Count)
	for i := range a.Count {
		out, err := r.callSafely(func() (any, error) { return a.Key(i) })
		if err != nil {
			return nil, schema.Assertf("fan-out %q: key of item %d: %s", a.Title, i, err.Error()).WithCause(err)
		}
		k, _ := out.(string)
		if j, dup := seen[k]; dup {
			return nil, schema.Assertf("fan-out %q: items %d and %d share key %q", a.Title, j, i, k)
		}
		seen[k] = i
		keys[i] = k
	}

	item := func(i int) *Action {
		return &Action{
			Header: Header{
				Position:    "item",
				Title:       a.Title + " item",
				FailUrgency: a.FailUrgency,
				Default:     a.Default,
			},
			Body: func(ctx context.Context, bs *Scope) (any, error) { return a.Branch(ctx, bs, i) },
		}
	}

	results := make([]json.RawMessage, a.Count)
	errs := make([]error, a.Count)
	if a.Parallel {
		var g errgroup.Group
		if n := r.exec.cfg.MaxParallel; n > 0 {
			g.SetLimit(n)
		}
		for i := range a.Count {
			g.Go(func() error {
				results[i], errs[i] = Execute[json.RawMessage](ctx, s.withIteration(i), item(i))
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range a.Count {
			results[i], errs[i] = Execute[json.RawMessage](ctx, s.withIteration(i), item(i))
			if errs[i] != nil {
				break
			}
		}
	}

	if err := mergeBranchErrors(errs); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, a.Count)
	for i, k := range keys {
		out[k] = results[i]
	}
	return out, nil
}

// mergeBranchErrors combines branch outcomes. A workflow failure wins over
// postponement, which wins over any other error.
func mergeBranchErrors(errs []error) error {
	var postponed []*schema.PostponedError
	var others []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if wf, ok := schema.AsWorkflowFailed(err); ok {
			return wf
		}
		if p, ok := schema.AsPostponed(err); ok {
			postponed = append(postponed, p)
			continue
		}
		others = append(others, err)
	}
	if len(postponed) > 0 {
		return schema.MergePostponed(postponed...)
	}
	return multierr.Combine(others...)
}
