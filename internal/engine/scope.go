package engine

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/reentry/internal/cache"
	"github.com/rendis/reentry/internal/expressions"
	"github.com/rendis/reentry/pkg/schema"
)

// run is the state of one reentry shared by every scope derived from it.
type run struct {
	exec       *Executor
	cache      *cache.Cache
	instanceID string
	reentryID  string
	formID     string
	capability string
	major      int
	params     Params

	paramsOnce sync.Once
	paramsMap  map[string]any

	// set when a guard of this run freed a semaphore the instance itself is
	// queued on
	selfReady atomic.Bool
}

func (r *run) paramValues() map[string]any {
	r.paramsOnce.Do(func() {
		r.paramsMap = map[string]any{}
		if len(r.params) > 0 {
			// Non-object parameters are exposed as params.value.
			if err := json.Unmarshal(r.params, &r.paramsMap); err != nil {
				var v any
				if json.Unmarshal(r.params, &v) == nil {
					r.paramsMap = map[string]any{"value": v}
				}
			}
		}
	})
	return r.paramsMap
}

type parentRef struct {
	position   string
	versionID  string
	instanceID string
}

// Scope is the explicit execution context of workflow code: the reentry it
// belongs to, the enclosing activity occurrence and the loop iteration or
// fan-out branch of that activity. Every activity body receives the scope of
// its own children. Scopes are immutable and safe to share across goroutines.
type Scope struct {
	run       *run
	parent    *parentRef
	iteration int
}

func (r *run) root() *Scope {
	return &Scope{run: r}
}

// InstanceID returns the workflow instance being reentered.
func (s *Scope) InstanceID() string { return s.run.instanceID }

// ReentryID returns the id of the current reentry.
func (s *Scope) ReentryID() string { return s.run.reentryID }

// ActivityInstanceID returns the enclosing activity occurrence, or "" at the
// top of the workflow body. It is stable across reentries and is the natural
// idempotency key for external requests.
func (s *Scope) ActivityInstanceID() string {
	if s.parent == nil {
		return ""
	}
	return s.parent.instanceID
}

// Iteration returns the loop iteration or fan-out branch index of the scope.
func (s *Scope) Iteration() int { return s.iteration }

// Params returns the workflow parameters.
func (s *Scope) Params() Params { return s.run.params }

// Logger returns the executor logger.
func (s *Scope) Logger() *slog.Logger { return s.run.exec.logger }

func (s *Scope) child(res cache.Resolved) *Scope {
	return &Scope{run: s.run, parent: &parentRef{
		position:   res.Position,
		versionID:  res.VersionID,
		instanceID: res.InstanceID,
	}}
}

func (s *Scope) withIteration(i int) *Scope {
	return &Scope{run: s.run, parent: s.parent, iteration: i}
}

// branch keeps the parent occurrence but nests positions under suffix, so
// the alternatives of an If or Switch never share activity versions.
func (s *Scope) branch(suffix string) *Scope {
	p := *s.parent
	p.position += "." + suffix
	return &Scope{run: s.run, parent: &p, iteration: s.iteration}
}

func (s *Scope) ref(h *Header, kind schema.ActivityKind, asyncPriority int) cache.ActivityRef {
	ref := cache.ActivityRef{
		FormID:        h.FormID,
		Kind:          kind,
		Title:         h.Title,
		Position:      h.Position,
		FailUrgency:   h.FailUrgency,
		AsyncPriority: asyncPriority,
	}
	if s.parent != nil {
		ref.ParentPosition = s.parent.position
		ref.ParentVersionID = s.parent.versionID
		ref.ParentInstanceID = s.parent.instanceID
		ref.ParentIteration = s.iteration
	}
	return ref
}

// vars are the variables visible to conditions and selectors.
func (s *Scope) vars() map[string]any {
	return map[string]any{
		expressions.VarParams: s.run.paramValues(),
		expressions.VarIter: map[string]any{
			"index": s.iteration,
		},
		expressions.VarWorkflow: map[string]any{
			"instance_id":   s.run.instanceID,
			"capability":    s.run.capability,
			"major_version": s.run.major,
		},
	}
}
