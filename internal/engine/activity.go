package engine

import (
	"context"
	"time"

	"github.com/rendis/reentry/pkg/schema"
)

// Header carries the fields every activity kind declares.
type Header struct {
	// Position is the declared position among siblings, e.g. "2".
	Position string
	Title    string
	// FormID pins the activity template id. Empty derives one from the position.
	FormID      string
	FailUrgency schema.FailUrgency
	// Default supplies the value used when a HandleLater or Ignore failure is
	// suppressed. Nil means the zero value.
	Default func() (any, error)
}

// Activity is one declared activity occurrence. The set of kinds is closed:
// *Action, *If, *Switch, *Loop, *ForEach and *Guard.
type Activity interface {
	header() *Header
	kind() schema.ActivityKind
}

// Branch is the body of a nested flow: an If or Switch alternative or a
// Guard body.
type Branch func(ctx context.Context, s *Scope) (any, error)

// Action is a unit of work whose outcome is memoized.
type Action struct {
	Header
	Body Branch
	// AsyncPriority is stored on the activity instance for the broker.
	AsyncPriority int
	// ResultPath is a jq expression applied to an async response body.
	ResultPath string
}

// If runs Then or Else depending on a condition evaluated once per instance.
type If struct {
	Header
	// Condition is a CEL expression over params, iter and workflow.
	Condition string
	// Predicate is used instead of Condition when set.
	Predicate  func(p Params) (bool, error)
	Then, Else Branch
}

// Switch runs the case matching a selector evaluated once per instance.
type Switch struct {
	Header
	// Selector is an expr expression over params, iter and workflow.
	Selector string
	// SelectorFunc is used instead of Selector when set.
	SelectorFunc func(p Params) (string, error)
	Cases        map[string]Branch
	// Otherwise runs when no case matches.
	Otherwise Branch
}

// LoopSignal is returned by every loop iteration.
type LoopSignal int

const (
	loopUnset LoopSignal = iota
	// LoopContinue runs the next iteration.
	LoopContinue
	// LoopBreak ends the loop after this iteration.
	LoopBreak
)

const defaultMaxIterations = 10000

// Loop runs Body once per iteration until it returns LoopBreak or While
// evaluates to false. Activities inside the body are keyed by iteration.
type Loop struct {
	Header
	// While is an optional CEL condition checked before each iteration.
	While string
	// MaxIterations bounds the loop. Zero means defaultMaxIterations.
	MaxIterations int
	Body          func(ctx context.Context, s *Scope) (LoopSignal, error)
}

// ForEach runs one branch activity per item, concurrently or in order, and
// returns the branch results keyed by Key.
type ForEach struct {
	Header
	Parallel bool
	Count    int
	Key      func(i int) (string, error)
	Branch   func(ctx context.Context, s *Scope, i int) (any, error)
}

// Guard runs Body while holding a lock, throttle or semaphore slot.
type Guard struct {
	Header
	Kind     schema.ActivityKind
	Resource string
	Limit    int
	// Expiry is the hold time of throttles and semaphores.
	Expiry time.Duration
	Body   Branch
}

func (a *Action) header() *Header  { return &a.Header }
func (a *If) header() *Header      { return &a.Header }
func (a *Switch) header() *Header  { return &a.Header }
func (a *Loop) header() *Header    { return &a.Header }
func (a *ForEach) header() *Header { return &a.Header }
func (a *Guard) header() *Header   { return &a.Header }

func (*Action) kind() schema.ActivityKind { return schema.ActivityKindAction }
func (*If) kind() schema.ActivityKind     { return schema.ActivityKindIf }
func (*Switch) kind() schema.ActivityKind { return schema.ActivityKindSwitch }
func (*Loop) kind() schema.ActivityKind   { return schema.ActivityKindLoop }
func (a *ForEach) kind() schema.ActivityKind {
	if a.Parallel {
		return schema.ActivityKindForEachParallel
	}
	return schema.ActivityKindForEachSequential
}
func (a *Guard) kind() schema.ActivityKind { return a.Kind }

// --- Options ---

// Option configures an activity.
type Option func(*options)

type options struct {
	header        Header
	asyncPriority int
	resultPath    string
}

func applyOptions(position, title string, opts []Option) options {
	o := options{header: Header{Position: position, Title: title}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithFailUrgency sets how a failure of the activity affects the workflow.
func WithFailUrgency(u schema.FailUrgency) Option {
	return func(o *options) { o.header.FailUrgency = u }
}

// WithFormID pins the activity template id.
func WithFormID(id string) Option {
	return func(o *options) { o.header.FormID = id }
}

// WithDefault supplies the value returned when a failure is suppressed.
func WithDefault[T any](fn func() (T, error)) Option {
	return func(o *options) {
		o.header.Default = func() (any, error) { return fn() }
	}
}

// WithAsyncPriority sets the broker priority of an action.
func WithAsyncPriority(p int) Option {
	return func(o *options) { o.asyncPriority = p }
}

// WithResultPath sets the jq path applied to the async response of an action.
func WithResultPath(path string) Option {
	return func(o *options) { o.resultPath = path }
}

// --- Constructors ---

// NewAction declares an action at position.
func NewAction[T any](position, title string, body func(ctx context.Context, s *Scope) (T, error), opts ...Option) *Action {
	o := applyOptions(position, title, opts)
	return &Action{
		Header:        o.header,
		Body:          func(ctx context.Context, s *Scope) (any, error) { return body(ctx, s) },
		AsyncPriority: o.asyncPriority,
		ResultPath:    o.resultPath,
	}
}

// NewIf declares an If whose condition is a CEL expression.
func NewIf(position, title, condition string, then, els Branch, opts ...Option) *If {
	o := applyOptions(position, title, opts)
	return &If{Header: o.header, Condition: condition, Then: then, Else: els}
}

// NewIfFunc declares an If whose condition is a Go predicate.
func NewIfFunc(position, title string, pred func(p Params) (bool, error), then, els Branch, opts ...Option) *If {
	o := applyOptions(position, title, opts)
	return &If{Header: o.header, Predicate: pred, Then: then, Else: els}
}

// NewSwitch declares a Switch whose selector is an expr expression.
func NewSwitch(position, title, selector string, cases map[string]Branch, otherwise Branch, opts ...Option) *Switch {
	o := applyOptions(position, title, opts)
	return &Switch{Header: o.header, Selector: selector, Cases: cases, Otherwise: otherwise}
}

// NewSwitchFunc declares a Switch whose selector is a Go function.
func NewSwitchFunc(position, title string, sel func(p Params) (string, error), cases map[string]Branch, otherwise Branch, opts ...Option) *Switch {
	o := applyOptions(position, title, opts)
	return &Switch{Header: o.header, SelectorFunc: sel, Cases: cases, Otherwise: otherwise}
}

// NewLoop declares a Loop.
func NewLoop(position, title string, body func(ctx context.Context, s *Scope) (LoopSignal, error), opts ...Option) *Loop {
	o := applyOptions(position, title, opts)
	return &Loop{Header: o.header, Body: body}
}

// ForEachParallel declares a parallel fan-out over items. Branch failures use
// the urgency and default of the container.
func ForEachParallel[I, R any](position, title string, items []I, key func(I) string,
	branch func(ctx context.Context, s *Scope, item I) (R, error), opts ...Option) *ForEach {
	return newForEach(true, position, title, items, key, branch, opts)
}

// ForEachSequential declares a sequential fan-out over items.
func ForEachSequential[I, R any](position, title string, items []I, key func(I) string,
	branch func(ctx context.Context, s *Scope, item I) (R, error), opts ...Option) *ForEach {
	return newForEach(false, position, title, items, key, branch, opts)
}

func newForEach[I, R any](parallel bool, position, title string, items []I, key func(I) string,
	branch func(ctx context.Context, s *Scope, item I) (R, error), opts []Option) *ForEach {
	o := applyOptions(position, title, opts)
	return &ForEach{
		Header:   o.header,
		Parallel: parallel,
		Count:    len(items),
		Key:      func(i int) (string, error) { return key(items[i]), nil },
		Branch: func(ctx context.Context, s *Scope, i int) (any, error) {
			return branch(ctx, s, items[i])
		},
	}
}

// NewLock declares a Guard holding a lock scoped to the workflow form.
func NewLock(position, title, resource string, body Branch, opts ...Option) *Guard {
	o := applyOptions(position, title, opts)
	return &Guard{Header: o.header, Kind: schema.ActivityKindLock, Resource: resource, Limit: 1, Body: body}
}

// NewThrottle declares a Guard holding one of limit slots shared by every
// workflow form for window. Throttle slots are left to expire.
func NewThrottle(position, title, resource string, limit int, window time.Duration, body Branch, opts ...Option) *Guard {
	o := applyOptions(position, title, opts)
	return &Guard{Header: o.header, Kind: schema.ActivityKindThrottle, Resource: resource, Limit: limit, Expiry: window, Body: body}
}

// NewSemaphore declares a Guard holding one of limit slots of a semaphore
// scoped to the workflow form.
func NewSemaphore(position, title, resource string, limit int, expiry time.Duration, body Branch, opts ...Option) *Guard {
	o := applyOptions(position, title, opts)
	return &Guard{Header: o.header, Kind: schema.ActivityKindSemaphore, Resource: resource, Limit: limit, Expiry: expiry, Body: body}
}
