package engine

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/reentry/internal/validation"
	"github.com/rendis/reentry/pkg/schema"
)

var formNamespace = uuid.MustParse("0b7f3c39-94a5-4f6e-8f0c-6f12c1d0a2b4")

// Descriptor identifies a workflow implementation.
type Descriptor struct {
	// FormID is shared by every major version of a capability. When empty it
	// is derived from the capability name.
	FormID       string
	Capability   string
	Title        string
	MajorVersion int
	MinorVersion int
	// ParamSchema is an optional JSON Schema the parameters must satisfy.
	ParamSchema []byte
}

// Params are the JSON parameters a reentry was triggered with.
type Params json.RawMessage

// Decode unmarshals the parameters into v. Empty parameters leave v untouched.
func (p Params) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode workflow parameters").WithCause(err)
	}
	return nil
}

// Workflow is a workflow implementation. Run is replayed from the start on
// every reentry and must resolve activities in a deterministic order.
type Workflow interface {
	Descriptor() Descriptor
	Run(ctx context.Context, s *Scope, params Params) (any, error)
}

// WorkflowFunc adapts a function to the Workflow interface.
type WorkflowFunc struct {
	Desc Descriptor
	Fn   func(ctx context.Context, s *Scope, params Params) (any, error)
}

func (w WorkflowFunc) Descriptor() Descriptor { return w.Desc }

func (w WorkflowFunc) Run(ctx context.Context, s *Scope, params Params) (any, error) {
	return w.Fn(ctx, s, params)
}

// Registry maps capability names to implementations by major version. New
// instances bind to the highest registered major; existing instances keep the
// major they were created with. It is safe for concurrent use.
type Registry struct {
	validator *validation.ParamValidator

	mu       sync.RWMutex
	versions map[string]map[int]Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		validator: validation.NewParamValidator(),
		versions:  make(map[string]map[int]Workflow),
	}
}

// Register adds wf. Registering the same capability and major twice is a
// conflict; majors of one capability with different form ids are rejected.
func (r *Registry) Register(wf Workflow) error {
	d := descriptorOf(wf)
	if d.Capability == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow capability is required")
	}
	if d.MajorVersion < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: major version must be at least 1", d.Capability)
	}
	if err := r.validator.CheckSchema(d.ParamSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	majors := r.versions[d.Capability]
	if majors == nil {
		majors = make(map[int]Workflow)
		r.versions[d.Capability] = majors
	}
	if _, exists := majors[d.MajorVersion]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q v%d already registered", d.Capability, d.MajorVersion)
	}
	for _, other := range majors {
		if descriptorOf(other).FormID != d.FormID {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: every major version must share one form id", d.Capability)
		}
	}
	majors[d.MajorVersion] = wf
	return nil
}

// Latest returns the highest registered major of capability.
func (r *Registry) Latest(capability string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	majors := r.versions[capability]
	if len(majors) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "no workflow registered for capability %q", capability)
	}
	return majors[slices.Max(slices.Collect(maps.Keys(majors)))], nil
}

// Lookup returns the implementation of capability bound to major.
func (r *Registry) Lookup(capability string, major int) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.versions[capability][major]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q has no implementation for major version %d", capability, major)
	}
	return wf, nil
}

// Capabilities lists registered capability names in order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.versions))
}

// ValidateParams checks params against the schema of wf.
func (r *Registry) ValidateParams(wf Workflow, params Params) error {
	return r.validator.Validate(json.RawMessage(params), descriptorOf(wf).ParamSchema)
}

func descriptorOf(wf Workflow) Descriptor {
	d := wf.Descriptor()
	if d.FormID == "" && d.Capability != "" {
		d.FormID = uuid.NewSHA1(formNamespace, []byte("workflow_form:"+d.Capability)).String()
	}
	if d.Title == "" {
		d.Title = d.Capability
	}
	return d
}
