// Package validation checks workflow parameters against the JSON Schema a
// workflow declares.
package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/reentry/pkg/schema"
)

// ParamValidator validates parameters against Draft 2020-12 schemas.
// Compiled schemas are shared by content hash, so registering many majors
// with one schema compiles it once. It is safe for concurrent use.
type ParamValidator struct {
	compiled sync.Map // content hash -> *jsonschema.Schema
	group    singleflight.Group
}

func NewParamValidator() *ParamValidator { return &ParamValidator{} }

// CheckSchema reports whether paramSchema compiles. An empty schema is valid.
func (v *ParamValidator) CheckSchema(paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	_, err := v.schemaFor(paramSchema)
	return err
}

// Validate checks params against paramSchema. Empty params validate as {}
// and an empty schema accepts anything.
func (v *ParamValidator) Validate(params json.RawMessage, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	sch, err := v.schemaFor(paramSchema)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "parameters are not valid JSON").WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return violationError(err)
	}
	return nil
}

func (v *ParamValidator) schemaFor(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.compiled.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err, _ := v.group.Do(key, func() (any, error) {
		s, err := compile(key, raw)
		if err != nil {
			return nil, err
		}
		v.compiled.Store(key, s)
		return s, nil
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}
	return s.(*jsonschema.Schema), nil
}

func compile(key string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	loc := "reentry://params/" + key + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}

// violationError lists every leaf violation under details["violations"].
func violationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)

	msg := verr.Error()
	switch {
	case len(leaves) == 1:
		msg = leaves[0]
	case len(leaves) > 1:
		msg = fmt.Sprintf("%d parameter violations", len(leaves))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(map[string]any{"violations": leaves})
}
