package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reentry/pkg/schema"
)

var orderSchema = []byte(`{
  "type": "object",
  "required": ["order_id", "amount"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "amount":   {"type": "number", "minimum": 0},
    "email":    {"type": "string", "format": "email"}
  }
}`)

func TestValidate_Valid(t *testing.T) {
	v := NewParamValidator()
	err := v.Validate(json.RawMessage(`{"order_id":"o-1","amount":12.5}`), orderSchema)
	assert.NoError(t, err)
}

func TestValidate_NoSchemaAcceptsAnything(t *testing.T) {
	v := NewParamValidator()
	assert.NoError(t, v.Validate(json.RawMessage(`[1,2]`), nil))
}

func TestValidate_EmptyParamsAreEmptyObject(t *testing.T) {
	v := NewParamValidator()
	err := v.Validate(nil, []byte(`{"type":"object"}`))
	assert.NoError(t, err)

	err = v.Validate(nil, orderSchema)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidate_Violations(t *testing.T) {
	v := NewParamValidator()
	err := v.Validate(json.RawMessage(`{"order_id":"","amount":-1,"email":"nope"}`), orderSchema)
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	violations, ok := se.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 3)
}

func TestValidate_SingleViolationMessage(t *testing.T) {
	v := NewParamValidator()
	err := v.Validate(json.RawMessage(`{"order_id":"o-1"}`), orderSchema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")
}

func TestValidate_BadJSON(t *testing.T) {
	v := NewParamValidator()
	err := v.Validate(json.RawMessage(`{oops`), orderSchema)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCheckSchema(t *testing.T) {
	v := NewParamValidator()
	assert.NoError(t, v.CheckSchema(nil))
	assert.NoError(t, v.CheckSchema(orderSchema))
	assert.Error(t, v.CheckSchema([]byte(`{"type": 12}`)))
	assert.Error(t, v.CheckSchema([]byte(`not json`)))
}

func TestValidate_CacheConcurrent(t *testing.T) {
	v := NewParamValidator()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Validate(json.RawMessage(`{"order_id":"x","amount":1}`), orderSchema))
		}()
	}
	wg.Wait()
	n := 0
	v.compiled.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 1, n)
}
