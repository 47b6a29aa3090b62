package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] instance wi-1", NewError(ErrCodeNotFound, "instance wi-1").Error())
	assert.Equal(t, "[ASSERTION_FAILED] activity ai-2: bad position 0",
		Assertf("bad position %d", 0).WithActivity("ai-2").Error())
}

func TestIsCode(t *testing.T) {
	inner := NewError(ErrCodeConflict, "etag mismatch")
	outer := NewError(ErrCodeStore, "save failed").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeStore))
	assert.True(t, IsCode(outer, ErrCodeConflict))
	assert.True(t, IsCode(fmt.Errorf("saving: %w", outer), ErrCodeConflict))
	assert.False(t, IsCode(outer, ErrCodeNotFound))
	assert.False(t, IsCode(fmt.Errorf("plain"), ErrCodeStore))
	assert.False(t, IsCode(nil, ErrCodeStore))
}

func TestStates(t *testing.T) {
	for _, s := range []WorkflowState{WorkflowStateSuccess, WorkflowStateFailed, WorkflowStateHalted} {
		assert.True(t, s.IsFinal(), s)
	}
	for _, s := range []WorkflowState{WorkflowStateExecuting, WorkflowStateWaiting, WorkflowStateHalting} {
		assert.False(t, s.IsFinal(), s)
	}

	assert.True(t, ActivityStateFailed.IsTerminal())
	assert.False(t, ActivityStateWaiting.IsTerminal())

	assert.Equal(t, FailUrgencyStopping, FailUrgency("").OrDefault())
	assert.Equal(t, FailUrgencyIgnore, FailUrgencyIgnore.OrDefault())

	assert.True(t, IsUnexpected(FailCategoryWorkflowCapability))
	assert.True(t, IsUnexpected(FailCategoryWorkflowImplementation))
	assert.False(t, IsUnexpected(FailCategoryBusiness))
}
