package engine

import (
	"slices"

	"github.com/rendis/reentry/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for workflow instances.
var ValidWorkflowTransitions = map[schema.WorkflowState][]schema.WorkflowState{
	schema.WorkflowStateExecuting: {
		schema.WorkflowStateExecuting, schema.WorkflowStateWaiting, schema.WorkflowStateHalting,
		schema.WorkflowStateHalted, schema.WorkflowStateSuccess, schema.WorkflowStateFailed,
	},
	schema.WorkflowStateWaiting: {schema.WorkflowStateExecuting, schema.WorkflowStateFailed},
	schema.WorkflowStateHalting: {schema.WorkflowStateExecuting, schema.WorkflowStateWaiting, schema.WorkflowStateFailed},
	// Halted instances return to Waiting only through a manual retry.
	schema.WorkflowStateHalted:  {schema.WorkflowStateWaiting, schema.WorkflowStateFailed},
	schema.WorkflowStateSuccess: {},
	schema.WorkflowStateFailed:  {},
}

// ValidActivityTransitions defines the allowed state transitions for activity instances.
var ValidActivityTransitions = map[schema.ActivityState][]schema.ActivityState{
	schema.ActivityStateExecuting: {schema.ActivityStateSuccess, schema.ActivityStateFailed, schema.ActivityStateWaiting},
	schema.ActivityStateWaiting:   {schema.ActivityStateSuccess, schema.ActivityStateFailed},
	schema.ActivityStateSuccess:   {},
	// Retry resets a failed activity.
	schema.ActivityStateFailed: {schema.ActivityStateExecuting},
}

func isValidWorkflowTransition(from, to schema.WorkflowState) bool {
	return slices.Contains(ValidWorkflowTransitions[from], to)
}

func isValidActivityTransition(from, to schema.ActivityState) bool {
	return slices.Contains(ValidActivityTransitions[from], to)
}

func checkWorkflowTransition(instanceID string, from, to schema.WorkflowState) error {
	if from == to && from != schema.WorkflowStateExecuting {
		return nil
	}
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_instance_id": instanceID, "from": string(from), "to": string(to)})
	}
	return nil
}

func checkActivityTransition(activityID string, from, to schema.ActivityState) error {
	if !isValidActivityTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"invalid activity transition: %s -> %s", from, to).
			WithActivity(activityID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}
