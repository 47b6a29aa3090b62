package cache

import (
	"time"

	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

// AggregateActivityInformation recomputes the workflow instance state from
// its activity instances and returns the new state.
//
// A failed Stopping activity, or any activity that failed unexpectedly, halts the instance (Halting while others still
// wait). Otherwise a waiting activity keeps it Waiting, and a failed
// CancelWorkflow activity fails it. An instance whose body returned becomes
// Success and is incomplete if a HandleLater activity failed; an instance whose
// body did not return is Waiting. A failed CancelWorkflow activity stamps the
// cancellation time even when the instance was already marked Failed.
func (c *Cache) AggregateActivityInformation() schema.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst := &c.instance.current
	var stopping, waiting, cancel, handleLater bool
	for _, t := range c.activityInstances {
		ai := t.current
		switch ai.State {
		case schema.ActivityStateWaiting:
			waiting = true
		case schema.ActivityStateFailed:
			switch failureUrgency(ai.FailCategory, c.activityVersions[ai.ActivityVersionID]) {
			case schema.FailUrgencyStopping:
				stopping = true
			case schema.FailUrgencyCancelWorkflow:
				cancel = true
			case schema.FailUrgencyHandleLater:
				handleLater = true
			}
		}
	}

	now := time.Now().UTC()
	switch {
	case inst.State == schema.WorkflowStateFailed:
		if cancel && inst.CancelledAt.IsZero() {
			inst.CancelledAt = now
		}
	case stopping && waiting:
		inst.State = schema.WorkflowStateHalting
	case stopping:
		inst.State = schema.WorkflowStateHalted
	case waiting:
		inst.State = schema.WorkflowStateWaiting
	case cancel:
		inst.State = schema.WorkflowStateFailed
		if inst.CancelledAt.IsZero() {
			inst.CancelledAt = now
		}
	case inst.State == schema.WorkflowStateSuccess:
		inst.IsComplete = !handleLater
	case inst.State == schema.WorkflowStateExecuting:
		inst.State = schema.WorkflowStateWaiting
	}

	if inst.State.IsFinal() && inst.FinishedAt.IsZero() {
		inst.FinishedAt = now
	}
	return inst.State
}

// failureUrgency returns the urgency a failed activity is aggregated with.
// Unexpected failures always halt, whatever the declared urgency.
func failureUrgency(category schema.FailCategory, av *tracked[store.ActivityVersion]) schema.FailUrgency {
	if schema.IsUnexpected(category) || av == nil {
		return schema.FailUrgencyStopping
	}
	return av.current.FailUrgency.OrDefault()
}
