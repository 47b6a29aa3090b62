package schema

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState string

const (
	WorkflowStateExecuting WorkflowState = "executing"
	WorkflowStateWaiting   WorkflowState = "waiting"
	WorkflowStateHalting   WorkflowState = "halting"
	WorkflowStateHalted    WorkflowState = "halted"
	WorkflowStateSuccess   WorkflowState = "success"
	WorkflowStateFailed    WorkflowState = "failed"
)

// IsFinal reports whether no further reentry can change the state without a manual retry.
func (s WorkflowState) IsFinal() bool {
	return s == WorkflowStateSuccess || s == WorkflowStateFailed || s == WorkflowStateHalted
}

// ActivityState is the lifecycle state of an activity instance.
type ActivityState string

const (
	ActivityStateExecuting ActivityState = "executing"
	ActivityStateWaiting   ActivityState = "waiting"
	ActivityStateSuccess   ActivityState = "success"
	ActivityStateFailed    ActivityState = "failed"
)

// IsTerminal reports whether the activity has produced a memoized outcome.
func (s ActivityState) IsTerminal() bool {
	return s == ActivityStateSuccess || s == ActivityStateFailed
}

// FailUrgency controls how an activity failure affects the enclosing workflow.
type FailUrgency string

const (
	// FailUrgencyStopping halts the workflow until it is retried manually.
	FailUrgencyStopping FailUrgency = "stopping"
	// FailUrgencyCancelWorkflow fails the whole workflow instance.
	FailUrgencyCancelWorkflow FailUrgency = "cancel_workflow"
	// FailUrgencyHandleLater continues with a default value and marks the instance incomplete.
	FailUrgencyHandleLater FailUrgency = "handle_later"
	// FailUrgencyIgnore continues with a default value.
	FailUrgencyIgnore FailUrgency = "ignore"
)

// OrDefault returns u, or FailUrgencyStopping when u is empty.
func (u FailUrgency) OrDefault() FailUrgency {
	if u == "" {
		return FailUrgencyStopping
	}
	return u
}

// FailCategory classifies an activity failure.
type FailCategory string

const (
	FailCategoryBusiness               FailCategory = "BusinessError"
	FailCategoryTechnical              FailCategory = "TechnicalError"
	FailCategoryWorkflowImplementation FailCategory = "WorkflowImplementationError"
	FailCategoryWorkflowCapability     FailCategory = "WorkflowCapabilityError"
	FailCategoryMaxTimeReached         FailCategory = "MaxTimeReachedError"
	FailCategoryCancelled              FailCategory = "CancelledError"
)

// IsUnexpected reports whether c marks a failure the workflow did not raise
// itself. Such failures halt the instance regardless of fail urgency.
func IsUnexpected(c FailCategory) bool {
	return c == FailCategoryWorkflowCapability || c == FailCategoryWorkflowImplementation
}

// ActivityKind enumerates the kinds of activities a workflow can declare.
type ActivityKind string

const (
	ActivityKindAction            ActivityKind = "action"
	ActivityKindIf                ActivityKind = "if"
	ActivityKindSwitch            ActivityKind = "switch"
	ActivityKindLoop              ActivityKind = "loop"
	ActivityKindForEachParallel   ActivityKind = "foreach_parallel"
	ActivityKindForEachSequential ActivityKind = "foreach_sequential"
	ActivityKindLock              ActivityKind = "lock"
	ActivityKindThrottle          ActivityKind = "throttle"
	ActivityKindSemaphore         ActivityKind = "semaphore"
)
