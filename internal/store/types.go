package store

import (
	"time"

	"github.com/rendis/reentry/pkg/schema"
)

// Every record is a flat value: copying a record copies all of its state.
// Etag is the optimistic-concurrency token; an empty Etag means the record has
// never been stored.

// WorkflowForm is the immutable template identity of a workflow type.
type WorkflowForm struct {
	ID             string    `json:"id" msgpack:"id"`
	CapabilityName string    `json:"capability_name" msgpack:"capability_name"`
	Title          string    `json:"title" msgpack:"title"`
	Etag           string    `json:"etag" msgpack:"etag"`
	CreatedAt      time.Time `json:"created_at" msgpack:"created_at"`
}

// WorkflowVersion is one (major, minor) implementation of a WorkflowForm.
type WorkflowVersion struct {
	ID             string    `json:"id" msgpack:"id"`
	WorkflowFormID string    `json:"workflow_form_id" msgpack:"workflow_form_id"`
	MajorVersion   int       `json:"major_version" msgpack:"major_version"`
	MinorVersion   int       `json:"minor_version" msgpack:"minor_version"`
	Etag           string    `json:"etag" msgpack:"etag"`
	CreatedAt      time.Time `json:"created_at" msgpack:"created_at"`
}

// WorkflowInstance is one execution of a WorkflowVersion.
type WorkflowInstance struct {
	ID                string               `json:"id" msgpack:"id"`
	WorkflowVersionID string               `json:"workflow_version_id" msgpack:"workflow_version_id"`
	Title             string               `json:"title" msgpack:"title"`
	State             schema.WorkflowState `json:"state" msgpack:"state"`
	IsComplete        bool                 `json:"is_complete" msgpack:"is_complete"`
	ResultJSON        string               `json:"result_json,omitempty" msgpack:"result_json"`
	FailCategory      schema.FailCategory  `json:"fail_category,omitempty" msgpack:"fail_category"`
	TechnicalMessage  string               `json:"technical_message,omitempty" msgpack:"technical_message"`
	FriendlyMessage   string               `json:"friendly_message,omitempty" msgpack:"friendly_message"`
	StartedAt         time.Time            `json:"started_at" msgpack:"started_at"`
	FinishedAt        time.Time            `json:"finished_at" msgpack:"finished_at"`
	CancelledAt       time.Time            `json:"cancelled_at" msgpack:"cancelled_at"`
	Etag              string               `json:"etag" msgpack:"etag"`
	UpdatedAt         time.Time            `json:"updated_at" msgpack:"updated_at"`
}

// ActivityForm is the immutable template identity of an activity occurrence type.
type ActivityForm struct {
	ID             string              `json:"id" msgpack:"id"`
	WorkflowFormID string              `json:"workflow_form_id" msgpack:"workflow_form_id"`
	Kind           schema.ActivityKind `json:"kind" msgpack:"kind"`
	Title          string              `json:"title" msgpack:"title"`
	Etag           string              `json:"etag" msgpack:"etag"`
	CreatedAt      time.Time           `json:"created_at" msgpack:"created_at"`
}

// ActivityVersion binds an ActivityForm to a WorkflowVersion at a structural position.
type ActivityVersion struct {
	ID                      string             `json:"id" msgpack:"id"`
	WorkflowVersionID       string             `json:"workflow_version_id" msgpack:"workflow_version_id"`
	ActivityFormID          string             `json:"activity_form_id" msgpack:"activity_form_id"`
	ParentActivityVersionID string             `json:"parent_activity_version_id,omitempty" msgpack:"parent_activity_version_id"`
	Position                string             `json:"position" msgpack:"position"`
	FailUrgency             schema.FailUrgency `json:"fail_urgency" msgpack:"fail_urgency"`
	Etag                    string             `json:"etag" msgpack:"etag"`
	CreatedAt               time.Time          `json:"created_at" msgpack:"created_at"`
}

// ParentRef returns the id of the referenced parent record, if any.
func (v ActivityVersion) ParentRef() string { return v.ParentActivityVersionID }

// RecordID returns the record identifier.
func (v ActivityVersion) RecordID() string { return v.ID }

// ActivityInstance is one occurrence of an activity within one WorkflowInstance.
// (ActivityVersionID, ParentActivityInstanceID, ParentIteration) identifies at
// most one ActivityInstance.
type ActivityInstance struct {
	ID                       string               `json:"id" msgpack:"id"`
	WorkflowInstanceID       string               `json:"workflow_instance_id" msgpack:"workflow_instance_id"`
	ActivityVersionID        string               `json:"activity_version_id" msgpack:"activity_version_id"`
	ParentActivityInstanceID string               `json:"parent_activity_instance_id,omitempty" msgpack:"parent_activity_instance_id"`
	ParentIteration          int                  `json:"parent_iteration" msgpack:"parent_iteration"`
	State                    schema.ActivityState `json:"state" msgpack:"state"`
	ResultJSON               string               `json:"result_json,omitempty" msgpack:"result_json"`
	FailCategory             schema.FailCategory  `json:"fail_category,omitempty" msgpack:"fail_category"`
	TechnicalMessage         string               `json:"technical_message,omitempty" msgpack:"technical_message"`
	FriendlyMessage          string               `json:"friendly_message,omitempty" msgpack:"friendly_message"`
	AlertHandled             bool                 `json:"alert_handled" msgpack:"alert_handled"`
	AsyncRequestID           string               `json:"async_request_id,omitempty" msgpack:"async_request_id"`
	AsyncPriority            int                  `json:"async_priority" msgpack:"async_priority"`
	StartedAt                time.Time            `json:"started_at" msgpack:"started_at"`
	FinishedAt               time.Time            `json:"finished_at" msgpack:"finished_at"`
	Etag                     string               `json:"etag" msgpack:"etag"`
}

// ParentRef returns the id of the referenced parent record, if any.
func (a ActivityInstance) ParentRef() string { return a.ParentActivityInstanceID }

// RecordID returns the record identifier.
func (a ActivityInstance) RecordID() string { return a.ID }

// WorkflowSummary bundles everything one reentry reads and writes.
type WorkflowSummary struct {
	Form              WorkflowForm                `json:"form" msgpack:"form"`
	Version           WorkflowVersion             `json:"version" msgpack:"version"`
	Instance          WorkflowInstance            `json:"instance" msgpack:"instance"`
	ActivityForms     map[string]ActivityForm     `json:"activity_forms" msgpack:"activity_forms"`
	ActivityVersions  map[string]ActivityVersion  `json:"activity_versions" msgpack:"activity_versions"`
	ActivityInstances map[string]ActivityInstance `json:"activity_instances" msgpack:"activity_instances"`
}

// NewWorkflowSummary returns a summary with initialized maps.
func NewWorkflowSummary() *WorkflowSummary {
	return &WorkflowSummary{
		ActivityForms:     make(map[string]ActivityForm),
		ActivityVersions:  make(map[string]ActivityVersion),
		ActivityInstances: make(map[string]ActivityInstance),
	}
}

// Batch is the set of records a Save persists atomically, in write order.
// Templates (forms and versions) are created if absent and never updated.
type Batch struct {
	Form              *WorkflowForm
	Version           *WorkflowVersion
	Instance          *WorkflowInstance
	ActivityForms     []*ActivityForm
	ActivityVersions  []*ActivityVersion
	ActivityInstances []*ActivityInstance
}

// IsEmpty reports whether the batch has nothing to write.
func (b *Batch) IsEmpty() bool {
	return b.Form == nil && b.Version == nil && b.Instance == nil &&
		len(b.ActivityForms) == 0 && len(b.ActivityVersions) == 0 && len(b.ActivityInstances) == 0
}

// SemaphoreHolder is one raise of a semaphore.
type SemaphoreHolder struct {
	InstanceID string    `json:"instance_id"`
	HolderID   string    `json:"holder_id"`
	Token      string    `json:"token"`
	Raised     bool      `json:"raised"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Semaphore guards a shared resource. Holders are stored inside the record so
// every raise, extend and lower is a single etag-checked write.
type Semaphore struct {
	ID                 string            `json:"id"`
	WorkflowFormID     string            `json:"workflow_form_id,omitempty"`
	ResourceIdentifier string            `json:"resource_identifier"`
	Limit              int               `json:"limit"`
	Holders            []SemaphoreHolder `json:"holders"`
	Etag               string            `json:"etag"`
	CreatedAt          time.Time         `json:"created_at"`
}

// ActiveHolders returns the holders that are raised and not expired at now.
func (s *Semaphore) ActiveHolders(now time.Time) []SemaphoreHolder {
	var active []SemaphoreHolder
	for _, h := range s.Holders {
		if h.Raised && h.ExpiresAt.After(now) {
			active = append(active, h)
		}
	}
	return active
}

// SemaphoreQueueItem is one FIFO waiter for a semaphore.
type SemaphoreQueueItem struct {
	SemaphoreID        string    `json:"semaphore_id"`
	WorkflowInstanceID string    `json:"workflow_instance_id"`
	Sequence           int64     `json:"sequence"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// --- Filter types ---

// InstanceFilter specifies criteria for searching workflow instances.
type InstanceFilter struct {
	// IDs restricts the search to these instances. Empty means all.
	IDs               []string               `json:"ids,omitempty"`
	WorkflowVersionID string                 `json:"workflow_version_id,omitempty"`
	States            []schema.WorkflowState `json:"states,omitempty"`
	UpdatedBefore     *time.Time             `json:"updated_before,omitempty"`
	Limit             int                    `json:"limit,omitempty"`
}
