package cache

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

// ActivityRef identifies one activity occurrence by its place in the workflow
// body. Parent fields are empty for top-level activities.
type ActivityRef struct {
	// FormID is the activity template id. When empty a deterministic id is
	// derived from the workflow form and the nested position.
	FormID string
	Kind   schema.ActivityKind
	Title  string
	// Position is the declared position among siblings, e.g. "2".
	Position      string
	FailUrgency   schema.FailUrgency
	AsyncPriority int

	ParentPosition   string
	ParentVersionID  string
	ParentInstanceID string
	ParentIteration  int
}

// NestedPosition returns the parent's position joined with the declared one.
func (r ActivityRef) NestedPosition() string {
	if r.ParentPosition == "" {
		return r.Position
	}
	return r.ParentPosition + "." + r.Position
}

// Resolved is the identity of an activity occurrence.
type Resolved struct {
	InstanceID string
	VersionID  string
	Position   string
	// Created is set when this resolution created the activity instance.
	Created bool
}

// GetOrCreateActivityInstance resolves ref to its activity instance, creating
// the activity form, version and instance on first resolution. Resolving the
// same (version, parent instance, parent iteration) again returns the same
// instance.
func (c *Cache) GetOrCreateActivityInstance(ref ActivityRef) (Resolved, error) {
	if ref.Position == "" {
		return Resolved{}, schema.Assertf("activity %q declared without a position", ref.Title)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return Resolved{}, schema.Assertf("activity resolved before load")
	}
	if ref.ParentInstanceID != "" {
		if _, ok := c.activityInstances[ref.ParentInstanceID]; !ok {
			return Resolved{}, schema.Assertf("parent activity instance %q is unknown", ref.ParentInstanceID)
		}
	}
	if ref.ParentVersionID != "" {
		if _, ok := c.activityVersions[ref.ParentVersionID]; !ok {
			return Resolved{}, schema.Assertf("parent activity version %q is unknown", ref.ParentVersionID)
		}
	}

	now := time.Now().UTC()
	position := ref.NestedPosition()
	formID := c.activityFormLocked(ref, position, now)
	versionID := c.activityVersionLocked(ref, formID, position, now)

	key := memoKey{versionID: versionID, parentInstanceID: ref.ParentInstanceID, iteration: ref.ParentIteration}
	if id, ok := c.memo[key]; ok {
		return Resolved{InstanceID: id, VersionID: versionID, Position: position}, nil
	}

	ai := store.ActivityInstance{
		ID:                       uuid.NewString(),
		WorkflowInstanceID:       c.instance.current.ID,
		ActivityVersionID:        versionID,
		ParentActivityInstanceID: ref.ParentInstanceID,
		ParentIteration:          ref.ParentIteration,
		State:                    schema.ActivityStateExecuting,
		AsyncPriority:            ref.AsyncPriority,
		StartedAt:                now,
	}
	c.activityInstances[ai.ID] = newTracked(nil, ai)
	c.instanceOrder = append(c.instanceOrder, ai.ID)
	c.memo[key] = ai.ID
	return Resolved{InstanceID: ai.ID, VersionID: versionID, Position: position, Created: true}, nil
}

func (c *Cache) activityFormLocked(ref ActivityRef, position string, now time.Time) string {
	formID := ref.FormID
	if formID == "" {
		formID = uuid.NewSHA1(namespace, []byte("activity_form:"+c.form.current.ID+"/"+position)).String()
	}
	if _, ok := c.activityForms[formID]; !ok {
		c.activityForms[formID] = newTracked(nil, store.ActivityForm{
			ID:             formID,
			WorkflowFormID: c.form.current.ID,
			Kind:           ref.Kind,
			Title:          ref.Title,
			CreatedAt:      now,
		})
	}
	return formID
}

func (c *Cache) activityVersionLocked(ref ActivityRef, formID, position string, now time.Time) string {
	vk := versionKey{formID: formID, position: position}
	if id, ok := c.versionIndex[vk]; ok {
		return id
	}
	av := store.ActivityVersion{
		ID:                      uuid.NewSHA1(namespace, []byte("activity_version:"+c.version.current.ID+"/"+formID+"/"+position)).String(),
		WorkflowVersionID:       c.version.current.ID,
		ActivityFormID:          formID,
		ParentActivityVersionID: ref.ParentVersionID,
		Position:                position,
		FailUrgency:             ref.FailUrgency.OrDefault(),
		CreatedAt:               now,
	}
	c.activityVersions[av.ID] = newTracked(nil, av)
	c.versionOrder = append(c.versionOrder, av.ID)
	c.versionIndex[vk] = av.ID
	return av.ID
}
