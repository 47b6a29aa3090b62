package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reentry/pkg/schema"
)

// MemoryStore is an in-process Store. It enforces the same etag and
// referential-integrity rules as the SQL store and records the order in which
// records are written.
type MemoryStore struct {
	mu                sync.Mutex
	forms             map[string]WorkflowForm
	versions          map[string]WorkflowVersion
	instances         map[string]WorkflowInstance
	activityForms     map[string]ActivityForm
	activityVersions  map[string]ActivityVersion
	activityInstances map[string]ActivityInstance
	semaphores        map[string]Semaphore
	queue             map[string][]SemaphoreQueueItem
	sequence          int64
	writeLog          []string
	saveErr           error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms:             make(map[string]WorkflowForm),
		versions:          make(map[string]WorkflowVersion),
		instances:         make(map[string]WorkflowInstance),
		activityForms:     make(map[string]ActivityForm),
		activityVersions:  make(map[string]ActivityVersion),
		activityInstances: make(map[string]ActivityInstance),
		semaphores:        make(map[string]Semaphore),
		queue:             make(map[string][]SemaphoreQueueItem),
	}
}

var _ Store = (*MemoryStore)(nil)

// FailSaves makes every subsequent SaveBatch return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// WriteLog returns the "kind:id" keys of every record written, in write order.
func (m *MemoryStore) WriteLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writeLog)
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Summaries ---

func (m *MemoryStore) ReadSummary(_ context.Context, instanceID string) (*WorkflowSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, storeNotFound("workflow_instance", instanceID)
	}
	version, ok := m.versions[inst.WorkflowVersionID]
	if !ok {
		return nil, storeNotFound("workflow_version", inst.WorkflowVersionID)
	}
	form, ok := m.forms[version.WorkflowFormID]
	if !ok {
		return nil, storeNotFound("workflow_form", version.WorkflowFormID)
	}

	sum := NewWorkflowSummary()
	sum.Form, sum.Version, sum.Instance = form, version, inst
	for id, af := range m.activityForms {
		if af.WorkflowFormID == form.ID {
			sum.ActivityForms[id] = af
		}
	}
	for id, av := range m.activityVersions {
		if av.WorkflowVersionID == version.ID {
			sum.ActivityVersions[id] = av
		}
	}
	for id, ai := range m.activityInstances {
		if ai.WorkflowInstanceID == inst.ID {
			sum.ActivityInstances[id] = ai
		}
	}
	return sum, nil
}

func (m *MemoryStore) GetWorkflowForm(_ context.Context, id string) (*WorkflowForm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forms[id]
	if !ok {
		return nil, storeNotFound("workflow_form", id)
	}
	return &f, nil
}

func (m *MemoryStore) FindWorkflowVersion(_ context.Context, formID string, major int) (*WorkflowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.WorkflowFormID == formID && v.MajorVersion == major {
			return &v, nil
		}
	}
	return nil, storeNotFound("workflow_version", formID)
}

// SaveBatch validates the whole batch before applying any of it.
func (m *MemoryStore) SaveBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	pendingVersions := make(map[string]bool)
	pendingInstances := make(map[string]bool)

	if b.Form != nil {
		if b.Form.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "workflow form without id")
		}
	}
	if b.Version != nil {
		_, known := m.forms[b.Version.WorkflowFormID]
		if !known && (b.Form == nil || b.Form.ID != b.Version.WorkflowFormID) {
			return foreignKey("workflow_version", b.Version.ID)
		}
	}
	if b.Instance != nil {
		if err := checkEtag("workflow_instance", b.Instance.ID, b.Instance.Etag, m.instances[b.Instance.ID].Etag, m.hasInstance(b.Instance.ID)); err != nil {
			return err
		}
		_, known := m.versions[b.Instance.WorkflowVersionID]
		if !known && (b.Version == nil || b.Version.ID != b.Instance.WorkflowVersionID) {
			return foreignKey("workflow_instance", b.Instance.ID)
		}
	}
	for _, av := range b.ActivityVersions {
		if p := av.ParentActivityVersionID; p != "" {
			if _, ok := m.activityVersions[p]; !ok && !pendingVersions[p] {
				return foreignKey("activity_version", av.ID)
			}
		}
		pendingVersions[av.ID] = true
	}
	for _, ai := range b.ActivityInstances {
		stored, exists := m.activityInstances[ai.ID]
		if err := checkEtag("activity_instance", ai.ID, ai.Etag, stored.Etag, exists); err != nil {
			return err
		}
		if _, ok := m.activityVersions[ai.ActivityVersionID]; !ok && !pendingVersions[ai.ActivityVersionID] {
			return foreignKey("activity_instance", ai.ID)
		}
		if p := ai.ParentActivityInstanceID; p != "" {
			if _, ok := m.activityInstances[p]; !ok && !pendingInstances[p] {
				return foreignKey("activity_instance", ai.ID)
			}
		}
		if !m.hasInstance(ai.WorkflowInstanceID) && (b.Instance == nil || b.Instance.ID != ai.WorkflowInstanceID) {
			return foreignKey("activity_instance", ai.ID)
		}
		pendingInstances[ai.ID] = true
	}

	now := time.Now().UTC()
	if b.Form != nil {
		if stored, ok := m.forms[b.Form.ID]; ok {
			b.Form.Etag = stored.Etag
		} else {
			b.Form.Etag = newEtag()
			b.Form.CreatedAt = timeOrNow(b.Form.CreatedAt)
			m.forms[b.Form.ID] = *b.Form
		}
		m.writeLog = append(m.writeLog, "workflow_form:"+b.Form.ID)
	}
	if b.Version != nil {
		if stored, ok := m.versions[b.Version.ID]; ok {
			b.Version.Etag = stored.Etag
		} else {
			b.Version.Etag = newEtag()
			b.Version.CreatedAt = timeOrNow(b.Version.CreatedAt)
			m.versions[b.Version.ID] = *b.Version
		}
		m.writeLog = append(m.writeLog, "workflow_version:"+b.Version.ID)
	}
	if b.Instance != nil {
		b.Instance.Etag = newEtag()
		b.Instance.UpdatedAt = now
		m.instances[b.Instance.ID] = *b.Instance
		m.writeLog = append(m.writeLog, "workflow_instance:"+b.Instance.ID)
	}
	for _, af := range b.ActivityForms {
		if stored, ok := m.activityForms[af.ID]; ok {
			af.Etag = stored.Etag
		} else {
			af.Etag = newEtag()
			af.CreatedAt = timeOrNow(af.CreatedAt)
			m.activityForms[af.ID] = *af
		}
		m.writeLog = append(m.writeLog, "activity_form:"+af.ID)
	}
	for _, av := range b.ActivityVersions {
		if stored, ok := m.activityVersions[av.ID]; ok {
			av.Etag = stored.Etag
		} else {
			av.Etag = newEtag()
			av.CreatedAt = timeOrNow(av.CreatedAt)
			m.activityVersions[av.ID] = *av
		}
		m.writeLog = append(m.writeLog, "activity_version:"+av.ID)
	}
	for _, ai := range b.ActivityInstances {
		ai.Etag = newEtag()
		m.activityInstances[ai.ID] = *ai
		m.writeLog = append(m.writeLog, "activity_instance:"+ai.ID)
	}
	return nil
}

func (m *MemoryStore) hasInstance(id string) bool {
	_, ok := m.instances[id]
	return ok
}

// --- Instances ---

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowInstance
	for _, inst := range m.instances {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, inst.ID) {
			continue
		}
		if filter.WorkflowVersionID != "" && inst.WorkflowVersionID != filter.WorkflowVersionID {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, inst.State) {
			continue
		}
		if filter.UpdatedBefore != nil && !inst.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		cp := inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, inst *WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[inst.ID]
	if !ok {
		return storeNotFound("workflow_instance", inst.ID)
	}
	if stored.Etag != inst.Etag {
		return storeConflict("workflow_instance", inst.ID)
	}
	inst.Etag = newEtag()
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = *inst
	return nil
}

// --- Semaphores ---

func (m *MemoryStore) CreateSemaphore(_ context.Context, sem *Semaphore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.semaphores {
		if s.WorkflowFormID == sem.WorkflowFormID && s.ResourceIdentifier == sem.ResourceIdentifier {
			return storeConflict("semaphore", sem.ResourceIdentifier)
		}
	}
	if sem.ID == "" {
		sem.ID = uuid.NewString()
	}
	sem.Etag = newEtag()
	sem.CreatedAt = timeOrNow(sem.CreatedAt)
	m.semaphores[sem.ID] = cloneSemaphore(*sem)
	return nil
}

func (m *MemoryStore) GetSemaphoreByResource(_ context.Context, formID, resource string) (*Semaphore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.semaphores {
		if s.WorkflowFormID == formID && s.ResourceIdentifier == resource {
			cp := cloneSemaphore(s)
			return &cp, nil
		}
	}
	return nil, storeNotFound("semaphore", resource)
}

func (m *MemoryStore) UpdateSemaphore(_ context.Context, sem *Semaphore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.semaphores[sem.ID]
	if !ok {
		return storeNotFound("semaphore", sem.ID)
	}
	if stored.Etag != sem.Etag {
		return storeConflict("semaphore", sem.ID)
	}
	sem.Etag = newEtag()
	m.semaphores[sem.ID] = cloneSemaphore(*sem)
	return nil
}

func (m *MemoryStore) ListSemaphores(context.Context) ([]*Semaphore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Semaphore, 0, len(m.semaphores))
	for _, s := range m.semaphores {
		cp := cloneSemaphore(s)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, semaphoreID, instanceID string) (*SemaphoreQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.queue[semaphoreID] {
		if item.WorkflowInstanceID == instanceID {
			cp := item
			return &cp, nil
		}
	}
	m.sequence++
	item := SemaphoreQueueItem{
		SemaphoreID:        semaphoreID,
		WorkflowInstanceID: instanceID,
		Sequence:           m.sequence,
		EnqueuedAt:         time.Now().UTC(),
	}
	m.queue[semaphoreID] = append(m.queue[semaphoreID], item)
	return &item, nil
}

func (m *MemoryStore) ListQueue(_ context.Context, semaphoreID string) ([]*SemaphoreQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.queue[semaphoreID]
	out := make([]*SemaphoreQueueItem, len(items))
	for i := range items {
		cp := items[i]
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Dequeue(_ context.Context, semaphoreID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[semaphoreID] = slices.DeleteFunc(m.queue[semaphoreID], func(item SemaphoreQueueItem) bool {
		return item.WorkflowInstanceID == instanceID
	})
	return nil
}

func (m *MemoryStore) PurgeQueue(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, items := range m.queue {
		before := len(items)
		m.queue[id] = slices.DeleteFunc(items, func(item SemaphoreQueueItem) bool {
			return item.EnqueuedAt.Before(olderThan)
		})
		n += before - len(m.queue[id])
	}
	return n, nil
}

func cloneSemaphore(s Semaphore) Semaphore {
	s.Holders = slices.Clone(s.Holders)
	return s
}
