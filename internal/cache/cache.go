// Package cache holds the in-memory state of one workflow instance for the
// duration of a single reentry.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rendis/reentry/internal/fallback"
	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/metrics"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

const (
	conflictRetryAfter = time.Second
	fallbackRetryAfter = 5 * time.Second
	fallbackTimeout    = 10 * time.Second
)

// namespace seeds the deterministic ids derived by the cache.
var namespace = uuid.MustParse("6f1c3f8e-31a4-4b0e-9d55-2a7f0a7f5e10")

// Template describes the workflow implementation a new instance binds to.
type Template struct {
	FormID         string
	CapabilityName string
	Title          string
	MajorVersion   int
	MinorVersion   int
}

// Change carries the before and after snapshots of the workflow-level records
// of one successful save. Old values are nil for records created by the save.
type Change struct {
	OldForm, NewForm         *store.WorkflowForm
	OldVersion, NewVersion   *store.WorkflowVersion
	OldInstance, NewInstance *store.WorkflowInstance
}

// AfterSaveFunc is called after every successful save.
type AfterSaveFunc func(ctx context.Context, change Change) error

// Options configures a Cache.
type Options struct {
	// SaveTimeout bounds each Save. Zero means unbounded.
	SaveTimeout time.Duration
	AfterSave   AfterSaveFunc
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// tracked pairs the last persisted snapshot of a record with its current value.
type tracked[T any] struct {
	stored  *T
	current T
}

func newTracked[T any](stored *T, current T) *tracked[T] {
	return &tracked[T]{stored: stored, current: current}
}

func (t *tracked[T]) dirty() bool {
	return t.stored == nil || !cmp.Equal(*t.stored, t.current)
}

func (t *tracked[T]) snapshot() *T {
	if t.stored == nil {
		return nil
	}
	cp := *t.stored
	return &cp
}

type memoKey struct {
	versionID        string
	parentInstanceID string
	iteration        int
}

type versionKey struct {
	formID   string
	position string
}

// Cache is the exclusive owner of one instance's WorkflowSummary during a
// reentry. It is safe for concurrent use by fan-out branches.
type Cache struct {
	store  store.SummaryStore
	blobs  fallback.BlobStore
	opts   Options
	logger *slog.Logger

	saveMu sync.Mutex
	// set while a fallback blob written by this cache is still in the blob store
	fallbackPending bool

	mu                sync.Mutex
	loaded            bool
	isNew             bool
	form              *tracked[store.WorkflowForm]
	version           *tracked[store.WorkflowVersion]
	instance          *tracked[store.WorkflowInstance]
	activityForms     map[string]*tracked[store.ActivityForm]
	activityVersions  map[string]*tracked[store.ActivityVersion]
	activityInstances map[string]*tracked[store.ActivityInstance]
	// creation order of activity records, used as the stable tie-break when saving
	versionOrder  []string
	instanceOrder []string
	memo          map[memoKey]string
	versionIndex  map[versionKey]string
}

// New creates a Cache over the given stores. blobs may be nil when no fallback
// storage is configured.
func New(st store.SummaryStore, blobs fallback.BlobStore, opts Options) *Cache {
	if blobs == nil {
		blobs = fallback.Unsupported{}
	}
	return &Cache{
		store:  st,
		blobs:  blobs,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
	}
}

// Load reads the summary of instanceID. When the instance does not exist yet,
// default form, version and instance records are built from tpl, reusing
// stored templates where they exist. A pending fallback blob for the instance
// is replayed into the primary store before reading.
func (c *Cache) Load(ctx context.Context, instanceID string, tpl Template) (*store.WorkflowSummary, error) {
	if err := c.replayFallback(ctx, instanceID); err != nil {
		return nil, err
	}

	sum, err := c.store.ReadSummary(ctx, instanceID)
	switch {
	case err == nil:
		c.mu.Lock()
		c.reset(false)
		c.adopt(sum)
		c.mu.Unlock()
	case store.IsNotFound(err):
		if err := c.bootstrap(ctx, instanceID, tpl); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read summary %s: %w", instanceID, err)
	}
	return c.Summary(), nil
}

func (c *Cache) reset(isNew bool) {
	c.loaded = true
	c.isNew = isNew
	c.activityForms = make(map[string]*tracked[store.ActivityForm])
	c.activityVersions = make(map[string]*tracked[store.ActivityVersion])
	c.activityInstances = make(map[string]*tracked[store.ActivityInstance])
	c.versionOrder = nil
	c.instanceOrder = nil
	c.memo = make(map[memoKey]string)
	c.versionIndex = make(map[versionKey]string)
}

// adopt installs a stored summary as both snapshot and current value.
func (c *Cache) adopt(sum *store.WorkflowSummary) {
	c.form = newTracked(ptr(sum.Form), sum.Form)
	c.version = newTracked(ptr(sum.Version), sum.Version)
	c.instance = newTracked(ptr(sum.Instance), sum.Instance)
	for _, af := range sortedValues(sum.ActivityForms) {
		c.activityForms[af.ID] = newTracked(ptr(*af), *af)
	}
	for _, av := range sortedValues(sum.ActivityVersions) {
		c.activityVersions[av.ID] = newTracked(ptr(*av), *av)
		c.versionOrder = append(c.versionOrder, av.ID)
		c.versionIndex[versionKey{av.ActivityFormID, av.Position}] = av.ID
	}
	for _, ai := range sortedValues(sum.ActivityInstances) {
		c.activityInstances[ai.ID] = newTracked(ptr(*ai), *ai)
		c.instanceOrder = append(c.instanceOrder, ai.ID)
		c.memo[memoKey{ai.ActivityVersionID, ai.ParentActivityInstanceID, ai.ParentIteration}] = ai.ID
	}
}

func (c *Cache) bootstrap(ctx context.Context, instanceID string, tpl Template) error {
	now := time.Now().UTC()
	formID := tpl.FormID
	if formID == "" {
		formID = uuid.NewSHA1(namespace, []byte("form:"+tpl.CapabilityName)).String()
	}

	form := newTracked(nil, store.WorkflowForm{
		ID: formID, CapabilityName: tpl.CapabilityName, Title: tpl.Title, CreatedAt: now,
	})
	stored, err := c.store.GetWorkflowForm(ctx, formID)
	switch {
	case err == nil:
		form = newTracked(ptr(*stored), *stored)
	case !store.IsNotFound(err):
		return fmt.Errorf("read workflow form %s: %w", formID, err)
	}

	version := newTracked(nil, store.WorkflowVersion{
		ID:             uuid.NewSHA1(namespace, fmt.Appendf(nil, "version:%s/%d", formID, tpl.MajorVersion)).String(),
		WorkflowFormID: formID,
		MajorVersion:   tpl.MajorVersion,
		MinorVersion:   tpl.MinorVersion,
		CreatedAt:      now,
	})
	storedVersion, err := c.store.FindWorkflowVersion(ctx, formID, tpl.MajorVersion)
	switch {
	case err == nil:
		version = newTracked(ptr(*storedVersion), *storedVersion)
	case !store.IsNotFound(err):
		return fmt.Errorf("read workflow version %s/%d: %w", formID, tpl.MajorVersion, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(true)
	c.form = form
	c.version = version
	c.instance = newTracked(nil, store.WorkflowInstance{
		ID:                instanceID,
		WorkflowVersionID: version.current.ID,
		Title:             tpl.Title,
		State:             schema.WorkflowStateExecuting,
		StartedAt:         now,
	})
	return nil
}

// replayFallback moves a pending fallback blob back into the primary store.
func (c *Cache) replayFallback(ctx context.Context, instanceID string) error {
	blob, err := c.blobs.Read(ctx, instanceID)
	switch {
	case err == nil:
	case fallback.IsNotSupported(err), fallback.IsNotFound(err):
		return nil
	default:
		return fmt.Errorf("read fallback %s: %w", instanceID, err)
	}

	sum, err := decodeSummary(blob)
	if err != nil {
		return err
	}
	batch, err := summaryBatch(sum)
	if err != nil {
		return err
	}
	err = c.store.SaveBatch(ctx, batch)
	switch {
	case err == nil:
	case store.IsConflict(err):
		// The primary store moved on after the blob was written.
		c.logger.WarnContext(ctx, "stale fallback summary discarded",
			slog.String("workflow_instance_id", instanceID), slog.String("error", err.Error()))
	default:
		return fmt.Errorf("replay fallback %s: %w", instanceID, err)
	}
	if err := c.blobs.Delete(ctx, instanceID); err != nil {
		return fmt.Errorf("delete fallback %s: %w", instanceID, err)
	}
	if err == nil {
		c.logger.InfoContext(ctx, "fallback summary replayed", slog.String("workflow_instance_id", instanceID))
	}
	return nil
}

// dropFallback removes the blob of a save that has since reached the primary
// store. Failures are logged; Load discards a stale blob on its own.
func (c *Cache) dropFallback(ctx context.Context, instanceID string) {
	err := c.blobs.Delete(ctx, instanceID)
	switch {
	case err == nil, fallback.IsNotFound(err), fallback.IsNotSupported(err):
		c.fallbackPending = false
	default:
		c.logger.WarnContext(ctx, "delete fallback summary failed",
			slog.String("workflow_instance_id", instanceID), slog.String("error", err.Error()))
	}
}

// IsNew reports whether the loaded instance had never been persisted.
func (c *Cache) IsNew() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isNew
}

// Summary returns a copy of the current values of every cached record.
func (c *Cache) Summary() *store.WorkflowSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked()
}

func (c *Cache) summaryLocked() *store.WorkflowSummary {
	sum := store.NewWorkflowSummary()
	if !c.loaded {
		return sum
	}
	sum.Form, sum.Version, sum.Instance = c.form.current, c.version.current, c.instance.current
	for id, t := range c.activityForms {
		sum.ActivityForms[id] = t.current
	}
	for id, t := range c.activityVersions {
		sum.ActivityVersions[id] = t.current
	}
	for id, t := range c.activityInstances {
		sum.ActivityInstances[id] = t.current
	}
	return sum
}

// Instance returns the current workflow instance record.
func (c *Cache) Instance() store.WorkflowInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance.current
}

// Version returns the workflow version the instance is bound to.
func (c *Cache) Version() store.WorkflowVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version.current
}

// Form returns the workflow form of the instance.
func (c *Cache) Form() store.WorkflowForm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form.current
}

// UpdateInstance applies fn to the current workflow instance record.
func (c *Cache) UpdateInstance(fn func(inst *store.WorkflowInstance)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.instance.current)
}

// ActivityInstance returns the current value of an activity instance.
func (c *Cache) ActivityInstance(id string) (store.ActivityInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.activityInstances[id]
	if !ok {
		return store.ActivityInstance{}, false
	}
	return t.current, true
}

// ActivityVersion returns the current value of an activity version.
func (c *Cache) ActivityVersion(id string) (store.ActivityVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.activityVersions[id]
	if !ok {
		return store.ActivityVersion{}, false
	}
	return t.current, true
}

// UpdateActivityInstance applies fn to the current value of an activity instance.
func (c *Cache) UpdateActivityInstance(id string, fn func(ai *store.ActivityInstance)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.activityInstances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "activity instance %q not in cache", id)
	}
	fn(&t.current)
	return nil
}

// Save persists every dirty record in one batch, parents before children.
//
// A concurrent modification is reported as a try-again postponement. When the
// primary store is unavailable and useFallback is set, the whole summary is
// written to the fallback blob store and a postponement is returned instead.
// Every other failure is returned as is. A successful save removes the
// fallback blob an earlier save of this cache left behind.
func (c *Cache) Save(ctx context.Context, useFallback bool) (*store.WorkflowSummary, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if c.opts.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SaveTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return nil, schema.Assertf("save before load")
	}
	batch, err := c.dirtyBatch()
	oldForm, oldVersion, oldInstance := c.form.snapshot(), c.version.snapshot(), c.instance.snapshot()
	instanceID := c.instance.current.ID
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if batch.IsEmpty() {
		return c.Summary(), nil
	}

	if err := c.store.SaveBatch(ctx, batch); err != nil {
		return nil, c.saveFailed(ctx, err, useFallback)
	}
	if c.fallbackPending {
		c.dropFallback(ctx, instanceID)
	}

	c.mu.Lock()
	c.applySaved(batch)
	change := Change{
		OldForm: oldForm, NewForm: c.form.snapshot(),
		OldVersion: oldVersion, NewVersion: c.version.snapshot(),
		OldInstance: oldInstance, NewInstance: c.instance.snapshot(),
	}
	sum := c.summaryLocked()
	c.mu.Unlock()

	c.afterSave(ctx, change)
	return sum, nil
}

// dirtyBatch collects copies of every dirty record. Callers hold c.mu.
func (c *Cache) dirtyBatch() (*store.Batch, error) {
	b := &store.Batch{}
	if c.form.dirty() {
		b.Form = ptr(c.form.current)
	}
	if c.version.dirty() {
		b.Version = ptr(c.version.current)
	}
	if c.instance.dirty() {
		b.Instance = ptr(c.instance.current)
	}
	for _, id := range slices.Sorted(maps.Keys(c.activityForms)) {
		if t := c.activityForms[id]; t.dirty() {
			b.ActivityForms = append(b.ActivityForms, ptr(t.current))
		}
	}

	var versions []*store.ActivityVersion
	for _, id := range c.versionOrder {
		if t := c.activityVersions[id]; t.dirty() {
			versions = append(versions, ptr(t.current))
		}
	}
	var instances []*store.ActivityInstance
	for _, id := range c.instanceOrder {
		if t := c.activityInstances[id]; t.dirty() {
			instances = append(instances, ptr(t.current))
		}
	}

	var err error
	if b.ActivityVersions, err = parentFirst(versions); err != nil {
		return nil, err
	}
	if b.ActivityInstances, err = parentFirst(instances); err != nil {
		return nil, err
	}
	return b, nil
}

// applySaved records the written values as the new snapshots and carries the
// store-assigned etags into the current values. Callers hold c.mu.
func (c *Cache) applySaved(b *store.Batch) {
	if b.Form != nil {
		c.form.current.Etag = b.Form.Etag
		c.form.stored = ptr(*b.Form)
	}
	if b.Version != nil {
		c.version.current.Etag = b.Version.Etag
		c.version.stored = ptr(*b.Version)
	}
	if b.Instance != nil {
		c.instance.current.Etag = b.Instance.Etag
		c.instance.current.UpdatedAt = b.Instance.UpdatedAt
		c.instance.stored = ptr(*b.Instance)
		c.isNew = false
	}
	for _, af := range b.ActivityForms {
		t := c.activityForms[af.ID]
		t.current.Etag = af.Etag
		t.stored = ptr(*af)
	}
	for _, av := range b.ActivityVersions {
		t := c.activityVersions[av.ID]
		t.current.Etag = av.Etag
		t.stored = ptr(*av)
	}
	for _, ai := range b.ActivityInstances {
		t := c.activityInstances[ai.ID]
		t.current.Etag = ai.Etag
		t.stored = ptr(*ai)
	}
}

func (c *Cache) saveFailed(ctx context.Context, err error, useFallback bool) error {
	if store.IsConflict(err) {
		c.logger.DebugContext(ctx, "save conflicted", slog.String("error", err.Error()))
		p := schema.Postponed("workflow state modified concurrently", conflictRetryAfter)
		return p
	}
	if !useFallback || !store.IsUnavailable(err) {
		return fmt.Errorf("save summary: %w", err)
	}

	// The caller's context may be what failed the save.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()

	sum := c.Summary()
	blob, encErr := encodeSummary(sum)
	if encErr == nil {
		encErr = c.blobs.Write(fctx, sum.Instance.ID, blob)
	}
	if encErr != nil {
		return fmt.Errorf("save summary without fallback: %w", multierr.Combine(err, encErr))
	}

	c.fallbackPending = true
	c.opts.Metrics.FallbackWrite()
	c.logger.WarnContext(ctx, "primary store unavailable, summary written to fallback",
		slog.String("workflow_instance_id", sum.Instance.ID), slog.String("error", err.Error()))
	return schema.Postponed("primary store unavailable", fallbackRetryAfter)
}

func (c *Cache) afterSave(ctx context.Context, change Change) {
	if c.opts.AfterSave == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.WarnContext(ctx, "after-save hook panicked", slog.Any("panic", r))
		}
	}()
	if err := c.opts.AfterSave(ctx, change); err != nil {
		c.logger.WarnContext(ctx, "after-save hook failed", slog.String("error", err.Error()))
	}
}

func ptr[T any](v T) *T { return &v }

func sortedValues[V any](m map[string]V) []*V {
	out := make([]*V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, ptr(m[k]))
	}
	return out
}
