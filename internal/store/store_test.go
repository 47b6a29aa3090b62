package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reentry/pkg/schema"
)

// Both stores run the same behavioural suite.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
	"libsql": func(t *testing.T) Store { return newTestStore(t) },
}

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

// seedBatch returns a complete first-save batch: form, version, instance, one
// activity with a nested child.
func seedBatch() *Batch {
	form := &WorkflowForm{ID: uuid.NewString(), CapabilityName: "payments.refund", Title: "Refund"}
	version := &WorkflowVersion{ID: uuid.NewString(), WorkflowFormID: form.ID, MajorVersion: 1, MinorVersion: 2}
	inst := &WorkflowInstance{
		ID:                uuid.NewString(),
		WorkflowVersionID: version.ID,
		State:             schema.WorkflowStateExecuting,
		StartedAt:         time.Now().UTC(),
	}
	af := &ActivityForm{ID: uuid.NewString(), WorkflowFormID: form.ID, Kind: schema.ActivityKindAction, Title: "charge"}
	parentAV := &ActivityVersion{
		ID: uuid.NewString(), WorkflowVersionID: version.ID, ActivityFormID: af.ID,
		Position: "1", FailUrgency: schema.FailUrgencyStopping,
	}
	childAV := &ActivityVersion{
		ID: uuid.NewString(), WorkflowVersionID: version.ID, ActivityFormID: af.ID,
		ParentActivityVersionID: parentAV.ID, Position: "1.1", FailUrgency: schema.FailUrgencyIgnore,
	}
	parentAI := &ActivityInstance{
		ID: uuid.NewString(), WorkflowInstanceID: inst.ID, ActivityVersionID: parentAV.ID,
		State: schema.ActivityStateExecuting,
	}
	childAI := &ActivityInstance{
		ID: uuid.NewString(), WorkflowInstanceID: inst.ID, ActivityVersionID: childAV.ID,
		ParentActivityInstanceID: parentAI.ID, ParentIteration: 1, State: schema.ActivityStateWaiting,
		AsyncRequestID: "req-1", AsyncPriority: 3,
	}
	return &Batch{
		Form:              form,
		Version:           version,
		Instance:          inst,
		ActivityForms:     []*ActivityForm{af},
		ActivityVersions:  []*ActivityVersion{parentAV, childAV},
		ActivityInstances: []*ActivityInstance{parentAI, childAI},
	}
}

// --- Summary Tests ---

func TestSaveAndReadSummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		assert.NotEmpty(t, b.Form.Etag)
		assert.NotEmpty(t, b.Instance.Etag)
		assert.NotEmpty(t, b.ActivityInstances[1].Etag)

		sum, err := s.ReadSummary(ctx, b.Instance.ID)
		require.NoError(t, err)
		assert.Equal(t, "payments.refund", sum.Form.CapabilityName)
		assert.Equal(t, "Refund", sum.Form.Title)
		assert.Equal(t, 1, sum.Version.MajorVersion)
		assert.Equal(t, 2, sum.Version.MinorVersion)
		assert.Equal(t, schema.WorkflowStateExecuting, sum.Instance.State)
		assert.Equal(t, b.Instance.Etag, sum.Instance.Etag)
		assert.Len(t, sum.ActivityForms, 1)
		assert.Len(t, sum.ActivityVersions, 2)
		require.Len(t, sum.ActivityInstances, 2)

		child := sum.ActivityInstances[b.ActivityInstances[1].ID]
		assert.Equal(t, b.ActivityInstances[0].ID, child.ParentActivityInstanceID)
		assert.Equal(t, 1, child.ParentIteration)
		assert.Equal(t, schema.ActivityStateWaiting, child.State)
		assert.Equal(t, "req-1", child.AsyncRequestID)
		assert.Equal(t, 3, child.AsyncPriority)
		assert.True(t, child.FinishedAt.IsZero())

		childAV := sum.ActivityVersions[b.ActivityVersions[1].ID]
		assert.Equal(t, "1.1", childAV.Position)
		assert.Equal(t, schema.FailUrgencyIgnore, childAV.FailUrgency)
	})
}

func TestReadSummary_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.ReadSummary(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestSaveBatch_UpdateWithEtag(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))
		firstEtag := b.Instance.Etag

		b.Instance.State = schema.WorkflowStateSuccess
		b.Instance.ResultJSON = `{"ok":true}`
		b.Instance.FinishedAt = time.Now().UTC()
		require.NoError(t, s.SaveBatch(ctx, &Batch{Instance: b.Instance}))
		assert.NotEqual(t, firstEtag, b.Instance.Etag)

		sum, err := s.ReadSummary(ctx, b.Instance.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStateSuccess, sum.Instance.State)
		assert.JSONEq(t, `{"ok":true}`, sum.Instance.ResultJSON)
		assert.False(t, sum.Instance.FinishedAt.IsZero())
	})
}

func TestSaveBatch_StaleEtagConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		stale := *b.Instance
		b.Instance.State = schema.WorkflowStateWaiting
		require.NoError(t, s.SaveBatch(ctx, &Batch{Instance: b.Instance}))

		stale.State = schema.WorkflowStateHalted
		err := s.SaveBatch(ctx, &Batch{Instance: &stale})
		require.Error(t, err)
		assert.True(t, IsConflict(err))

		sum, err := s.ReadSummary(ctx, b.Instance.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStateWaiting, sum.Instance.State)
	})
}

func TestSaveBatch_DuplicateCreateConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		dup := *b.Instance
		dup.Etag = ""
		err := s.SaveBatch(ctx, &Batch{Instance: &dup})
		require.Error(t, err)
		assert.True(t, IsConflict(err))
	})
}

func TestSaveBatch_TemplatesAreCreateIfAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))
		formEtag := b.Form.Etag

		again := *b.Form
		again.Etag = ""
		again.Title = "ignored"
		require.NoError(t, s.SaveBatch(ctx, &Batch{Form: &again}))
		assert.Equal(t, formEtag, again.Etag)

		got, err := s.GetWorkflowForm(ctx, b.Form.ID)
		require.NoError(t, err)
		assert.Equal(t, "Refund", got.Title)
	})
}

func TestSaveBatch_ChildBeforeParentRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		b.ActivityInstances[0], b.ActivityInstances[1] = b.ActivityInstances[1], b.ActivityInstances[0]

		err := s.SaveBatch(ctx, b)
		require.Error(t, err)

		_, err = s.ReadSummary(ctx, b.Instance.ID)
		assert.True(t, IsNotFound(err), "failed batch must not be partially applied")
	})
}

func TestFindWorkflowVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		v, err := s.FindWorkflowVersion(ctx, b.Form.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, b.Version.ID, v.ID)

		_, err = s.FindWorkflowVersion(ctx, b.Form.ID, 2)
		assert.True(t, IsNotFound(err))
	})
}

// --- Instance Tests ---

func TestListInstances(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		other := &WorkflowInstance{
			ID: uuid.NewString(), WorkflowVersionID: b.Version.ID, State: schema.WorkflowStateHalted,
		}
		require.NoError(t, s.SaveBatch(ctx, &Batch{Instance: other}))

		all, err := s.ListInstances(ctx, InstanceFilter{WorkflowVersionID: b.Version.ID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		halted, err := s.ListInstances(ctx, InstanceFilter{States: []schema.WorkflowState{schema.WorkflowStateHalted}})
		require.NoError(t, err)
		require.Len(t, halted, 1)
		assert.Equal(t, other.ID, halted[0].ID)

		byID, err := s.ListInstances(ctx, InstanceFilter{IDs: []string{other.ID, "wi-missing"}})
		require.NoError(t, err)
		require.Len(t, byID, 1)
		assert.Equal(t, other.ID, byID[0].ID)

		limited, err := s.ListInstances(ctx, InstanceFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestUpdateInstance(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := seedBatch()
		require.NoError(t, s.SaveBatch(ctx, b))

		inst := *b.Instance
		inst.CancelledAt = time.Now().UTC()
		require.NoError(t, s.UpdateInstance(ctx, &inst))

		err := s.UpdateInstance(ctx, b.Instance)
		assert.True(t, IsConflict(err))

		sum, err := s.ReadSummary(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, sum.Instance.CancelledAt.IsZero())
	})
}

// --- Semaphore Tests ---

func TestSemaphoreLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sem := &Semaphore{WorkflowFormID: "form-1", ResourceIdentifier: "printer", Limit: 2}
		require.NoError(t, s.CreateSemaphore(ctx, sem))
		assert.NotEmpty(t, sem.ID)
		assert.NotEmpty(t, sem.Etag)

		dup := &Semaphore{WorkflowFormID: "form-1", ResourceIdentifier: "printer", Limit: 2}
		assert.True(t, IsConflict(s.CreateSemaphore(ctx, dup)))

		got, err := s.GetSemaphoreByResource(ctx, "form-1", "printer")
		require.NoError(t, err)
		assert.Empty(t, got.Holders)

		got.Holders = append(got.Holders, SemaphoreHolder{
			InstanceID: "wi-1", HolderID: "h-1", Token: "t-1", Raised: true,
			ExpiresAt: time.Now().Add(time.Minute),
		})
		require.NoError(t, s.UpdateSemaphore(ctx, got))

		// The original copy now carries a stale etag.
		sem.Holders = []SemaphoreHolder{{InstanceID: "wi-2", HolderID: "h-2", Raised: true}}
		assert.True(t, IsConflict(s.UpdateSemaphore(ctx, sem)))

		reread, err := s.GetSemaphoreByResource(ctx, "form-1", "printer")
		require.NoError(t, err)
		require.Len(t, reread.Holders, 1)
		assert.Equal(t, "h-1", reread.Holders[0].HolderID)
		assert.Len(t, reread.ActiveHolders(time.Now()), 1)
		assert.Empty(t, reread.ActiveHolders(time.Now().Add(2*time.Minute)))

		list, err := s.ListSemaphores(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestSemaphoreQueueFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sem := &Semaphore{ResourceIdentifier: "lock:orders", Limit: 1}
		require.NoError(t, s.CreateSemaphore(ctx, sem))

		first, err := s.Enqueue(ctx, sem.ID, "wi-a")
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, sem.ID, "wi-b")
		require.NoError(t, err)
		again, err := s.Enqueue(ctx, sem.ID, "wi-a")
		require.NoError(t, err)
		assert.Equal(t, first.Sequence, again.Sequence)

		items, err := s.ListQueue(ctx, sem.ID)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "wi-a", items[0].WorkflowInstanceID)
		assert.Equal(t, "wi-b", items[1].WorkflowInstanceID)

		require.NoError(t, s.Dequeue(ctx, sem.ID, "wi-a"))
		items, err = s.ListQueue(ctx, sem.ID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "wi-b", items[0].WorkflowInstanceID)

		n, err := s.PurgeQueue(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// --- Store-specific Tests ---

func TestMemoryStore_WriteLogOrder(t *testing.T) {
	s := NewMemoryStore()
	b := seedBatch()
	require.NoError(t, s.SaveBatch(context.Background(), b))

	log := s.WriteLog()
	require.Len(t, log, 8)
	assert.Equal(t, "workflow_form:"+b.Form.ID, log[0])
	assert.Equal(t, "workflow_instance:"+b.Instance.ID, log[2])
	assert.Equal(t, "activity_instance:"+b.ActivityInstances[0].ID, log[6])
	assert.Equal(t, "activity_instance:"+b.ActivityInstances[1].ID, log[7])
}

func TestMemoryStore_FailSaves(t *testing.T) {
	s := NewMemoryStore()
	boom := schema.NewError(schema.ErrCodeStore, "disk full")
	s.FailSaves(boom)
	assert.ErrorIs(t, s.SaveBatch(context.Background(), seedBatch()), boom)

	s.FailSaves(nil)
	assert.NoError(t, s.SaveBatch(context.Background(), seedBatch()))
}

func TestIsUnavailable(t *testing.T) {
	s := NewMemoryStore()
	b := seedBatch()
	b.ActivityInstances[0], b.ActivityInstances[1] = b.ActivityInstances[1], b.ActivityInstances[0]
	fkErr := s.SaveBatch(context.Background(), b)
	require.Error(t, fkErr)
	assert.True(t, schema.IsCode(fkErr, schema.ErrCodeIntegrity))

	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(fkErr))
	assert.False(t, IsUnavailable(storeConflict("workflow_instance", "wi-1")))
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.True(t, IsUnavailable(schema.NewError(schema.ErrCodeStore, "disk full")))
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].version, ms[i].version)
	}
}

func TestStatements_DropsCommentOnlyChunks(t *testing.T) {
	script := `-- header
CREATE TABLE a (id TEXT);
-- trailing note
;
CREATE INDEX a_id ON a (id);   `
	assert.Equal(t, []string{
		"-- header\nCREATE TABLE a (id TEXT)",
		"CREATE INDEX a_id ON a (id)",
	}, statements(script))
}
