package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(st, Options{Now: clk.Now, MaxAttempts: 5}), st, clk
}

func requirePostponed(t *testing.T, err error) *schema.PostponedError {
	t.Helper()
	p, ok := schema.AsPostponed(err)
	require.True(t, ok, "expected postponement, got %v", err)
	return p
}

func TestRaise_CreatesSemaphore(t *testing.T) {
	c, st, _ := newCoordinator(t)
	ctx := context.Background()

	tok, err := c.Raise(ctx, LockRequest("form-1", "orders", "wi-1", "h-1"))
	require.NoError(t, err)
	assert.Equal(t, "lock:orders", tok.ResourceID)
	assert.NotEmpty(t, tok.Token)

	sem, err := st.GetSemaphoreByResource(ctx, "form-1", "lock:orders")
	require.NoError(t, err)
	assert.Equal(t, 1, sem.Limit)
	require.Len(t, sem.Holders, 1)
	assert.Equal(t, "h-1", sem.Holders[0].HolderID)
}

func TestRaise_SameHolderExtends(t *testing.T) {
	c, st, clk := newCoordinator(t)
	ctx := context.Background()
	req := ThrottleRequest("smtp", "wi-1", "h-1", 1, time.Minute)

	first, err := c.Raise(ctx, req)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	second, err := c.Raise(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))

	sem, err := st.GetSemaphoreByResource(ctx, "", "throttle:smtp")
	require.NoError(t, err)
	assert.Len(t, sem.Holders, 1)
}

func TestRaise_MutualExclusion(t *testing.T) {
	c, st, _ := newCoordinator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	tokens := make([]*Token, 2)
	for i, inst := range []string{"wi-a", "wi-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], results[i] = c.Raise(ctx, LockRequest("form-1", "orders", inst, "h-"+inst))
		}()
	}
	wg.Wait()

	var holder, waiter int
	for i, err := range results {
		if err == nil {
			holder = i
			continue
		}
		waiter = i
		requirePostponed(t, err)
	}
	require.NotEqual(t, holder, waiter, "exactly one raise must win")

	sem, err := st.GetSemaphoreByResource(ctx, "form-1", "lock:orders")
	require.NoError(t, err)
	assert.Len(t, sem.ActiveHolders(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), 1)

	waiterID := []string{"wi-a", "wi-b"}[waiter]
	next, err := c.Lower(ctx, tokens[holder])
	require.NoError(t, err)
	assert.Equal(t, waiterID, next)

	tok, err := c.Raise(ctx, LockRequest("form-1", "orders", waiterID, "h-"+waiterID))
	require.NoError(t, err)
	assert.Equal(t, waiterID, tok.InstanceID)

	queue, err := st.ListQueue(ctx, sem.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestRaise_QueuedPostponementNamesSemaphore(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	tok, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-1", "h-1", 1, time.Minute))
	require.NoError(t, err)

	_, err = c.Raise(ctx, ThrottleRequest("smtp", "wi-2", "h-2", 1, time.Minute))
	p := requirePostponed(t, err)
	assert.Equal(t, []string{tok.SemaphoreID}, p.WaitingForIDs)
	assert.True(t, p.TryAgain)
	assert.Equal(t, time.Minute, p.TryAgainAfter)
}

func TestRaise_LockWaitsForLower(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Raise(ctx, LockRequest("form-1", "orders", "wi-1", "h-1"))
	require.NoError(t, err)
	_, err = c.Raise(ctx, LockRequest("form-1", "orders", "wi-2", "h-2"))
	p := requirePostponed(t, err)
	assert.False(t, p.TryAgain, "locks are only released by Lower")
}

func TestRaise_ExpiredHolderTakenOver(t *testing.T) {
	c, _, clk := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-1", "h-1", 1, time.Minute))
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	tok, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-2", "h-2", 1, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "h-2", tok.HolderID)
}

func TestRaise_LimitN(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	for _, inst := range []string{"wi-1", "wi-2", "wi-3"} {
		_, err := c.Raise(ctx, RaiseRequest{ResourceID: "gpu", InstanceID: inst, HolderID: inst, Limit: 3, Expiry: time.Hour})
		require.NoError(t, err)
	}
	_, err := c.Raise(ctx, RaiseRequest{ResourceID: "gpu", InstanceID: "wi-4", HolderID: "wi-4", Limit: 3, Expiry: time.Hour})
	requirePostponed(t, err)
}

func TestRaise_QueueIsFIFO(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	holder, err := c.Raise(ctx, LockRequest("f", "r", "wi-1", "h-1"))
	require.NoError(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-2", "h-2"))
	requirePostponed(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-3", "h-3"))
	requirePostponed(t, err)

	next, err := c.Lower(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, "wi-2", next)

	// wi-3 may not jump the queue.
	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-3", "h-3"))
	requirePostponed(t, err)

	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-2", "h-2"))
	require.NoError(t, err)
}

func TestRaise_Validation(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.Raise(context.Background(), RaiseRequest{ResourceID: "r", InstanceID: "wi", HolderID: "h"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = c.Raise(context.Background(), RaiseRequest{Limit: 1})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// conflictingStore loses a fixed number of semaphore updates.
type conflictingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) UpdateSemaphore(ctx context.Context, sem *store.Semaphore) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "lost race")
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateSemaphore(ctx, sem)
}

func TestRaise_RetriesConflicts(t *testing.T) {
	st := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	c := New(st, Options{MaxAttempts: 3, Backoff: Backoff{Delay: time.Millisecond}})
	ctx := context.Background()

	_, err := c.Raise(ctx, RaiseRequest{ResourceID: "r", InstanceID: "wi-1", HolderID: "h-1", Limit: 2, Expiry: time.Hour})
	require.NoError(t, err)

	st.conflicts = 2
	_, err = c.Raise(ctx, RaiseRequest{ResourceID: "r", InstanceID: "wi-2", HolderID: "h-2", Limit: 2, Expiry: time.Hour})
	require.NoError(t, err)

	st.conflicts = 3
	_, err = c.Raise(ctx, RaiseRequest{ResourceID: "r", InstanceID: "wi-3", HolderID: "h-3", Limit: 3, Expiry: time.Hour})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRaiseExhausted))
}

func TestExtend(t *testing.T) {
	c, _, clk := newCoordinator(t)
	ctx := context.Background()

	tok, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-1", "h-1", 1, time.Minute))
	require.NoError(t, err)

	extended, err := c.Extend(ctx, tok, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour), extended.ExpiresAt)

	clk.Advance(2 * time.Hour)
	other, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-2", "h-2", 1, time.Minute))
	require.NoError(t, err)
	require.NotNil(t, other)

	_, err = c.Extend(ctx, tok, time.Hour)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestLower_NotHolder(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	tok, err := c.Raise(ctx, LockRequest("f", "r", "wi-1", "h-1"))
	require.NoError(t, err)
	next, err := c.Lower(ctx, tok)
	require.NoError(t, err)
	assert.Empty(t, next)

	_, err = c.Lower(ctx, tok)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotHolder))
}

func TestLower_ReturnsOwnInstanceWhenQueued(t *testing.T) {
	c, _, _ := newCoordinator(t)
	ctx := context.Background()

	tok, err := c.Raise(ctx, LockRequest("f", "r", "wi-1", "branch-a"))
	require.NoError(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-1", "branch-b"))
	requirePostponed(t, err)

	next, err := c.Lower(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "wi-1", next)

	_, err = c.Raise(ctx, LockRequest("f", "r", "wi-1", "branch-b"))
	require.NoError(t, err)
}

func TestReleaseInstance(t *testing.T) {
	c, st, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Raise(ctx, LockRequest("f", "orders", "wi-1", "h-1"))
	require.NoError(t, err)
	_, err = c.Raise(ctx, RaiseRequest{ResourceID: "gpu", InstanceID: "wi-1", HolderID: "h-2", Limit: 2, Expiry: Unbounded})
	require.NoError(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "orders", "wi-2", "h-3"))
	requirePostponed(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "audit", "wi-3", "h-4"))
	require.NoError(t, err)
	_, err = c.Raise(ctx, LockRequest("f", "audit", "wi-1", "h-5"))
	requirePostponed(t, err)

	next, err := c.ReleaseInstance(ctx, "wi-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"wi-2"}, next)

	sems, err := st.ListSemaphores(ctx)
	require.NoError(t, err)
	require.Len(t, sems, 3)
	for _, sem := range sems {
		for _, h := range sem.Holders {
			assert.NotEqual(t, "wi-1", h.InstanceID)
		}
		queue, err := st.ListQueue(ctx, sem.ID)
		require.NoError(t, err)
		for _, item := range queue {
			assert.NotEqual(t, "wi-1", item.WorkflowInstanceID)
		}
	}

	next, err = c.ReleaseInstance(ctx, "wi-1")
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestPurgeExpired(t *testing.T) {
	c, st, clk := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Raise(ctx, ThrottleRequest("smtp", "wi-1", "h-1", 2, time.Minute))
	require.NoError(t, err)
	_, err = c.Raise(ctx, ThrottleRequest("smtp", "wi-2", "h-2", 2, time.Hour))
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	n, err := c.PurgeExpired(ctx, 5*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sem, err := st.GetSemaphoreByResource(ctx, "", "throttle:smtp")
	require.NoError(t, err)
	require.Len(t, sem.Holders, 1)
	assert.Equal(t, "h-2", sem.Holders[0].HolderID)
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"zero delay", Backoff{}, 3, 0},
		{"constant", Backoff{Strategy: BackoffConstant, Delay: 10 * time.Millisecond}, 4, 10 * time.Millisecond},
		{"linear", Backoff{Strategy: BackoffLinear, Delay: 10 * time.Millisecond}, 2, 30 * time.Millisecond},
		{"exponential", Backoff{Strategy: BackoffExponential, Delay: 10 * time.Millisecond}, 3, 80 * time.Millisecond},
		{"capped", Backoff{Strategy: BackoffExponential, Delay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}, 3, 25 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.backoff, tt.attempt))
		})
	}
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
