// Package coordinator implements locks, throttles and semaphores over
// etag-checked semaphore records and a FIFO wait queue. No in-process lock is
// held across calls; every mutation is an optimistic read-modify-write.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/metrics"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

// Unbounded is the hold time of a lock.
const Unbounded = 100 * 365 * 24 * time.Hour

const defaultMaxAttempts = 3

// Options configures a Coordinator.
type Options struct {
	// MaxAttempts bounds how many times a raise is retried after losing a race.
	MaxAttempts int
	Backoff     Backoff
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator raises, extends and lowers semaphores.
type Coordinator struct {
	store   store.SemaphoreStore
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Coordinator over st.
func New(st store.SemaphoreStore, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff.Delay == 0 {
		opts.Backoff = Backoff{Strategy: BackoffExponential, Delay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:   st,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
	}
}

// RaiseRequest describes one attempt to hold a semaphore.
type RaiseRequest struct {
	// FormID scopes the resource to one workflow form. Empty shares the
	// resource across all forms.
	FormID     string
	ResourceID string
	// InstanceID is the workflow instance queued when the semaphore is full.
	InstanceID string
	// HolderID identifies the raise. Raising again with the same id extends it.
	HolderID string
	Limit    int
	Expiry   time.Duration
}

// LockRequest returns a limit-1, unbounded raise scoped to one workflow form.
func LockRequest(formID, resourceID, instanceID, holderID string) RaiseRequest {
	return RaiseRequest{
		FormID:     formID,
		ResourceID: "lock:" + resourceID,
		InstanceID: instanceID,
		HolderID:   holderID,
		Limit:      1,
		Expiry:     Unbounded,
	}
}

// ThrottleRequest returns a time-boxed raise shared by every workflow form.
func ThrottleRequest(resourceID, instanceID, holderID string, limit int, window time.Duration) RaiseRequest {
	return RaiseRequest{
		ResourceID: "throttle:" + resourceID,
		InstanceID: instanceID,
		HolderID:   holderID,
		Limit:      limit,
		Expiry:     window,
	}
}

// Token is proof of holding a semaphore.
type Token struct {
	SemaphoreID string    `json:"semaphore_id"`
	FormID      string    `json:"form_id,omitempty"`
	ResourceID  string    `json:"resource_id"`
	InstanceID  string    `json:"instance_id"`
	HolderID    string    `json:"holder_id"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Raise acquires a slot of the semaphore for req.HolderID. When every slot is
// held, the instance is queued and a postponement naming the semaphore is
// returned. Races lost to concurrent writers are retried up to MaxAttempts.
func (c *Coordinator) Raise(ctx context.Context, req RaiseRequest) (*Token, error) {
	if req.ResourceID == "" || req.HolderID == "" || req.InstanceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "raise requires resource, holder and instance ids")
	}
	if req.Limit <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "semaphore %q limit must be positive", req.ResourceID)
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(c.opts.Backoff, attempt-1)); err != nil {
				return nil, err
			}
		}

		tok, err := c.tryRaise(ctx, req)
		if err == nil {
			c.metrics.Raise("acquired")
			return tok, nil
		}
		if _, ok := schema.AsPostponed(err); ok {
			c.metrics.Raise("queued")
			return nil, err
		}
		if !store.IsConflict(err) {
			c.metrics.Raise("error")
			return nil, err
		}
		lastErr = err
		c.logger.DebugContext(ctx, "semaphore raise conflicted",
			slog.String("resource", req.ResourceID), slog.Int("attempt", attempt+1))
	}

	c.metrics.Raise("exhausted")
	return nil, schema.NewErrorf(schema.ErrCodeRaiseExhausted,
		"semaphore %q: raise lost %d races", req.ResourceID, c.opts.MaxAttempts).WithCause(lastErr)
}

func (c *Coordinator) tryRaise(ctx context.Context, req RaiseRequest) (*Token, error) {
	now := c.opts.Now()
	holder := store.SemaphoreHolder{
		InstanceID: req.InstanceID,
		HolderID:   req.HolderID,
		Token:      uuid.NewString(),
		Raised:     true,
		ExpiresAt:  now.Add(req.Expiry),
	}

	sem, err := c.store.GetSemaphoreByResource(ctx, req.FormID, req.ResourceID)
	if store.IsNotFound(err) {
		sem = &store.Semaphore{
			WorkflowFormID:     req.FormID,
			ResourceIdentifier: req.ResourceID,
			Limit:              req.Limit,
			Holders:            []store.SemaphoreHolder{holder},
		}
		if err := c.store.CreateSemaphore(ctx, sem); err != nil {
			return nil, err
		}
		return tokenFor(sem, holder), nil
	}
	if err != nil {
		return nil, err
	}

	sem.Limit = req.Limit

	// Same holder: extend, keeping the original token.
	if i := holderIndex(sem.Holders, req.HolderID); i >= 0 && isActive(sem.Holders[i], now) {
		sem.Holders[i].ExpiresAt = holder.ExpiresAt
		if err := c.store.UpdateSemaphore(ctx, sem); err != nil {
			return nil, err
		}
		return tokenFor(sem, sem.Holders[i]), nil
	}

	// Expired and lowered holders are taken over.
	sem.Holders = slices.DeleteFunc(sem.Holders, func(h store.SemaphoreHolder) bool {
		return !isActive(h, now) || h.HolderID == req.HolderID
	})

	free := sem.Limit - len(sem.Holders)
	if free > 0 {
		ahead, err := c.queuedAhead(ctx, sem.ID, req.InstanceID)
		if err != nil {
			return nil, err
		}
		if ahead < free {
			sem.Holders = append(sem.Holders, holder)
			if err := c.store.UpdateSemaphore(ctx, sem); err != nil {
				return nil, err
			}
			if err := c.store.Dequeue(ctx, sem.ID, req.InstanceID); err != nil {
				c.logger.WarnContext(ctx, "dequeue after raise failed",
					slog.String("semaphore_id", sem.ID), slog.String("error", err.Error()))
			}
			return tokenFor(sem, holder), nil
		}
	}

	if _, err := c.store.Enqueue(ctx, sem.ID, req.InstanceID); err != nil {
		return nil, fmt.Errorf("enqueue on %s: %w", req.ResourceID, err)
	}
	p := &schema.PostponedError{
		WaitingForIDs: []string{sem.ID},
		Reason:        fmt.Sprintf("waiting for %s", req.ResourceID),
	}
	if next := earliestExpiry(sem.Holders); !next.IsZero() && next.Sub(now) < Unbounded/2 {
		p.TryAgain = true
		p.TryAgainAfter = max(next.Sub(now), 0)
	}
	return nil, p
}

// queuedAhead counts queue entries of other instances ahead of instanceID.
// An instance not in the queue is behind everybody.
func (c *Coordinator) queuedAhead(ctx context.Context, semaphoreID, instanceID string) (int, error) {
	items, err := c.store.ListQueue(ctx, semaphoreID)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if item.WorkflowInstanceID == instanceID {
			return i, nil
		}
	}
	return len(items), nil
}

// Extend moves the expiry of a held token. It fails with a conflict when the
// token no longer holds the semaphore or the record changed concurrently.
func (c *Coordinator) Extend(ctx context.Context, tok *Token, expiry time.Duration) (*Token, error) {
	now := c.opts.Now()
	sem, err := c.store.GetSemaphoreByResource(ctx, tok.FormID, tok.ResourceID)
	if err != nil {
		return nil, err
	}
	i := tokenIndex(sem.Holders, tok.Token)
	if i < 0 || !isActive(sem.Holders[i], now) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "semaphore %q is no longer held by %s", tok.ResourceID, tok.HolderID)
	}
	sem.Holders[i].ExpiresAt = now.Add(expiry)
	if err := c.store.UpdateSemaphore(ctx, sem); err != nil {
		return nil, err
	}
	return tokenFor(sem, sem.Holders[i]), nil
}

// Lower releases a held token and returns the next queued instance, if any,
// so the caller can trigger it. That may be the token's own instance when
// another of its activities queued on the same semaphore.
func (c *Coordinator) Lower(ctx context.Context, tok *Token) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(c.opts.Backoff, attempt-1)); err != nil {
				return "", err
			}
		}
		sem, err := c.store.GetSemaphoreByResource(ctx, tok.FormID, tok.ResourceID)
		if err != nil {
			return "", err
		}
		i := tokenIndex(sem.Holders, tok.Token)
		if i < 0 {
			return "", schema.NewErrorf(schema.ErrCodeNotHolder, "semaphore %q is not held by %s", tok.ResourceID, tok.HolderID)
		}
		sem.Holders = slices.Delete(sem.Holders, i, i+1)
		err = c.store.UpdateSemaphore(ctx, sem)
		if store.IsConflict(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		return c.nextWaiter(ctx, sem.ID, "")
	}
	return "", schema.NewErrorf(schema.ErrCodeRaiseExhausted, "semaphore %q: lower lost %d races",
		tok.ResourceID, c.opts.MaxAttempts).WithCause(lastErr)
}

func (c *Coordinator) nextWaiter(ctx context.Context, semaphoreID, skip string) (string, error) {
	items, err := c.store.ListQueue(ctx, semaphoreID)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.WorkflowInstanceID != skip {
			return item.WorkflowInstanceID, nil
		}
	}
	return "", nil
}

// ReleaseInstance drops every hold and queue entry of a workflow instance
// that will not run again, and returns the instances queued behind the
// semaphores it freed.
func (c *Coordinator) ReleaseInstance(ctx context.Context, instanceID string) ([]string, error) {
	sems, err := c.store.ListSemaphores(ctx)
	if err != nil {
		return nil, err
	}
	var next []string
	for _, sem := range sems {
		freed, err := c.releaseFrom(ctx, sem, instanceID)
		if err != nil {
			return next, fmt.Errorf("release %s from %s: %w", instanceID, sem.ResourceIdentifier, err)
		}
		if err := c.store.Dequeue(ctx, sem.ID, instanceID); err != nil && !store.IsNotFound(err) {
			return next, fmt.Errorf("dequeue %s from %s: %w", instanceID, sem.ResourceIdentifier, err)
		}
		if !freed {
			continue
		}
		waiter, err := c.nextWaiter(ctx, sem.ID, instanceID)
		if err != nil {
			return next, err
		}
		if waiter != "" && !slices.Contains(next, waiter) {
			next = append(next, waiter)
		}
	}
	return next, nil
}

// releaseFrom removes the holders of instanceID from sem, rereading it after
// lost races. It reports whether any holder was removed.
func (c *Coordinator) releaseFrom(ctx context.Context, sem *store.Semaphore, instanceID string) (bool, error) {
	owned := func(h store.SemaphoreHolder) bool { return h.InstanceID == instanceID }
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(c.opts.Backoff, attempt-1)); err != nil {
				return false, err
			}
			var err error
			if sem, err = c.store.GetSemaphoreByResource(ctx, sem.WorkflowFormID, sem.ResourceIdentifier); err != nil {
				return false, err
			}
		}
		if !slices.ContainsFunc(sem.Holders, owned) {
			return false, nil
		}
		sem.Holders = slices.DeleteFunc(sem.Holders, owned)
		err := c.store.UpdateSemaphore(ctx, sem)
		if err == nil {
			return true, nil
		}
		if !store.IsConflict(err) {
			return false, err
		}
		lastErr = err
	}
	return false, schema.NewErrorf(schema.ErrCodeRaiseExhausted, "semaphore %q: release lost %d races",
		sem.ResourceIdentifier, c.opts.MaxAttempts).WithCause(lastErr)
}

// PurgeExpired removes holders whose expiry passed more than grace ago and
// queue entries older than queueAge. It returns the number of holders removed.
func (c *Coordinator) PurgeExpired(ctx context.Context, grace, queueAge time.Duration) (int, error) {
	now := c.opts.Now()
	sems, err := c.store.ListSemaphores(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sem := range sems {
		before := len(sem.Holders)
		sem.Holders = slices.DeleteFunc(sem.Holders, func(h store.SemaphoreHolder) bool {
			return !h.Raised || h.ExpiresAt.Add(grace).Before(now)
		})
		if len(sem.Holders) == before {
			continue
		}
		if err := c.store.UpdateSemaphore(ctx, sem); err != nil {
			if store.IsConflict(err) {
				// Someone else touched it; next run will catch it.
				continue
			}
			return removed, err
		}
		removed += before - len(sem.Holders)
	}
	if queueAge > 0 {
		if _, err := c.store.PurgeQueue(ctx, now.Add(-queueAge)); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func isActive(h store.SemaphoreHolder, now time.Time) bool {
	return h.Raised && h.ExpiresAt.After(now)
}

func holderIndex(holders []store.SemaphoreHolder, holderID string) int {
	return slices.IndexFunc(holders, func(h store.SemaphoreHolder) bool { return h.HolderID == holderID })
}

func tokenIndex(holders []store.SemaphoreHolder, token string) int {
	return slices.IndexFunc(holders, func(h store.SemaphoreHolder) bool { return h.Token == token })
}

func earliestExpiry(holders []store.SemaphoreHolder) time.Time {
	var out time.Time
	for _, h := range holders {
		if out.IsZero() || h.ExpiresAt.Before(out) {
			out = h.ExpiresAt
		}
	}
	return out
}

func tokenFor(sem *store.Semaphore, h store.SemaphoreHolder) *Token {
	return &Token{
		SemaphoreID: sem.ID,
		FormID:      sem.WorkflowFormID,
		ResourceID:  sem.ResourceIdentifier,
		InstanceID:  h.InstanceID,
		HolderID:    h.HolderID,
		Token:       h.Token,
		ExpiresAt:   h.ExpiresAt,
	}
}
