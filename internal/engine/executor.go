package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/cache"
	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/internal/expressions"
	"github.com/rendis/reentry/internal/fallback"
	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/metrics"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

const tracerName = "github.com/rendis/reentry"

const (
	cancelAttempts     = 3
	interruptedReason  = "reentry interrupted"
	unmanagedReason    = "not a managed reentry"
	haltedReason       = "instance is halted until retried"
	implementationHint = "The workflow implementation is not available."
	cancelledTechnical = "workflow instance was cancelled"
	cancelledFriendly  = "The workflow was cancelled."
)

// Trigger is one request to reenter a workflow instance.
type Trigger struct {
	InstanceID string
	Capability string
	// Title names new instances. Defaults to the workflow title.
	Title  string
	Params Params
	// Managed is set by the broker adapter for reentries it dispatched.
	// Unmanaged triggers are turned away with an immediate postponement.
	Managed bool
}

// Result is the state of the instance after a reentry.
type Result struct {
	InstanceID string               `json:"instance_id"`
	State      schema.WorkflowState `json:"state"`
	IsComplete bool                 `json:"is_complete"`
	Output     json.RawMessage      `json:"output,omitempty"`
}

// Executor drives reentries of workflow instances.
type Executor struct {
	store    store.Store
	blobs    fallback.BlobStore
	registry *Registry
	coord    *coordinator.Coordinator
	broker   broker.Broker
	eval     *expressions.Evaluator

	cfg     Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewExecutor wires an Executor. blobs, coord and b may be nil: without
// blobs saves have no fallback, without coord guards and instance locks are
// unavailable, without b async actions wait for an external trigger.
func NewExecutor(st store.Store, blobs fallback.BlobStore, reg *Registry, coord *coordinator.Coordinator,
	b broker.Broker, cfg Config, opts Options) (*Executor, error) {
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Executor{
		store:    st,
		blobs:    blobs,
		registry: reg,
		coord:    coord,
		broker:   b,
		eval:     eval,
		cfg:      cfg,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		tracer:   tracer,
	}, nil
}

func (e *Executor) now() time.Time { return e.opts.Now() }

// Reenter runs the workflow body of tr.InstanceID once, from the start.
//
// The returned error is nil when the body returned, a *schema.PostponedError
// when the instance waits for something, a *schema.WorkflowFailedError when
// it failed, or an error from the store when the instance could not be
// loaded. The Result reflects the saved state whenever it is non-nil.
func (e *Executor) Reenter(ctx context.Context, tr Trigger) (*Result, error) {
	if !tr.Managed {
		return nil, &schema.PostponedError{TryAgain: true, Reason: unmanagedReason}
	}
	if tr.InstanceID == "" || tr.Capability == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "reentry requires an instance id and a capability")
	}
	latest, err := e.registry.Latest(tr.Capability)
	if err != nil {
		return nil, err
	}

	reentryID := uuid.NewString()
	ctx = logging.WithInstanceID(logging.WithReentryID(ctx, reentryID), tr.InstanceID)
	if e.cfg.MaxRunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.MaxRunTime)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "reentry.reenter",
		trace.WithAttributes(
			attribute.String("reentry.instance_id", tr.InstanceID),
			attribute.String("reentry.capability", tr.Capability),
			attribute.String("reentry.reentry_id", reentryID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	res, err := e.reenter(ctx, tr, latest, reentryID)
	endSpan(span, err)
	if res != nil {
		span.SetAttributes(attribute.String("reentry.state", string(res.State)))
	}
	e.metrics.Reentry(outcomeOf(err))
	return res, err
}

func (e *Executor) reenter(ctx context.Context, tr Trigger, latest Workflow, reentryID string) (*Result, error) {
	log := logging.LogWith(ctx, e.logger)
	d := descriptorOf(latest)
	title := tr.Title
	if title == "" {
		title = d.Title
	}

	c := cache.New(e.store, e.blobs, cache.Options{
		SaveTimeout: e.cfg.SaveTimeout,
		AfterSave:   e.opts.AfterSave,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	if _, err := c.Load(ctx, tr.InstanceID, cache.Template{
		FormID:         d.FormID,
		CapabilityName: d.Capability,
		Title:          title,
		MajorVersion:   d.MajorVersion,
		MinorVersion:   d.MinorVersion,
	}); err != nil {
		return nil, err
	}
	if got := c.Form().CapabilityName; got != tr.Capability {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"instance %s belongs to capability %q, not %q", tr.InstanceID, got, tr.Capability)
	}

	inst := c.Instance()
	if inst.State.IsFinal() {
		return resultOf(inst), finalSignal(inst)
	}

	// Runs after the instance lock is lowered.
	var finished bool
	defer func() {
		if finished {
			e.releaseHolds(ctx, tr.InstanceID)
		}
	}()
	if !c.IsNew() && e.coord != nil {
		tok, err := e.claimInstance(ctx, c.Form().ID, tr.InstanceID, reentryID)
		if err != nil {
			return resultOf(inst), err
		}
		defer e.releaseInstance(ctx, tok)
	}

	r := &run{
		exec:       e,
		cache:      c,
		instanceID: tr.InstanceID,
		reentryID:  reentryID,
		formID:     c.Form().ID,
		capability: tr.Capability,
		major:      c.Version().MajorVersion,
		params:     tr.Params,
	}
	log.Debug("reentering workflow", slog.String("state", string(inst.State)), slog.Int("major_version", r.major))
	res, err := e.drive(ctx, r, tr)
	_, failed := schema.AsWorkflowFailed(err)
	finished = res != nil && ((err == nil && res.State == schema.WorkflowStateSuccess) ||
		(failed && res.State == schema.WorkflowStateFailed))
	return res, err
}

// drive runs the bound workflow body and persists the outcome.
func (e *Executor) drive(ctx context.Context, r *run, tr Trigger) (*Result, error) {
	c := r.cache
	inst := c.Instance()
	if err := checkWorkflowTransition(inst.ID, inst.State, schema.WorkflowStateExecuting); err != nil {
		return resultOf(inst), err
	}
	c.UpdateInstance(func(wi *store.WorkflowInstance) { wi.State = schema.WorkflowStateExecuting })
	if _, err := c.Save(ctx, true); err != nil {
		return resultOf(c.Instance()), err
	}

	wf, err := e.registry.Lookup(r.capability, r.major)
	if err != nil {
		af := schema.ActivityFailed(schema.FailCategoryWorkflowImplementation, err.Error(), implementationHint)
		return e.finish(ctx, r, e.failInstance(c, af), false)
	}
	if !inst.CancelledAt.IsZero() {
		af := schema.ActivityFailed(schema.FailCategoryCancelled, cancelledTechnical, cancelledFriendly)
		return e.finish(ctx, r, e.failInstance(c, af), false)
	}
	if err := e.registry.ValidateParams(wf, tr.Params); err != nil {
		af := schema.ActivityFailed(schema.FailCategoryBusiness, err.Error(), "The workflow parameters are invalid.")
		return e.finish(ctx, r, e.failInstance(c, af), false)
	}

	out, runErr := r.callSafely(func() (any, error) { return wf.Run(ctx, r.root(), tr.Params) })
	signal, halt := e.classify(ctx, c, out, runErr)
	return e.finish(ctx, r, signal, halt)
}

// classify records the outcome of the workflow body on the instance. halt is
// set when the body failed unexpectedly.
func (e *Executor) classify(ctx context.Context, c *cache.Cache, out any, err error) (signal error, halt bool) {
	if err == nil {
		raw, mErr := marshalResult(out)
		if mErr == nil {
			c.UpdateInstance(func(wi *store.WorkflowInstance) {
				wi.State = schema.WorkflowStateSuccess
				wi.ResultJSON = string(raw)
			})
			return nil, false
		}
		err = mErr
	}

	if wf, ok := schema.AsWorkflowFailed(err); ok {
		c.UpdateInstance(func(wi *store.WorkflowInstance) {
			wi.State = schema.WorkflowStateFailed
			wi.FailCategory, wi.TechnicalMessage, wi.FriendlyMessage = wf.Category, wf.TechnicalMessage, wf.FriendlyMessage
		})
		return wf, false
	}
	if p, ok := schema.AsPostponed(err); ok {
		return propagated(p), false
	}
	if interrupted(ctx, err) {
		return schema.Postponed(interruptedReason, interruptRetryAfter), false
	}
	if af, ok := schema.AsActivityFailed(err); ok {
		return e.failInstance(c, af), false
	}

	category := schema.FailCategoryWorkflowCapability
	if schema.IsCode(err, schema.ErrCodeAssertion) {
		if e.cfg.Development {
			panic(err)
		}
		category = schema.FailCategoryWorkflowImplementation
	}
	logging.LogWith(ctx, e.logger).Error("workflow body failed unexpectedly",
		slog.String("category", string(category)), slog.Any("error", err))
	c.UpdateInstance(func(wi *store.WorkflowInstance) {
		wi.FailCategory, wi.TechnicalMessage, wi.FriendlyMessage = category, err.Error(), unexpectedFriendly
	})
	return &schema.PostponedError{Reason: "workflow body failed unexpectedly, " + haltedReason}, true
}

func (e *Executor) failInstance(c *cache.Cache, af *schema.ActivityFailedError) *schema.WorkflowFailedError {
	c.UpdateInstance(func(wi *store.WorkflowInstance) {
		wi.State = schema.WorkflowStateFailed
		wi.FailCategory, wi.TechnicalMessage, wi.FriendlyMessage = af.Category, af.TechnicalMessage, af.FriendlyMessage
	})
	return schema.WorkflowFailed(af)
}

// finish aggregates activity states and saves, whatever the outcome of the
// body. The save outlives cancellation of the reentry.
func (e *Executor) finish(ctx context.Context, r *run, signal error, halt bool) (*Result, error) {
	c := r.cache
	state := c.AggregateActivityInformation()
	if halt && state != schema.WorkflowStateFailed {
		now := e.now().UTC()
		c.UpdateInstance(func(wi *store.WorkflowInstance) {
			wi.State = schema.WorkflowStateHalted
			if wi.FinishedAt.IsZero() {
				wi.FinishedAt = now
			}
		})
	}

	_, saveErr := c.Save(context.WithoutCancel(ctx), true)
	res := resultOf(c.Instance())
	logging.LogWith(ctx, e.logger).Debug("reentry finished", slog.String("state", string(res.State)))
	if saveErr != nil {
		return res, saveErr
	}
	if p, ok := schema.AsPostponed(signal); ok && r.selfReady.Load() && !res.State.IsFinal() {
		signal = schema.MergePostponed(p, schema.Postponed("semaphore released by this instance", 0))
	}
	return res, signal
}

func (e *Executor) claimInstance(ctx context.Context, formID, instanceID, reentryID string) (*coordinator.Token, error) {
	req := coordinator.LockRequest(formID, "instance:"+instanceID, instanceID, reentryID)
	if e.cfg.InstanceLockExpiry > 0 {
		req.Expiry = e.cfg.InstanceLockExpiry
	}
	tok, err := e.coord.Raise(ctx, req)
	if err != nil {
		if _, ok := schema.AsPostponed(err); ok {
			return nil, err
		}
		logging.LogWith(ctx, e.logger).Warn("instance lock failed", slog.Any("error", err))
		return nil, schema.Postponed("instance lock unavailable", raiseRetryAfter)
	}
	return tok, nil
}

func (e *Executor) releaseInstance(ctx context.Context, tok *coordinator.Token) {
	next, err := e.coord.Lower(context.WithoutCancel(ctx), tok)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("instance lock release failed", slog.Any("error", err))
		return
	}
	if next != "" {
		e.signalReady(ctx, next)
	}
}

// releaseHolds lowers every lock and semaphore a finished instance still
// holds, then wakes the instances queued behind them.
func (e *Executor) releaseHolds(ctx context.Context, instanceID string) {
	if e.coord == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	next, err := e.coord.ReleaseInstance(ctx, instanceID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("releasing holds of finished instance failed", slog.Any("error", err))
	}
	for _, id := range next {
		e.signalReady(ctx, id)
	}
}

// signalReady tells the broker instanceID can be reentered now. Failures are logged.
func (e *Executor) signalReady(ctx context.Context, instanceID string) {
	if e.broker == nil {
		return
	}
	if err := e.broker.SignalReady(context.WithoutCancel(ctx), instanceID); err != nil {
		logging.LogWith(ctx, e.logger).Warn("readiness signal failed",
			slog.String("ready_instance_id", instanceID), slog.Any("error", err))
	}
}

// Cancel marks instanceID cancelled; its next reentry fails it. The instance
// is signalled ready so that reentry happens promptly. A halted instance is
// failed immediately.
func (e *Executor) Cancel(ctx context.Context, instanceID string) error {
	backoff := coordinator.Backoff{Strategy: coordinator.BackoffExponential, Delay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	var lastErr error
	for attempt := range cancelAttempts {
		if attempt > 0 {
			if err := coordinator.WaitForBackoff(ctx, coordinator.ComputeBackoff(backoff, attempt-1)); err != nil {
				return err
			}
		}
		sum, err := e.store.ReadSummary(ctx, instanceID)
		if err != nil {
			return err
		}
		inst := sum.Instance
		halted := inst.State == schema.WorkflowStateHalted
		if inst.State.IsFinal() && !halted {
			return schema.NewErrorf(schema.ErrCodeInvalidState, "instance %s is already %s", instanceID, inst.State)
		}
		if inst.CancelledAt.IsZero() || halted {
			now := e.now().UTC()
			if inst.CancelledAt.IsZero() {
				inst.CancelledAt = now
			}
			// Halted instances are not reentered, so they fail here.
			if halted {
				inst.State = schema.WorkflowStateFailed
				inst.FinishedAt = now
				setInstanceFailure(&inst, schema.FailCategoryCancelled, cancelledTechnical, cancelledFriendly)
			}
			err = e.store.UpdateInstance(ctx, &inst)
			if store.IsConflict(err) {
				lastErr = err
				continue
			}
			if err != nil {
				return err
			}
			if halted {
				e.releaseHolds(ctx, instanceID)
			}
		}
		e.signalReady(ctx, instanceID)
		return nil
	}
	return lastErr
}

// Retry resets a halted instance: failed activities that halted it return to
// Executing and the instance returns to Waiting, then it is signalled ready.
func (e *Executor) Retry(ctx context.Context, instanceID string) error {
	sum, err := e.store.ReadSummary(ctx, instanceID)
	if err != nil {
		return err
	}
	inst := sum.Instance
	if inst.State != schema.WorkflowStateHalted && inst.State != schema.WorkflowStateHalting {
		return schema.NewErrorf(schema.ErrCodeInvalidState, "instance %s is %s, not halted", instanceID, inst.State)
	}
	if err := checkWorkflowTransition(instanceID, inst.State, schema.WorkflowStateWaiting); err != nil {
		return err
	}

	batch := &store.Batch{}
	for _, id := range slices.Sorted(maps.Keys(sum.ActivityInstances)) {
		ai := sum.ActivityInstances[id]
		if ai.State != schema.ActivityStateFailed {
			continue
		}
		urgency := sum.ActivityVersions[ai.ActivityVersionID].FailUrgency.OrDefault()
		if urgency != schema.FailUrgencyStopping && !schema.IsUnexpected(ai.FailCategory) {
			continue
		}
		if err := checkActivityTransition(ai.ID, ai.State, schema.ActivityStateExecuting); err != nil {
			return err
		}
		ai.State = schema.ActivityStateExecuting
		setFailure(&ai, "", "", "")
		ai.AlertHandled = false
		ai.FinishedAt = time.Time{}
		batch.ActivityInstances = append(batch.ActivityInstances, &ai)
	}

	inst.State = schema.WorkflowStateWaiting
	setInstanceFailure(&inst, "", "", "")
	inst.FinishedAt = time.Time{}
	batch.Instance = &inst
	if err := e.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	logging.LogWith(logging.WithInstanceID(ctx, instanceID), e.logger).Info("instance retried",
		slog.Int("activities_reset", len(batch.ActivityInstances)))
	e.signalReady(ctx, instanceID)
	return nil
}

func setInstanceFailure(wi *store.WorkflowInstance, category schema.FailCategory, technical, friendly string) {
	wi.FailCategory, wi.TechnicalMessage, wi.FriendlyMessage = category, technical, friendly
}

func resultOf(inst store.WorkflowInstance) *Result {
	res := &Result{InstanceID: inst.ID, State: inst.State, IsComplete: inst.IsComplete}
	if inst.ResultJSON != "" {
		res.Output = json.RawMessage(inst.ResultJSON)
	}
	return res
}

// finalSignal is the outcome reported for an instance that can no longer run.
func finalSignal(inst store.WorkflowInstance) error {
	switch inst.State {
	case schema.WorkflowStateFailed:
		return &schema.WorkflowFailedError{
			Category:         inst.FailCategory,
			TechnicalMessage: inst.TechnicalMessage,
			FriendlyMessage:  inst.FriendlyMessage,
		}
	case schema.WorkflowStateHalted:
		return &schema.PostponedError{Reason: haltedReason}
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if _, ok := schema.AsPostponed(err); ok {
		return "postponed"
	}
	if _, ok := schema.AsWorkflowFailed(err); ok {
		return "failed"
	}
	return "error"
}
