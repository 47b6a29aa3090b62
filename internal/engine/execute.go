package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/cache"
	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

const (
	brokerRetryAfter    = 2 * time.Second
	saveRetryAfter      = 5 * time.Second
	interruptRetryAfter = time.Second

	unexpectedFriendly = "An unexpected error occurred."
)

// Execute runs act in scope s and returns its result decoded as T.
//
// A terminal activity is replayed without invoking its body. A failure is
// converted by the fail urgency of the activity: Stopping postpones,
// CancelWorkflow fails the workflow, HandleLater and Ignore return the
// default value. Any error returned is a *schema.PostponedError, a
// *schema.WorkflowFailedError or an internal assertion.
func Execute[T any](ctx context.Context, s *Scope, act Activity) (T, error) {
	var zero T
	if s == nil || s.run == nil {
		return zero, schema.Assertf("activity executed outside a workflow scope")
	}
	raw, err := s.run.execute(ctx, s, act)
	if err != nil {
		return zero, err
	}
	return decodeResult[T](raw)
}

// WaitForResponse suspends the calling action until the broker reports a
// response for requestID. Return it from an Action body after dispatching the
// request; the next reentries resolve the action from the broker.
func WaitForResponse(requestID string) error {
	return &schema.PostponedError{
		AsyncRequestID: requestID,
		WaitingForIDs:  []string{requestID},
		Reason:         "waiting for async response",
	}
}

func decodeResult[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, schema.Assertf("decode activity result into %T: %s", out, err.Error()).WithCause(err)
	}
	return out, nil
}

func marshalResult(v any) (json.RawMessage, error) {
	switch out := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode activity result: %w", err)
	}
	return raw, nil
}

func (r *run) logger(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, r.exec.logger)
}

func (r *run) execute(ctx context.Context, s *Scope, act Activity) (json.RawMessage, error) {
	if act == nil {
		return nil, schema.Assertf("nil activity")
	}
	var priority int
	if a, ok := act.(*Action); ok {
		priority = a.AsyncPriority
	}
	res, err := r.cache.GetOrCreateActivityInstance(s.ref(act.header(), act.kind(), priority))
	if err != nil {
		return nil, err
	}

	ctx = logging.WithActivityID(ctx, res.InstanceID)
	ctx, span := r.exec.tracer.Start(ctx, "reentry.activity",
		trace.WithAttributes(
			attribute.String("reentry.activity.kind", string(act.kind())),
			attribute.String("reentry.activity.position", res.Position),
			attribute.String("reentry.activity.instance_id", res.InstanceID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	raw, err := r.executeResolved(ctx, s, act, res)
	endSpan(span, err)
	return raw, err
}

func (r *run) executeResolved(ctx context.Context, s *Scope, act Activity, res cache.Resolved) (json.RawMessage, error) {
	// Persist the new identity before any side effect.
	if res.Created {
		if err := r.save(ctx); err != nil {
			return nil, err
		}
	}

	ai, ok := r.cache.ActivityInstance(res.InstanceID)
	if !ok {
		return nil, schema.Assertf("activity instance %s vanished from the cache", res.InstanceID)
	}

	switch ai.State {
	case schema.ActivityStateSuccess:
		r.exec.metrics.Activity("replayed")
		return json.RawMessage(ai.ResultJSON), nil
	case schema.ActivityStateFailed:
		return r.replayFailure(ctx, act, ai)
	case schema.ActivityStateWaiting:
		if a, ok := act.(*Action); ok && ai.AsyncRequestID != "" {
			return r.awaitResponse(ctx, a, ai)
		}
	}

	out, err := r.invoke(ctx, s.child(res), act)
	return r.settle(ctx, act, ai.ID, out, err)
}

// save persists the cache mid-reentry. Save failures are never failures of
// the activity being executed.
func (r *run) save(ctx context.Context) error {
	_, err := r.cache.Save(ctx, true)
	if err == nil {
		return nil
	}
	if p, ok := schema.AsPostponed(err); ok {
		return p
	}
	r.logger(ctx).Warn("save failed", slog.Any("error", err))
	return schema.Postponed("workflow state could not be saved", saveRetryAfter)
}

func (r *run) invoke(ctx context.Context, s *Scope, act Activity) (any, error) {
	return r.callSafely(func() (any, error) {
		switch a := act.(type) {
		case *Action:
			if a.Body == nil {
				return nil, schema.Assertf("action %q has no body", a.Title)
			}
			return a.Body(ctx, s)
		case *If:
			return r.runIf(ctx, s, a)
		case *Switch:
			return r.runSwitch(ctx, s, a)
		case *Loop:
			return r.runLoop(ctx, s, a)
		case *ForEach:
			return r.runForEach(ctx, s, a)
		case *Guard:
			return r.runGuard(ctx, s, a)
		}
		return nil, schema.Assertf("unsupported activity %T", act)
	})
}

// callSafely turns a panic of workflow code into an error. Assertions keep
// panicking in development mode.
func (r *run) callSafely(fn func() (any, error)) (out any, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if e, ok := rec.(error); ok {
			if r.exec.cfg.Development && schema.IsCode(e, schema.ErrCodeAssertion) {
				panic(rec)
			}
			err = fmt.Errorf("workflow code panicked: %w", e)
			return
		}
		err = fmt.Errorf("workflow code panicked: %v", rec)
	}()
	return fn()
}

// settle records the outcome of one body invocation.
func (r *run) settle(ctx context.Context, act Activity, id string, out any, err error) (json.RawMessage, error) {
	if err == nil {
		raw, mErr := marshalResult(out)
		if mErr == nil {
			if _, err := r.transition(id, schema.ActivityStateSuccess, func(ai *store.ActivityInstance) {
				ai.ResultJSON = string(raw)
			}); err != nil {
				return nil, err
			}
			r.exec.metrics.Activity("success")
			return raw, nil
		}
		err = mErr
	}

	if p, ok := schema.AsPostponed(err); ok {
		if _, isAction := act.(*Action); isAction && p.AsyncRequestID != "" {
			if _, err := r.transition(id, schema.ActivityStateWaiting, func(ai *store.ActivityInstance) {
				ai.AsyncRequestID = p.AsyncRequestID
			}); err != nil {
				return nil, err
			}
			r.exec.metrics.Activity("waiting")
		} else {
			r.exec.metrics.Activity("postponed")
		}
		r.logger(ctx).Debug("activity postponed", slog.String("reason", p.Reason))
		return nil, propagated(p)
	}
	if wf, ok := schema.AsWorkflowFailed(err); ok {
		return nil, wf
	}
	if interrupted(ctx, err) {
		r.exec.metrics.Activity("postponed")
		return nil, schema.Postponed("reentry interrupted", interruptRetryAfter)
	}
	if af, ok := schema.AsActivityFailed(err); ok {
		ai, err := r.transition(id, schema.ActivityStateFailed, func(ai *store.ActivityInstance) {
			setFailure(ai, af.Category, af.TechnicalMessage, af.FriendlyMessage)
		})
		if err != nil {
			return nil, err
		}
		r.exec.metrics.Activity("failed")
		r.alert(ctx, ai)
		return r.applyUrgency(ctx, act, ai)
	}
	return r.unexpected(ctx, id, err)
}

func (r *run) unexpected(ctx context.Context, id string, cause error) (json.RawMessage, error) {
	category := schema.FailCategoryWorkflowCapability
	if schema.IsCode(cause, schema.ErrCodeAssertion) {
		if r.exec.cfg.Development {
			panic(cause)
		}
		category = schema.FailCategoryWorkflowImplementation
	}
	ai, err := r.transition(id, schema.ActivityStateFailed, func(ai *store.ActivityInstance) {
		setFailure(ai, category, cause.Error(), unexpectedFriendly)
	})
	if err != nil {
		return nil, err
	}
	r.exec.metrics.Activity("failed")
	r.logger(ctx).Error("activity failed unexpectedly", slog.String("category", string(category)), slog.Any("error", cause))
	r.alert(ctx, ai)
	return nil, haltedBy(ai)
}

func (r *run) replayFailure(ctx context.Context, act Activity, ai store.ActivityInstance) (json.RawMessage, error) {
	r.exec.metrics.Activity("replayed")
	r.alert(ctx, ai)
	if schema.IsUnexpected(ai.FailCategory) {
		return nil, haltedBy(ai)
	}
	return r.applyUrgency(ctx, act, ai)
}

// applyUrgency converts the stored failure of ai into the outcome its fail
// urgency prescribes.
func (r *run) applyUrgency(ctx context.Context, act Activity, ai store.ActivityInstance) (json.RawMessage, error) {
	urgency := schema.FailUrgencyStopping
	if av, ok := r.cache.ActivityVersion(ai.ActivityVersionID); ok {
		urgency = av.FailUrgency.OrDefault()
	}
	switch urgency {
	case schema.FailUrgencyCancelWorkflow:
		return nil, schema.WorkflowFailed(failureOf(ai))
	case schema.FailUrgencyHandleLater, schema.FailUrgencyIgnore:
		return r.defaultValue(ctx, act), nil
	default:
		return nil, haltedBy(ai)
	}
}

// defaultValue returns the encoded default of act, or nil for the zero
// value. Supplier failures are logged and yield the zero value.
func (r *run) defaultValue(ctx context.Context, act Activity) json.RawMessage {
	def := act.header().Default
	if def == nil {
		return nil
	}
	v, err := r.callSafely(def)
	if err == nil {
		var raw json.RawMessage
		if raw, err = marshalResult(v); err == nil {
			return raw
		}
	}
	r.logger(ctx).Warn("default value supplier failed, using zero value", slog.Any("error", err))
	return nil
}

// alert notifies the alert handler once per failed activity.
func (r *run) alert(ctx context.Context, ai store.ActivityInstance) {
	if ai.AlertHandled {
		return
	}
	if fn := r.exec.opts.Alert; fn != nil {
		a := Alert{
			WorkflowInstanceID: r.instanceID,
			ActivityInstanceID: ai.ID,
			Category:           string(ai.FailCategory),
			TechnicalMessage:   ai.TechnicalMessage,
			FriendlyMessage:    ai.FriendlyMessage,
		}
		if av, ok := r.cache.ActivityVersion(ai.ActivityVersionID); ok {
			a.Position = av.Position
		}
		if _, err := r.callSafely(func() (any, error) { return nil, fn(ctx, a) }); err != nil {
			r.logger(ctx).Warn("alert handler failed", slog.Any("error", err))
			return
		}
	}
	_ = r.cache.UpdateActivityInstance(ai.ID, func(a *store.ActivityInstance) { a.AlertHandled = true })
}

func (r *run) awaitResponse(ctx context.Context, a *Action, ai store.ActivityInstance) (json.RawMessage, error) {
	id := ai.AsyncRequestID
	b := r.exec.broker
	if b == nil {
		return nil, waitingFor(id)
	}
	resp, err := b.GetResponse(ctx, id)
	if err != nil {
		r.logger(ctx).Warn("broker lookup failed", slog.String("async_request_id", id), slog.Any("error", err))
		p := waitingFor(id)
		p.TryAgain, p.TryAgainAfter = true, brokerRetryAfter
		return nil, p
	}

	switch resp.Status {
	case broker.StatusCompleted:
		raw, err := r.exec.eval.Extract(ctx, a.ResultPath, resp.Body)
		if err != nil {
			return r.settle(ctx, a, ai.ID, nil, err)
		}
		return r.settle(ctx, a, ai.ID, raw, nil)
	case broker.StatusFailed:
		return r.settle(ctx, a, ai.ID, nil, schema.ActivityFailed(schema.FailCategoryTechnical, resp.Error, ""))
	default:
		return nil, waitingFor(id)
	}
}

// transition moves activity id to state to and applies fn to the record.
func (r *run) transition(id string, to schema.ActivityState, fn func(ai *store.ActivityInstance)) (store.ActivityInstance, error) {
	cur, ok := r.cache.ActivityInstance(id)
	if !ok {
		return cur, schema.Assertf("activity instance %s is not cached", id)
	}
	if err := checkActivityTransition(id, cur.State, to); err != nil {
		return cur, err
	}
	now := r.exec.now().UTC()
	var updated store.ActivityInstance
	err := r.cache.UpdateActivityInstance(id, func(ai *store.ActivityInstance) {
		ai.State = to
		if to.IsTerminal() {
			ai.FinishedAt = now
		}
		fn(ai)
		updated = *ai
	})
	return updated, err
}

func setFailure(ai *store.ActivityInstance, category schema.FailCategory, technical, friendly string) {
	ai.FailCategory = category
	ai.TechnicalMessage = technical
	ai.FriendlyMessage = friendly
}

func failureOf(ai store.ActivityInstance) *schema.ActivityFailedError {
	return &schema.ActivityFailedError{
		Category:         ai.FailCategory,
		TechnicalMessage: ai.TechnicalMessage,
		FriendlyMessage:  ai.FriendlyMessage,
		ActivityID:       ai.ID,
	}
}

func haltedBy(ai store.ActivityInstance) *schema.PostponedError {
	return &schema.PostponedError{
		Reason: fmt.Sprintf("activity %s failed (%s), instance halts until retried", ai.ID, ai.FailCategory),
	}
}

func waitingFor(requestID string) *schema.PostponedError {
	return &schema.PostponedError{WaitingForIDs: []string{requestID}, Reason: "waiting for async response"}
}

// propagated strips the async request id so enclosing activities never take
// a child's wait for their own.
func propagated(p *schema.PostponedError) *schema.PostponedError {
	if p.AsyncRequestID == "" {
		return p
	}
	cp := *p
	cp.AsyncRequestID = ""
	return &cp
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if p, ok := schema.AsPostponed(err); ok {
		span.SetAttributes(attribute.Bool("reentry.postponed", true), attribute.String("reentry.postponed.reason", p.Reason))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
