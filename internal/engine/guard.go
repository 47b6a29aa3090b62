package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/pkg/schema"
)

const raiseRetryAfter = time.Second

// runGuard raises the guard's semaphore for the guard's own activity
// instance, so a replay after postponement extends the existing hold. Locks
// and semaphores are lowered once the body reaches an outcome; throttles
// expire. Holds of an instance that finishes while a body is postponed are
// dropped by the executor.
func (r *run) runGuard(ctx context.Context, s *Scope, g *Guard) (any, error) {
	if g.Body == nil || g.Resource == "" {
		return nil, schema.Assertf("guard %q needs a resource and a body", g.Title)
	}
	coord := r.exec.coord
	if coord == nil {
		return nil, schema.Assertf("guard %q used without a concurrency coordinator", g.Title)
	}

	holder := s.ActivityInstanceID()
	var req coordinator.RaiseRequest
	switch g.Kind {
	case schema.ActivityKindLock:
		req = coordinator.LockRequest(r.formID, g.Resource, r.instanceID, holder)
	case schema.ActivityKindThrottle:
		req = coordinator.ThrottleRequest(g.Resource, r.instanceID, holder, g.Limit, g.Expiry)
	case schema.ActivityKindSemaphore:
		expiry := g.Expiry
		if expiry <= 0 {
			expiry = coordinator.Unbounded
		}
		req = coordinator.RaiseRequest{
			FormID:     r.formID,
			ResourceID: "semaphore:" + g.Resource,
			InstanceID: r.instanceID,
			HolderID:   holder,
			Limit:      g.Limit,
			Expiry:     expiry,
		}
	default:
		return nil, schema.Assertf("guard %q has unsupported kind %q", g.Title, g.Kind)
	}

	tok, err := coord.Raise(ctx, req)
	if err != nil {
		if _, ok := schema.AsPostponed(err); ok || schema.IsCode(err, schema.ErrCodeValidation) {
			return nil, err
		}
		r.logger(ctx).Warn("raise failed", slog.String("resource", req.ResourceID), slog.Any("error", err))
		return nil, schema.Postponed("raise "+req.ResourceID+" failed", raiseRetryAfter)
	}

	out, err := r.callSafely(func() (any, error) { return g.Body(ctx, s) })
	if _, ok := schema.AsPostponed(err); ok || (err != nil && interrupted(ctx, err)) {
		return nil, err
	}
	if g.Kind != schema.ActivityKindThrottle {
		r.lower(ctx, tok)
	}
	return out, err
}

func (r *run) lower(ctx context.Context, tok *coordinator.Token) {
	next, err := r.exec.coord.Lower(context.WithoutCancel(ctx), tok)
	if err != nil {
		r.logger(ctx).Warn("lower failed", slog.String("resource", tok.ResourceID), slog.Any("error", err))
		return
	}
	switch next {
	case "":
	case r.instanceID:
		r.selfReady.Store(true)
	default:
		r.exec.signalReady(ctx, next)
	}
}
