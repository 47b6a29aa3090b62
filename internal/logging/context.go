package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	activityIDKey
	reentryIDKey
)

// correlation lists the context keys in the order they are attached to records.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{instanceIDKey, "workflow_instance_id"},
	{activityIDKey, "activity_instance_id"},
	{reentryIDKey, "reentry_id"},
}

// WithInstanceID returns a context with the workflow instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithActivityID returns a context with the activity instance ID set.
func WithActivityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

// WithReentryID returns a context with the reentry ID set.
func WithReentryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reentryIDKey, id)
}

// InstanceID extracts the workflow instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string { return value(ctx, instanceIDKey) }

// ActivityID extracts the activity instance ID from the context, or "" if absent.
func ActivityID(ctx context.Context) string { return value(ctx, activityIDKey) }

// ReentryID extracts the reentry ID from the context, or "" if absent.
func ReentryID(ctx context.Context) string { return value(ctx, reentryIDKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when logger is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
