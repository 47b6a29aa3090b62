package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/reentry/internal/cache"
	"github.com/rendis/reentry/internal/metrics"
)

// Config holds the engine knobs.
type Config struct {
	// SaveTimeout bounds every cache save. Zero is unbounded.
	SaveTimeout time.Duration
	// MaxRunTime bounds one reentry. Zero is unbounded.
	MaxRunTime time.Duration
	// Development makes internal assertion failures panic instead of being
	// reclassified as implementation errors.
	Development bool
	// InstanceLockExpiry is how long an instance lock survives a crashed reentry.
	InstanceLockExpiry time.Duration
	// MaxParallel bounds concurrently running fan-out branches. Zero is unbounded.
	MaxParallel int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SaveTimeout:        10 * time.Second,
		MaxRunTime:         5 * time.Minute,
		InstanceLockExpiry: 10 * time.Minute,
	}
}

// Alert describes an activity failure reported to the alert handler.
type Alert struct {
	WorkflowInstanceID string
	ActivityInstanceID string
	Position           string
	Category           string
	TechnicalMessage   string
	FriendlyMessage    string
}

// AlertFunc is notified once per failed activity. A returned error is logged
// and the alert is retried on the next reentry.
type AlertFunc func(ctx context.Context, alert Alert) error

// Options wires optional collaborators into the Executor.
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Alert     AlertFunc
	AfterSave cache.AfterSaveFunc
	// Now overrides the clock, for tests.
	Now func() time.Time
}
