package coordinator

import (
	"context"
	"time"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Backoff controls the delay between raise attempts lost to a concurrent writer.
type Backoff struct {
	Strategy string
	Delay    time.Duration
	MaxDelay time.Duration
}

// ComputeBackoff calculates the delay before the given retry attempt. Attempt
// zero is the first retry.
func ComputeBackoff(b Backoff, attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch b.Strategy {
	case BackoffExponential:
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = b.Delay * multiplier
	case BackoffLinear:
		delay = b.Delay * time.Duration(attempt+1)
	default:
		delay = b.Delay
	}

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
