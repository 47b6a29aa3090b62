package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// PostponedError signals that a unit of work is waiting on something external
// and must be retried on a future reentry. It is not a failure.
type PostponedError struct {
	// WaitingForIDs are the correlation ids (async requests, semaphores) being waited on.
	WaitingForIDs []string `json:"waiting_for_ids,omitempty"`
	// TryAgain is set when the caller should reenter without waiting for an external event.
	TryAgain bool `json:"try_again"`
	// TryAgainAfter is a hint for how long to wait before reentering when TryAgain is set.
	TryAgainAfter time.Duration `json:"try_again_after,omitempty"`
	// AsyncRequestID is set when an activity body suspended on an external response.
	AsyncRequestID string `json:"async_request_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (e *PostponedError) Error() string {
	var b strings.Builder
	b.WriteString("postponed")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.WaitingForIDs) > 0 {
		fmt.Fprintf(&b, " (waiting for %s)", strings.Join(e.WaitingForIDs, ", "))
	}
	if e.TryAgain {
		fmt.Fprintf(&b, " (try again after %s)", e.TryAgainAfter)
	}
	return b.String()
}

// Postponed returns a PostponedError asking to be reentered after the given delay.
func Postponed(reason string, after time.Duration) *PostponedError {
	return &PostponedError{Reason: reason, TryAgain: true, TryAgainAfter: after}
}

// AsPostponed extracts a PostponedError from err.
func AsPostponed(err error) (*PostponedError, bool) {
	var p *PostponedError
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// MergePostponed combines postponement signals from concurrent branches: the
// wait ids are unioned and TryAgain is OR-ed. The shortest TryAgainAfter wins.
func MergePostponed(signals ...*PostponedError) *PostponedError {
	merged := &PostponedError{}
	seen := make(map[string]struct{})
	var reasons []string
	first := true
	for _, p := range signals {
		if p == nil {
			continue
		}
		for _, id := range p.WaitingForIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged.WaitingForIDs = append(merged.WaitingForIDs, id)
		}
		if p.TryAgain {
			if !merged.TryAgain || p.TryAgainAfter < merged.TryAgainAfter {
				merged.TryAgainAfter = p.TryAgainAfter
			}
			merged.TryAgain = true
		}
		if p.Reason != "" && !slices.Contains(reasons, p.Reason) {
			reasons = append(reasons, p.Reason)
		}
		if first {
			merged.AsyncRequestID = p.AsyncRequestID
			first = false
		} else {
			merged.AsyncRequestID = ""
		}
	}
	merged.Reason = strings.Join(reasons, "; ")
	return merged
}

// ActivityFailedError is a business or technical failure local to one activity.
type ActivityFailedError struct {
	Category         FailCategory `json:"category"`
	TechnicalMessage string       `json:"technical_message"`
	FriendlyMessage  string       `json:"friendly_message,omitempty"`
	ActivityID       string       `json:"activity_id,omitempty"`
	Cause            error        `json:"-"`
}

func (e *ActivityFailedError) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("activity %s failed (%s): %s", e.ActivityID, e.Category, e.TechnicalMessage)
	}
	return fmt.Sprintf("activity failed (%s): %s", e.Category, e.TechnicalMessage)
}

func (e *ActivityFailedError) Unwrap() error {
	return e.Cause
}

// ActivityFailed creates an ActivityFailedError.
func ActivityFailed(category FailCategory, technical, friendly string) *ActivityFailedError {
	return &ActivityFailedError{Category: category, TechnicalMessage: technical, FriendlyMessage: friendly}
}

// AsActivityFailed extracts an ActivityFailedError from err.
func AsActivityFailed(err error) (*ActivityFailedError, bool) {
	var f *ActivityFailedError
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// WorkflowFailedError is a fatal failure of the whole workflow instance.
type WorkflowFailedError struct {
	Category         FailCategory `json:"category"`
	TechnicalMessage string       `json:"technical_message"`
	FriendlyMessage  string       `json:"friendly_message,omitempty"`
	Cause            error        `json:"-"`
}

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow failed (%s): %s", e.Category, e.TechnicalMessage)
}

func (e *WorkflowFailedError) Unwrap() error {
	return e.Cause
}

// WorkflowFailed wraps an activity failure as a fatal workflow failure.
func WorkflowFailed(cause *ActivityFailedError) *WorkflowFailedError {
	return &WorkflowFailedError{
		Category:         cause.Category,
		TechnicalMessage: cause.TechnicalMessage,
		FriendlyMessage:  cause.FriendlyMessage,
		Cause:            cause,
	}
}

// AsWorkflowFailed extracts a WorkflowFailedError from err.
func AsWorkflowFailed(err error) (*WorkflowFailedError, bool) {
	var f *WorkflowFailedError
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
