package schema

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePostponed(t *testing.T) {
	merged := MergePostponed(
		&PostponedError{WaitingForIDs: []string{"req-1", "req-2"}, Reason: "waiting"},
		nil,
		&PostponedError{WaitingForIDs: []string{"req-2", "sem-1"}, TryAgain: true, TryAgainAfter: 5 * time.Second, Reason: "busy"},
		&PostponedError{TryAgain: true, TryAgainAfter: time.Second, Reason: "busy"},
	)

	assert.Equal(t, []string{"req-1", "req-2", "sem-1"}, merged.WaitingForIDs)
	assert.True(t, merged.TryAgain)
	assert.Equal(t, time.Second, merged.TryAgainAfter)
	assert.Equal(t, "waiting; busy", merged.Reason)
}

func TestMergePostponed_ZeroDelayWins(t *testing.T) {
	merged := MergePostponed(Postponed("a", time.Minute), Postponed("b", 0))
	assert.True(t, merged.TryAgain)
	assert.Zero(t, merged.TryAgainAfter)
}

func TestMergePostponed_AsyncRequestOnlyFromSingleSignal(t *testing.T) {
	single := MergePostponed(&PostponedError{AsyncRequestID: "req-1", WaitingForIDs: []string{"req-1"}})
	assert.Equal(t, "req-1", single.AsyncRequestID)

	many := MergePostponed(
		&PostponedError{AsyncRequestID: "req-1"},
		&PostponedError{AsyncRequestID: "req-2"},
	)
	assert.Empty(t, many.AsyncRequestID)
	assert.False(t, many.TryAgain)
}

func TestPostponedError_Message(t *testing.T) {
	assert.Equal(t, "postponed", (&PostponedError{}).Error())
	assert.Equal(t,
		"postponed: semaphore busy (waiting for sem-1) (try again after 2s)",
		(&PostponedError{Reason: "semaphore busy", WaitingForIDs: []string{"sem-1"}, TryAgain: true, TryAgainAfter: 2 * time.Second}).Error())
}

func TestSignals_SurviveWrapping(t *testing.T) {
	p, ok := AsPostponed(fmt.Errorf("branch 2: %w", Postponed("later", time.Second)))
	require.True(t, ok)
	assert.Equal(t, "later", p.Reason)

	cause := ActivityFailed(FailCategoryBusiness, "card declined", "Your card was declined.")
	cause.ActivityID = "ai-7"
	wf := WorkflowFailed(cause)
	wrapped := fmt.Errorf("reentry: %w", wf)

	got, ok := AsWorkflowFailed(wrapped)
	require.True(t, ok)
	assert.Equal(t, FailCategoryBusiness, got.Category)
	assert.Equal(t, "Your card was declined.", got.FriendlyMessage)

	// A workflow failure carries its activity failure, so check it first.
	af, ok := AsActivityFailed(wrapped)
	require.True(t, ok)
	assert.Equal(t, "ai-7", af.ActivityID)

	_, ok = AsPostponed(wrapped)
	assert.False(t, ok)
}

func TestActivityFailedError(t *testing.T) {
	root := errors.New("connection reset")
	f := ActivityFailed(FailCategoryTechnical, "upstream down", "")
	f.Cause = root

	assert.Equal(t, "activity failed (TechnicalError): upstream down", f.Error())
	f.ActivityID = "ai-1"
	assert.Equal(t, "activity ai-1 failed (TechnicalError): upstream down", f.Error())
	assert.ErrorIs(t, f, root)
}
