package reverie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAvailability(t testing.TB) (*ModelAvailability, *time.Time) {
	t.Helper()
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := newModelAvailability(DefaultModelRetryDelay, testLogger(t))
	tracker.now = func() time.Time { return current }
	return tracker, &current
}

func TestModelAvailability_SuspendAndLazyReset(t *testing.T) {
	tracker, clock := newTestAvailability(t)

	assert.True(t, tracker.Usable("model-a"), "unknown models start usable")

	tracker.MarkSuspended("model-a", 30*time.Second)
	assert.False(t, tracker.Usable("model-a"))

	*clock = clock.Add(29 * time.Second)
	assert.False(t, tracker.Usable("model-a"))

	// the window elapses; the suspension clears on the next check
	*clock = clock.Add(2 * time.Second)
	assert.True(t, tracker.Usable("model-a"))
	assert.True(t, tracker.Usable("model-a"))

	_, suspended := tracker.NextRetryIn()
	assert.False(t, suspended)
}

func TestModelAvailability_DefaultDelay(t *testing.T) {
	tracker, clock := newTestAvailability(t)

	// non-positive delay falls back to the configured default
	tracker.MarkSuspended("model-a", 0)
	assert.False(t, tracker.Usable("model-a"))

	*clock = clock.Add(DefaultModelRetryDelay - time.Second)
	assert.False(t, tracker.Usable("model-a"))

	*clock = clock.Add(2 * time.Second)
	assert.True(t, tracker.Usable("model-a"))
}

func TestModelAvailability_Resuspension(t *testing.T) {
	tracker, clock := newTestAvailability(t)

	tracker.MarkSuspended("model-a", 10*time.Second)
	*clock = clock.Add(11 * time.Second)
	require.True(t, tracker.Usable("model-a"))

	tracker.MarkSuspended("model-a", 10*time.Second)
	assert.False(t, tracker.Usable("model-a"))
}

func TestModelAvailability_ListUsablePreservesOrder(t *testing.T) {
	tracker, _ := newTestAvailability(t)
	candidates := []string{"primary", "fallback-1", "fallback-2"}

	assert.Equal(t, candidates, tracker.ListUsable(candidates))

	tracker.MarkSuspended("fallback-1", time.Minute)
	assert.Equal(
		t,
		[]string{"primary", "fallback-2"},
		tracker.ListUsable(candidates),
	)

	tracker.MarkSuspended("primary", time.Minute)
	tracker.MarkSuspended("fallback-2", time.Minute)
	assert.Empty(t, tracker.ListUsable(candidates))
}

func TestModelAvailability_NextRetryIn(t *testing.T) {
	tracker, clock := newTestAvailability(t)

	wait, suspended := tracker.NextRetryIn()
	assert.False(t, suspended)
	assert.Zero(t, wait)

	tracker.MarkSuspended("model-a", 45*time.Second)
	tracker.MarkSuspended("model-b", 10*time.Second)
	tracker.MarkSuspended("model-c", 90*time.Second)

	wait, suspended = tracker.NextRetryIn()
	require.True(t, suspended)
	assert.Equal(t, 10*time.Second, wait)

	// an already-elapsed window reports zero, not negative
	*clock = clock.Add(20 * time.Second)
	wait, suspended = tracker.NextRetryIn()
	require.True(t, suspended)
	assert.Zero(t, wait)
}
