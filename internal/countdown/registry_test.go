package countdown

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/internal/session"
	"github.com/drydock-sh/drydock/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return New(log.New(io.Discard), WithClock(clock.Now), WithManualChecks())
}

func TestStartActivatesPeriod(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	period, err := registry.Start(5.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)
	assert.Equal(t, state.PeriodActive, period.Status)
	assert.Equal(t, clock.Now().Add(5*time.Hour), period.EndTime)

	_, err = registry.Start(0, "sess_a", "evt_a", nil)
	require.Error(t, err)

	fetched, ok := registry.Get(period.ID)
	require.True(t, ok)
	assert.Equal(t, period.ID, fetched.ID)
}

func TestCheckAllIdempotentCompletion(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	fires := 0
	period, err := registry.Start(1.0, "sess_a", "evt_a", func(*session.WaitingPeriod) { fires++ })
	require.NoError(t, err)

	assert.Empty(t, registry.CheckAll(), "not yet expired")

	clock.Advance(time.Hour)
	completed := registry.CheckAll()
	require.Equal(t, []string{period.ID}, completed)
	assert.Equal(t, 1, fires)

	// Second check after completion: no-op, callback not re-fired.
	assert.Empty(t, registry.CheckAll())
	assert.Equal(t, 1, fires)
	assert.Equal(t, state.PeriodCompleted, period.Status)
}

func TestCancelSkipsCallback(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	fires := 0
	period, err := registry.Start(1.0, "sess_a", "evt_a", func(*session.WaitingPeriod) { fires++ })
	require.NoError(t, err)

	require.NoError(t, registry.Cancel(period.ID))
	assert.Equal(t, state.PeriodCancelled, period.Status)

	clock.Advance(2 * time.Hour)
	assert.Empty(t, registry.CheckAll())
	assert.Zero(t, fires)

	assert.ErrorIs(t, registry.Cancel("wait_nope"), ErrPeriodNotFound)
}

func TestFastForwardCompletesWithoutSleeping(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	period, err := registry.Start(5.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)

	require.NoError(t, registry.FastForward(period.ID, 5*time.Hour))
	completed := registry.CheckAll()
	assert.Equal(t, []string{period.ID}, completed)

	assert.ErrorIs(t, registry.FastForward("wait_nope", time.Hour), ErrPeriodNotFound)
}

func TestDriftCorrectionForwardJumpShortens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := New(
		log.New(io.Discard),
		WithClock(clock.Now),
		WithManualChecks(),
		WithCheckFrequency(time.Minute),
		WithDriftTolerance(30*time.Second),
	)

	period, err := registry.Start(5.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)
	originalEnd := period.EndTime

	registry.CheckAll() // establishes lastCheck

	// System slept two hours: observed elapsed far exceeds the expected
	// one-minute interval.
	clock.Advance(2 * time.Hour)
	registry.CheckAll()

	drifts := registry.DriftEvents()
	require.Len(t, drifts, 1)
	assert.Equal(t, 2*time.Hour-time.Minute, drifts[0].Drift)
	assert.Equal(t, 1, drifts[0].Adjusted)
	assert.True(t, period.EndTime.Before(originalEnd), "forward jump must shorten the window")
}

func TestDriftWithinToleranceIgnored(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := New(
		log.New(io.Discard),
		WithClock(clock.Now),
		WithManualChecks(),
		WithCheckFrequency(time.Minute),
		WithDriftTolerance(30*time.Second),
	)

	_, err := registry.Start(5.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)

	registry.CheckAll()
	clock.Advance(time.Minute + 10*time.Second) // 10s late: inside tolerance
	registry.CheckAll()

	assert.Empty(t, registry.DriftEvents())
}

func TestAdoptRestoredPeriod(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	period, err := session.NewWaitingPeriod("sess_a", "evt_a", 2.0, clock.Now())
	require.NoError(t, err)
	require.NoError(t, period.Activate(clock.Now()))

	fires := 0
	require.NoError(t, registry.Adopt(period, func(*session.WaitingPeriod) { fires++ }))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{period.ID}, registry.CheckAll())
	assert.Equal(t, 1, fires)

	// Only active periods are adoptable.
	stale, err := session.NewWaitingPeriod("sess_b", "evt_b", 1.0, clock.Now())
	require.NoError(t, err)
	require.Error(t, registry.Adopt(stale, nil))
	require.Error(t, registry.Adopt(nil, nil))
}

func TestNotificationSchedule(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	period, err := registry.Start(4.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)

	schedule, err := registry.NotificationSchedule(period.ID)
	require.NoError(t, err)
	require.Len(t, schedule, 3)
	assert.Equal(t, period.EndTime.Add(-2*time.Hour), schedule[0])
	assert.Equal(t, period.EndTime.Add(-time.Hour), schedule[1])
	assert.Equal(t, period.EndTime.Add(-24*time.Minute), schedule[2])

	_, err = registry.NotificationSchedule("wait_nope")
	assert.ErrorIs(t, err, ErrPeriodNotFound)
}

func TestCompletedHistoryAndStats(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	_, err := registry.Start(1.0, "sess_a", "evt_a", nil)
	require.NoError(t, err)
	_, err = registry.Start(3.0, "sess_b", "evt_b", nil)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	changes := registry.ForceCheck()
	assert.Len(t, changes, 2)
	for _, change := range changes {
		assert.Equal(t, "active->completed", change)
	}

	stats := registry.Stats()
	assert.Zero(t, stats.ActivePeriods)
	assert.Equal(t, 2, stats.CompletedPeriods)
	assert.Equal(t, 2*time.Hour, stats.AverageCompletedDuration)
	assert.False(t, stats.Monitoring)

	assert.Len(t, registry.Completed(10), 2)
	assert.Len(t, registry.Completed(1), 1)
}

func TestBackgroundLoopSelfTerminates(t *testing.T) {
	t.Parallel()
	registry := New(log.New(io.Discard), WithCheckFrequency(10*time.Millisecond))

	done := make(chan struct{})
	period, err := registry.Start(0.001, "sess_a", "evt_a", func(*session.WaitingPeriod) { close(done) })
	require.NoError(t, err)
	assert.True(t, registry.Stats().Monitoring)

	require.NoError(t, registry.FastForward(period.ID, time.Hour))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never completed the period")
	}

	assert.Eventually(t, func() bool { return !registry.Stats().Monitoring },
		2*time.Second, 10*time.Millisecond, "loop must self-terminate once the active set empties")

	// A later start relaunches the loop.
	_, err = registry.Start(1.0, "sess_a", "evt_b", nil)
	require.NoError(t, err)
	assert.True(t, registry.Stats().Monitoring)
	registry.Shutdown()
}
