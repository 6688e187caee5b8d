package orchestrator

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/internal/config"
	"github.com/drydock-sh/drydock/internal/events"
	"github.com/drydock-sh/drydock/internal/session"
	"github.com/drydock-sh/drydock/internal/state"
	"github.com/drydock-sh/drydock/internal/supervisor"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults(t.TempDir())
	cfg.Security.AllowSimulation = true
	cfg.Monitoring.StartGrace = 50 * time.Millisecond
	return &cfg
}

// newOrchestrator builds an orchestrator in simulation mode with manual
// ticks: no binary needed, no background loop, zero dispatch pacing.
func newOrchestrator(t *testing.T, cfg *config.Config, options ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithManualTicks(),
		WithDispatchPacing(0),
		WithSupervisorOptions(supervisor.WithLookPath(func(string) (string, error) {
			return "", exec.ErrNotFound
		})),
	}
	o, err := New(cfg, log.New(io.Discard), append(base, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func startSession(t *testing.T, o *Orchestrator) string {
	t.Helper()
	sess, err := o.StartMonitoring(context.Background(), "claude --continue", "", nil)
	require.NoError(t, err)
	return sess.ID
}

func TestStartMonitoringLaunchesSimulatedSession(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, newTestConfig(t))

	sess, err := o.StartMonitoring(context.Background(), "claude --continue", "", nil)
	require.NoError(t, err)

	assert.Equal(t, state.SessionActive, sess.Status)
	assert.True(t, sess.Simulated)
	assert.GreaterOrEqual(t, sess.PID, 900000)
	assert.True(t, o.Supervisor().IsRunning(sess.ID))

	status := o.SystemStatus()
	assert.Equal(t, state.ControllerMonitoring, status.State)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.NotEmpty(t, o.RecentLogs(10))
}

func TestStartMonitoringRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, newTestConfig(t))

	_, err := o.StartMonitoring(context.Background(), "   ", "", nil)
	require.Error(t, err)
	assert.Equal(t, state.ControllerInactive, o.SystemStatus().State)
}

func TestLimitDetectionOpensSingleWaitingPeriod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionWaiting, sess.Status)
	assert.Equal(t, 1, sess.DetectionCount)

	periods := o.Registry().Active()
	require.Len(t, periods, 1)
	assert.InDelta(t, 5.0, periods[0].DurationHours, 1e-9)
	assert.Equal(t, sess.CurrentPeriodID, periods[0].ID)
	assert.Equal(t, state.ControllerWaiting, o.SystemStatus().State)

	// A repeated limit signal while waiting counts the detection but never
	// opens a second period.
	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded, please wait"))
	o.Tick(ctx)

	sess, err = o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.DetectionCount)
	again := o.Registry().Active()
	require.Len(t, again, 1)
	assert.Equal(t, periods[0].ID, again[0].ID)
}

func TestFastForwardRestartsAndDispatchesQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	_, err := o.QueueAdd("resume the refactor", "", "", "", nil)
	require.NoError(t, err)
	_, err = o.QueueAdd("verify the fix", "", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)
	periods := o.Registry().Active()
	require.Len(t, periods, 1)

	require.NoError(t, o.Registry().FastForward(periods[0].ID, 5*time.Hour))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.RestartCount)
	assert.Empty(t, sess.CurrentPeriodID)
	assert.Empty(t, o.Registry().Active())
	assert.Equal(t, 1, o.SystemStatus().TotalRestarts)

	lines, err := o.Supervisor().All(id)
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	first := strings.Index(joined, "resume the refactor")
	second := strings.Index(joined, "verify the fix")
	require.GreaterOrEqual(t, first, 0, "first task reached the process input")
	require.GreaterOrEqual(t, second, 0, "second task reached the process input")
	assert.Less(t, first, second, "tasks dispatched in enqueue order")
	assert.Empty(t, o.QueueList())
}

func TestCrashRestartsImmediatelyWithoutCooldown(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().SimulateDeath(id))

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.RestartCount)
	assert.Contains(t, sess.LastError, "exit code 137")
	assert.Empty(t, o.Registry().Active(), "a crash must not open a cooldown")

	status := o.SystemStatus()
	assert.Equal(t, 1, status.TotalCrashes)
	assert.Equal(t, 1, status.TotalRestarts)
	assert.Equal(t, 0, status.TotalDetections)
}

func TestSystemTaggedLineNeverTriggersDetection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().InjectOutput(id, "[DEBUG] limit exceeded in test harness"))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status)
	assert.Equal(t, 0, sess.DetectionCount)
	assert.Empty(t, o.Registry().Active())
}

func TestQueueRequeueOnDispatchFailure(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var sent []string
	sender := func(_, text string) error {
		if text == "break the build" {
			return errors.New("pipe closed")
		}
		mu.Lock()
		sent = append(sent, text)
		mu.Unlock()
		return nil
	}
	o := newOrchestrator(t, newTestConfig(t), WithInputSender(sender))
	id := startSession(t, o)

	for _, description := range []string{"first task", "break the build", "third task"} {
		_, err := o.QueueAdd(description, "", "", "", nil)
		require.NoError(t, err)
	}

	require.NoError(t, o.RestartNow(context.Background(), id))

	remaining := o.QueueList()
	require.Len(t, remaining, 2)
	assert.Equal(t, "break the build", remaining[0].Description)
	assert.Equal(t, "third task", remaining[1].Description)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first task"}, sent, "the dispatched task is not requeued")
}

func TestStopMonitoringCancelsPeriodAndStopsProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)
	require.Len(t, o.Registry().Active(), 1)

	require.NoError(t, o.StopMonitoring(ctx, id))

	_, err := o.GetSession(id)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, o.Registry().Active(), "bound period cancelled on stop")
	assert.False(t, o.Supervisor().IsRunning(id))
	assert.Equal(t, state.ControllerInactive, o.SystemStatus().State)

	assert.ErrorIs(t, o.StopMonitoring(ctx, id), ErrUnknownSession)
}

func TestLimitHitDefersWhileTaskInProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().InjectOutput(id, "I'll refactor the parser now"))
	o.Tick(ctx)

	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status, "cooldown deferred while work in flight")
	assert.Equal(t, 1, sess.DetectionCount)
	assert.Empty(t, o.Registry().Active())

	require.NoError(t, o.Supervisor().InjectOutput(id, "Task completed successfully."))
	o.Tick(ctx) // the monitor sees the completion on this tick
	o.Tick(ctx) // the deferred detection opens its cooldown on the next

	sess, err = o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionWaiting, sess.Status)
	require.Len(t, o.Registry().Active(), 1)
	assert.Equal(t, 1, sess.DetectionCount, "the deferred hit is not recounted")
}

func TestRestartFailureEntersErrorStateAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	o.mu.Lock()
	o.sessions[id].Restart.Template = ""
	o.mu.Unlock()

	require.Error(t, o.RestartNow(ctx, id))

	status := o.SystemStatus()
	assert.Equal(t, state.ControllerError, status.State)
	assert.NotEmpty(t, status.LastError)
	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ErrorCount)
	assert.NotEmpty(t, sess.LastError)

	// A later successful restart recovers the controller.
	o.mu.Lock()
	o.sessions[id].Restart.Template = "claude --continue"
	o.mu.Unlock()
	require.NoError(t, o.RestartNow(ctx, id))
	assert.Equal(t, state.ControllerMonitoring, o.SystemStatus().State)
}

func TestRestartNowUnknownSession(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, newTestConfig(t))
	assert.ErrorIs(t, o.RestartNow(context.Background(), "sess_missing"), ErrUnknownSession)
}

func TestStateRestoredAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := newTestConfig(t)

	first := newOrchestrator(t, cfg)
	id := startSession(t, first)
	require.NoError(t, first.Supervisor().InjectOutput(id, "usage limit exceeded"))
	first.Tick(ctx)
	_, err := first.QueueAdd("follow up after restart", "", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, first.SaveNow())

	second := newOrchestrator(t, cfg)

	sess, err := second.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionWaiting, sess.Status)
	assert.Equal(t, 1, sess.DetectionCount)
	require.Len(t, second.Registry().Active(), 1)
	require.Len(t, second.QueueList(), 1)
	assert.Equal(t, "follow up after restart", second.QueueList()[0].Description)
	assert.Equal(t, 1, second.SystemStatus().TotalDetections)
	require.NotEmpty(t, second.DetectionHistory())
}

func TestPrimaryPeriodAccessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	assert.Nil(t, o.PrimaryPeriod())

	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)
	active := o.PrimaryPeriod()
	require.NotNil(t, active)
	assert.True(t, active.IsActive())

	require.NoError(t, o.Registry().FastForward(active.ID, 5*time.Hour))
	o.Tick(ctx)
	completed := o.PrimaryPeriod()
	require.NotNil(t, completed)
	assert.Equal(t, active.ID, completed.ID)
	assert.False(t, completed.IsActive())
}

func TestLifecycleEventsPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))

	var mu sync.Mutex
	seen := map[string]int{}
	o.Bus().SubscribeAll(func(event events.Event) {
		mu.Lock()
		seen[event.Type]++
		mu.Unlock()
	})

	id := startSession(t, o)
	require.NoError(t, o.Supervisor().InjectOutput(id, "usage limit exceeded"))
	o.Tick(ctx)
	periods := o.Registry().Active()
	require.Len(t, periods, 1)
	require.NoError(t, o.Registry().FastForward(periods[0].ID, 5*time.Hour))
	o.Tick(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.EventTypeLimitDetected] >= 1 &&
			seen[events.EventTypeWaitingStarted] >= 1 &&
			seen[events.EventTypeRestartInitiated] >= 1 &&
			seen[events.EventTypeRestartCompleted] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestModerateConfidenceDetectionOpensCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	// Scores above the detector threshold but below the definite limit-hit
	// bar still park the session.
	require.NoError(t, o.Supervisor().InjectOutput(id, "please try again later"))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionWaiting, sess.Status)
	assert.Equal(t, 1, sess.DetectionCount)
	require.Len(t, o.Registry().Active(), 1)
	assert.Equal(t, state.ControllerWaiting, o.SystemStatus().State)

	history := o.DetectionHistory()
	require.Len(t, history, 1)
	assert.GreaterOrEqual(t, history[0].Confidence, 0.5)
	assert.Less(t, history[0].Confidence, session.LimitHitConfidence)
}

func TestRepeatedCrashesEachTriggerRestart(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	require.NoError(t, o.Supervisor().SimulateDeath(id))
	require.NoError(t, o.Supervisor().SimulateDeath(id))

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status)
	assert.Equal(t, 2, sess.RestartCount, "a repeat crash with the same exit code still restarts")
	assert.True(t, o.Supervisor().IsRunning(id))

	status := o.SystemStatus()
	assert.Equal(t, 2, status.TotalCrashes)
	assert.Equal(t, 2, status.TotalRestarts)
}

func TestQueueMutationsPersistWithoutExplicitSave(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)

	first := newOrchestrator(t, cfg)
	_, err := first.QueueAdd("ship the release notes", "", "", "", nil)
	require.NoError(t, err)
	_, err = first.QueueAdd("close the tracking issue", "", "", "", nil)
	require.NoError(t, err)

	// A fresh process over the same state dir sees the tasks even though
	// nothing ever called SaveNow.
	second := newOrchestrator(t, cfg)
	tasks := second.QueueList()
	require.Len(t, tasks, 2)
	assert.Equal(t, "ship the release notes", tasks[0].Description)

	_, err = second.QueueRemove([]int{1})
	require.NoError(t, err)
	third := newOrchestrator(t, cfg)
	remaining := third.QueueList()
	require.Len(t, remaining, 1)
	assert.Equal(t, "close the tracking issue", remaining[0].Description)

	assert.Equal(t, 1, third.QueueClear())
	fourth := newOrchestrator(t, cfg)
	assert.Empty(t, fourth.QueueList())
}

func TestRestoreResumesMonitoringAndCompletesExpiredPeriod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := newTestConfig(t)

	var clockMu sync.Mutex
	current := time.Now()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	first := newOrchestrator(t, cfg, WithClock(clock))
	id := startSession(t, first)
	require.NoError(t, first.Supervisor().InjectOutput(id, "usage limit exceeded"))
	first.Tick(ctx)
	require.Len(t, first.Registry().Active(), 1)
	require.NoError(t, first.SaveNow())

	clockMu.Lock()
	current = current.Add(6 * time.Hour)
	clockMu.Unlock()

	// The cooldown expired while the process was down. Restore must resume
	// monitoring on its own, without waiting for a new StartMonitoring call.
	second := newOrchestrator(t, cfg, WithClock(clock))
	assert.Equal(t, state.ControllerWaiting, second.SystemStatus().State)

	second.Tick(ctx)

	sess, err := second.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.RestartCount)
	assert.Empty(t, second.Registry().Active())
	assert.True(t, second.Supervisor().IsRunning(id))
	assert.Equal(t, state.ControllerMonitoring, second.SystemStatus().State)
}

func TestDetectionStateIsolatedPerSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	quiet := startSession(t, o)
	limited := startSession(t, o)

	require.NoError(t, o.Supervisor().InjectOutput(quiet, "drafting the migration plan"))
	o.Tick(ctx)

	require.NoError(t, o.Supervisor().InjectOutput(limited, "usage limit exceeded"))
	o.Tick(ctx)

	limitedSess, err := o.GetSession(limited)
	require.NoError(t, err)
	assert.Equal(t, state.SessionWaiting, limitedSess.Status)
	assert.Equal(t, 1, limitedSess.DetectionCount)

	quietSess, err := o.GetSession(quiet)
	require.NoError(t, err)
	assert.Equal(t, state.SessionActive, quietSess.Status)
	assert.Equal(t, 0, quietSess.DetectionCount)

	history := o.DetectionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, limited, history[0].SessionID)
	for _, line := range history[0].ContextBefore {
		assert.NotContains(t, line, "drafting the migration plan", "one session's output must not leak into another's detection context")
	}
}

func TestStatusStaysResponsiveDuringQueueDispatch(t *testing.T) {
	t.Parallel()
	sent := make(chan string, 1)
	release := make(chan struct{})
	sender := func(_, text string) error {
		sent <- text
		<-release
		return nil
	}
	o := newOrchestrator(t, newTestConfig(t), WithInputSender(sender))
	id := startSession(t, o)

	_, err := o.QueueAdd("slow downstream consumer", "", "", "", nil)
	require.NoError(t, err)

	restartDone := make(chan error, 1)
	go func() { restartDone <- o.RestartNow(context.Background(), id) }()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never reached the input sender")
	}

	// Dispatch is mid-write and blocked. Status queries must not be.
	statusDone := make(chan SystemStatus, 1)
	go func() { statusDone <- o.SystemStatus() }()
	select {
	case status := <-statusDone:
		assert.Equal(t, 1, status.TotalRestarts)
	case <-time.After(2 * time.Second):
		t.Fatal("status query blocked behind queue dispatch")
	}

	close(release)
	require.NoError(t, <-restartDone)
	assert.Empty(t, o.QueueList())
}

func TestApplyConfigHotSwapsPatterns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOrchestrator(t, newTestConfig(t))
	id := startSession(t, o)

	swapped := newTestConfig(t)
	swapped.Detection.Patterns = []string{`capacity ceiling (reached|exceeded)`}
	swapped.Detection.FastPhrases = []string{"nonexistent phrase"}
	o.ApplyConfig(swapped)

	require.NoError(t, o.Supervisor().InjectOutput(id, "capacity ceiling exceeded, try again in 3 hours"))
	o.Tick(ctx)

	sess, err := o.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.DetectionCount)
}
