// Package orchestrator ties the detection, countdown, supervision, queue,
// and persistence components into the restart state machine: it polls
// session output for usage-limit signals, parks limited sessions in timed
// cooldowns, restarts crashed or cooled-down processes, and replays queued
// follow-up tasks after each successful restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drydock-sh/drydock/internal/config"
	"github.com/drydock-sh/drydock/internal/countdown"
	"github.com/drydock-sh/drydock/internal/events"
	"github.com/drydock-sh/drydock/internal/pattern"
	"github.com/drydock-sh/drydock/internal/persist"
	"github.com/drydock-sh/drydock/internal/session"
	"github.com/drydock-sh/drydock/internal/state"
	"github.com/drydock-sh/drydock/internal/supervisor"
	"github.com/drydock-sh/drydock/internal/taskqueue"
)

const (
	// DefaultDispatchPacing is the delay between queued-task input writes.
	DefaultDispatchPacing = 200 * time.Millisecond

	recentLogCap      = 200
	detectionScanSpan = 100
)

// ErrUnknownSession is returned for operations on session ids the
// orchestrator does not track.
var ErrUnknownSession = errors.New("session not found")

// InputSender writes one payload line to a session's stdin.
type InputSender func(sessionID, text string) error

// SystemStatus is the plain snapshot exposed to callers for rendering.
type SystemStatus struct {
	State           string        `json:"state"`
	ActiveSessions  int           `json:"active_sessions"`
	WaitingSessions int           `json:"waiting_sessions"`
	WaitingPeriods  int           `json:"waiting_periods"`
	TotalDetections int           `json:"total_detections"`
	TotalRestarts   int           `json:"total_restarts"`
	TotalCrashes    int           `json:"total_crashes"`
	QueuedTasks     int           `json:"queued_tasks"`
	Uptime          time.Duration `json:"uptime"`
	LastActivity    time.Time     `json:"last_activity"`
	LastError       string        `json:"last_error,omitempty"`
}

// Orchestrator is the restart state machine. Safe for concurrent use: one
// mutex guards session records; the supervisor, registry, engine, queue,
// and store carry their own locks and never call back while holding ours.
type Orchestrator struct {
	mu         sync.Mutex
	cfg        *config.Config
	logger     *log.Logger
	tracer     trace.Tracer
	machine    *state.Machine
	registry   *countdown.Registry
	sup        *supervisor.Supervisor
	store      *persist.Store
	queue      *taskqueue.Manager
	bus        *events.InMemoryBus
	ownsBus    bool
	sendInput  InputSender
	pacing     time.Duration
	manualTick bool
	supOptions []supervisor.Option

	status     string
	sessions   map[string]*session.Session
	monitors   map[string]*session.TaskMonitor
	// engines is per session: each session's detection context and
	// streaming state must never see another session's output.
	engines    map[string]*pattern.Engine
	pending    map[string]*session.DetectionEvent
	detections []*session.DetectionEvent
	stats      persist.Statistics
	lastError  string

	// recentLogs has its own lock so logging from locked paths cannot
	// deadlock against o.mu.
	logMu      sync.Mutex
	recentLogs []string

	loopRunning bool
	loopStop    chan struct{}
	startedAt   time.Time
	now         func() time.Time
}

// Option configures Orchestrator construction.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBus injects a shared event bus; the orchestrator will not close it.
func WithBus(bus *events.InMemoryBus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
			o.ownsBus = false
		}
	}
}

// WithDispatchPacing overrides the delay between queued-task input writes.
func WithDispatchPacing(pacing time.Duration) Option {
	return func(o *Orchestrator) {
		if pacing >= 0 {
			o.pacing = pacing
		}
	}
}

// WithInputSender overrides how task payloads reach the child's stdin.
func WithInputSender(sender InputSender) Option {
	return func(o *Orchestrator) {
		if sender != nil {
			o.sendInput = sender
		}
	}
}

// WithManualTicks disables the background control loop; callers drive Tick.
func WithManualTicks() Option {
	return func(o *Orchestrator) { o.manualTick = true }
}

// WithSupervisorOptions forwards options to the embedded supervisor.
func WithSupervisorOptions(options ...supervisor.Option) Option {
	return func(o *Orchestrator) {
		o.supOptions = append(o.supOptions, options...)
	}
}

// New wires the orchestration core from configuration, restoring any
// persisted state: sessions, still-active waiting periods, the detection
// history, statistics, and the task queue. Waiting periods that expired
// while the process was down complete on the first control-loop tick,
// restarting their sessions.
func New(cfg *config.Config, logger *log.Logger, options ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("drydock/orchestrator"),
		status:   state.ControllerInactive,
		sessions: map[string]*session.Session{},
		monitors: map[string]*session.TaskMonitor{},
		engines:  map[string]*pattern.Engine{},
		pending:  map[string]*session.DetectionEvent{},
		pacing:   DefaultDispatchPacing,
		ownsBus:  true,
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(o)
		}
	}
	if o.bus == nil {
		o.bus = events.New(events.WithLogger(logger))
	}
	o.machine = state.NewMachine("orchestrator",
		state.WithClock(o.now),
		state.WithObserver(func(record state.TransitionRecord) {
			o.bus.Publish(events.Event{
				Type:      events.EventTypeStateTransition,
				SessionID: record.EntityID,
				Severity:  events.SeverityInfo,
				Payload: map[string]any{
					"entity_type": string(record.EntityType),
					"from":        record.FromState,
					"to":          record.ToState,
					"reason":      record.Reason,
				},
			})
		}),
	)

	// The control loop drives countdown checks at its own cadence, so the
	// registry's drift expectation must match the loop interval, not the
	// standalone check frequency.
	o.registry = countdown.New(logger,
		countdown.WithClock(o.now),
		countdown.WithCheckFrequency(cfg.Monitoring.CheckInterval),
		countdown.WithDriftTolerance(cfg.Timing.DriftTolerance),
		countdown.WithManualChecks(),
	)

	supOptions := append([]supervisor.Option{
		supervisor.WithClock(o.now),
		supervisor.WithBufferLines(cfg.Monitoring.BufferLines),
		supervisor.WithStartGrace(cfg.Monitoring.StartGrace),
		supervisor.WithSimulation(cfg.Security.AllowSimulation),
	}, o.supOptions...)
	o.sup = supervisor.New(logger, supOptions...)
	o.sup.OnCrash(o.handleCrash)

	store, err := persist.New(cfg.Persistence.StateDir, logger,
		persist.WithClock(o.now),
		persist.WithBackupCount(cfg.Persistence.BackupCount),
		persist.WithAutoSaveInterval(cfg.Persistence.AutoSaveInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator state store: %w", err)
	}
	o.store = store
	o.queue = taskqueue.New(taskqueue.WithClock(o.now))

	if o.sendInput == nil {
		o.sendInput = o.sup.SendInput
	}
	o.startedAt = o.now()
	o.stats.StartedAt = o.startedAt.UTC()

	if err := o.restore(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) restore() error {
	loaded, err := o.store.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("restore state: %w", err)
	}

	o.mu.Lock()
	if loaded.Sessions != nil {
		o.sessions = loaded.Sessions
	}
	for id := range o.sessions {
		o.monitors[id] = session.NewTaskMonitor(id, pattern.IsSystemMessage)
		o.engines[id] = o.newEngineLocked()
	}
	o.detections = loaded.DetectionEvents
	o.queue.Replace(loaded.TaskQueue)
	if !loaded.Statistics.StartedAt.IsZero() {
		o.stats = loaded.Statistics
	}
	sessionCount := len(o.sessions)
	o.mu.Unlock()

	adopted := 0
	for _, period := range loaded.WaitingPeriods {
		if !period.IsActive() {
			continue
		}
		sessionID := period.SessionID
		if err := o.registry.Adopt(period, func(p *session.WaitingPeriod) {
			o.restartSession(context.Background(), sessionID, "cooldown completed")
		}); err != nil {
			o.logger.Warn("cannot adopt persisted waiting period", "period_id", period.ID, "error", err)
			continue
		}
		adopted++
	}
	if sessionCount > 0 {
		// Restored sessions are live work: resume monitoring immediately so
		// an adopted period that expired while the process was down
		// completes on the first tick.
		ctx := context.Background()
		o.mu.Lock()
		o.activateControllerLocked(ctx)
		o.syncControllerLocked(ctx)
		o.ensureLoopLocked()
		o.mu.Unlock()
		o.logLine("restored %d session(s), %d waiting period(s)", sessionCount, adopted)
	}
	return nil
}

// newEngineLocked builds a detection engine from the current configuration.
// One engine exists per session.
func (o *Orchestrator) newEngineLocked() *pattern.Engine {
	return pattern.New(pattern.Config{
		Patterns:            o.cfg.Detection.Patterns,
		FastPhrases:         o.cfg.Detection.FastPhrases,
		ConfidenceThreshold: o.cfg.Detection.ConfidenceThreshold,
		CaseSensitive:       o.cfg.Detection.CaseSensitive,
		ContextLines:        o.cfg.Detection.ContextLines,
	}, o.logger, pattern.WithClock(o.now))
}

// StartMonitoring creates a session for the command, launches its process,
// and ensures the control loop is running.
func (o *Orchestrator) StartMonitoring(ctx context.Context, command, workDir string, env map[string]string) (*session.Session, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_monitoring")
	defer span.End()

	sess, err := session.NewSession(command, workDir, nil, o.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	result, err := o.sup.Launch(ctx, command, sess.ID, workDir, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start monitoring: %w", err)
	}

	o.mu.Lock()
	o.activateControllerLocked(ctx)
	_ = o.machine.Transition(ctx, state.EntitySession, sess.ID, sess.Status, state.SessionActive, "monitoring started")
	if err := sess.SetStatus(state.SessionActive); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	sess.PID = result.PID
	sess.Simulated = result.Simulated
	o.sessions[sess.ID] = sess
	o.monitors[sess.ID] = session.NewTaskMonitor(sess.ID, pattern.IsSystemMessage)
	o.engines[sess.ID] = o.newEngineLocked()
	o.ensureLoopLocked()
	snapshot := *sess
	o.saveStateLocked()
	o.mu.Unlock()

	o.logLine("session %s started (pid %d, simulated=%t)", sess.ID, result.PID, result.Simulated)
	return &snapshot, nil
}

// StopMonitoring cancels any bound waiting period, stops the process, and
// removes the session. Stopping the last session stops the control loop.
func (o *Orchestrator) StopMonitoring(ctx context.Context, sessionID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stop_monitoring")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("stop monitoring %s: %w", sessionID, ErrUnknownSession)
	}
	periodID := sess.CurrentPeriodID
	o.mu.Unlock()

	if periodID != "" {
		if err := o.registry.Cancel(periodID); err != nil && !errors.Is(err, countdown.ErrPeriodNotFound) {
			o.logger.Warn("cancel waiting period on stop", "period_id", periodID, "error", err)
		}
	}
	if err := o.sup.Stop(ctx, sessionID, false, o.cfg.Monitoring.StopTimeout); err != nil && !errors.Is(err, supervisor.ErrSessionNotFound) {
		o.logger.Warn("stop process", "session_id", sessionID, "error", err)
	}
	o.sup.Remove(sessionID)

	o.mu.Lock()
	_ = o.machine.Transition(ctx, state.EntitySession, sess.ID, sess.Status, state.SessionStopped, "monitoring stopped")
	sess.DetachPeriod()
	if err := sess.SetStatus(state.SessionStopped); err != nil {
		o.logger.Warn("session stop transition", "session_id", sessionID, "error", err)
	}
	delete(o.sessions, sessionID)
	delete(o.monitors, sessionID)
	delete(o.engines, sessionID)
	delete(o.pending, sessionID)
	empty := len(o.sessions) == 0
	if empty {
		o.stopLoopLocked()
		o.deactivateControllerLocked(ctx)
	} else {
		o.syncControllerLocked(ctx)
	}
	o.saveStateLocked()
	o.mu.Unlock()

	o.logLine("session %s stopped", sessionID)
	return nil
}

// Shutdown stops every session, the control loop, and the countdown
// registry, then writes a final state snapshot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := o.StopMonitoring(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.registry.Shutdown()

	o.mu.Lock()
	o.stopLoopLocked()
	o.saveStateLocked()
	o.mu.Unlock()

	if o.ownsBus {
		o.bus.Close()
	}
	return firstErr
}

// GetSession returns a snapshot of one session.
func (o *Orchestrator) GetSession(sessionID string) (session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return session.Session{}, fmt.Errorf("get session %s: %w", sessionID, ErrUnknownSession)
	}
	return *sess, nil
}

// Sessions returns snapshots of all tracked sessions.
func (o *Orchestrator) Sessions() []session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]session.Session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		out = append(out, *sess)
	}
	return out
}

// SystemStatus returns the status snapshot for rendering by the caller.
func (o *Orchestrator) SystemStatus() SystemStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := SystemStatus{
		State:           o.status,
		TotalDetections: o.stats.TotalDetections,
		TotalRestarts:   o.stats.TotalRestarts,
		TotalCrashes:    o.stats.TotalCrashes,
		QueuedTasks:     o.queue.Len(),
		Uptime:          o.now().Sub(o.startedAt),
		LastError:       o.lastError,
	}
	for _, sess := range o.sessions {
		switch sess.Status {
		case state.SessionActive:
			status.ActiveSessions++
		case state.SessionWaiting:
			status.WaitingSessions++
		}
		if sess.LastActivity.After(status.LastActivity) {
			status.LastActivity = sess.LastActivity
		}
	}
	status.WaitingPeriods = len(o.registry.Active())
	return status
}

// PrimaryPeriod exposes one waiting period for simple status queries: the
// first active one, falling back to the most recently completed.
func (o *Orchestrator) PrimaryPeriod() *session.WaitingPeriod {
	if active := o.registry.Active(); len(active) > 0 {
		return active[0]
	}
	if completed := o.registry.Completed(1); len(completed) > 0 {
		return completed[0]
	}
	return nil
}

// Bus exposes the event bus for subscribers.
func (o *Orchestrator) Bus() events.Bus {
	return o.bus
}

// Registry exposes the countdown registry, e.g. for fast-forward in tests
// and diagnostics tooling.
func (o *Orchestrator) Registry() *countdown.Registry {
	return o.registry
}

// Supervisor exposes the process supervisor for input injection and
// output inspection.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.sup
}

// DetectionHistory returns the capped detection history, newest last.
func (o *Orchestrator) DetectionHistory() []*session.DetectionEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*session.DetectionEvent, len(o.detections))
	copy(out, o.detections)
	return out
}

// QueueAdd enqueues a follow-up task for replay after the next restart.
// Queue mutations persist immediately: the caller may be a short-lived CLI
// invocation that exits before any auto-save runs.
func (o *Orchestrator) QueueAdd(description, persona, guideline, notes string, postCommands []string) (*session.QueuedTask, error) {
	task, err := o.queue.Add(description, persona, guideline, notes, postCommands)
	if err != nil {
		return nil, err
	}
	if err := o.SaveNow(); err != nil {
		o.logger.Warn("persist queued task", "task_id", task.ID, "error", err)
	}
	o.logLine("task %s queued: %s", task.ID, task.Description)
	return task, nil
}

// QueueList returns the pending tasks in FIFO order.
func (o *Orchestrator) QueueList() []*session.QueuedTask {
	return o.queue.List()
}

// QueueRemove removes tasks by 1-based position.
func (o *Orchestrator) QueueRemove(indices []int) ([]*session.QueuedTask, error) {
	removed, err := o.queue.RemoveIndices(indices)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		if err := o.SaveNow(); err != nil {
			o.logger.Warn("persist queue removal", "error", err)
		}
	}
	return removed, nil
}

// QueueClear drops all pending tasks.
func (o *Orchestrator) QueueClear() int {
	count := o.queue.Clear()
	if count > 0 {
		if err := o.SaveNow(); err != nil {
			o.logger.Warn("persist queue clear", "error", err)
		}
	}
	return count
}

// ReloadConfig re-reads the configuration overlay and applies the hot-
// swappable parts.
func (o *Orchestrator) ReloadConfig(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	o.ApplyConfig(cfg)
	return nil
}

// ApplyConfig swaps in a validated configuration snapshot. Detection
// settings hot-swap by rebuilding every session's engine; timing changes
// apply to periods opened afterwards.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	o.mu.Lock()
	o.cfg = cfg
	for id := range o.engines {
		o.engines[id] = o.newEngineLocked()
	}
	rebuilt := len(o.engines)
	o.mu.Unlock()

	patterns := len(cfg.Detection.Patterns)
	if patterns == 0 {
		patterns = len(pattern.DefaultPatterns())
	}
	o.logLine("config reloaded: %d detection pattern(s) configured, %d engine(s) rebuilt", patterns, rebuilt)
}

// RestartNow stops and relaunches a session immediately, outside any
// cooldown.
func (o *Orchestrator) RestartNow(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	_, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("restart %s: %w", sessionID, ErrUnknownSession)
	}
	return o.restartSession(ctx, sessionID, "manual restart")
}

// RecentLogs returns up to n newest entries from the orchestrator's
// recent-activity ring, oldest first.
func (o *Orchestrator) RecentLogs(n int) []string {
	o.logMu.Lock()
	defer o.logMu.Unlock()
	if n <= 0 || n > len(o.recentLogs) {
		n = len(o.recentLogs)
	}
	out := make([]string, n)
	copy(out, o.recentLogs[len(o.recentLogs)-n:])
	return out
}

// SaveNow writes the current state snapshot immediately.
func (o *Orchestrator) SaveNow() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveStateLocked()
}

// Tick runs one control-loop iteration: the detection pass first, then
// waiting-period completion, then task-monitor updates, then auto-save.
// Detection results for a session are always processed before that
// session's period completion, so a just-detected limit cannot complete in
// the same tick.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.detectionPass(ctx)
	o.registry.CheckAll()
	o.taskCompletionPass()
	if o.store.NeedsSave() {
		_ = o.SaveNow()
	}
}

func (o *Orchestrator) detectionPass(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, sess := range o.sessions {
		if sess.Status != state.SessionActive && sess.Status != state.SessionWaiting {
			continue
		}

		// A deferred detection opens its cooldown once the task monitor
		// reports the in-flight work finished.
		if deferred, ok := o.pending[id]; ok && sess.Status == state.SessionActive {
			if monitor := o.monitors[id]; monitor == nil || !monitor.InProgress(o.now()) {
				delete(o.pending, id)
				o.openCooldownLocked(ctx, sess, deferred)
			}
			continue
		}

		lines, err := o.sup.Recent(id, detectionScanSpan)
		if err != nil || len(lines) == 0 {
			continue
		}
		engine := o.engines[id]
		if engine == nil {
			engine = o.newEngineLocked()
			o.engines[id] = engine
		}
		event := engine.Detect(strings.Join(lines, "\n"))
		if event == nil {
			continue
		}
		event.SessionID = id
		sess.DetectionCount++
		sess.Touch(o.now())
		o.stats.TotalDetections++
		o.recordDetectionLocked(event)
		o.bus.Publish(events.Event{
			Type:      events.EventTypeLimitDetected,
			SessionID: id,
			Severity:  events.SeverityWarn,
			Payload:   map[string]any{"confidence": event.Confidence, "pattern": event.Pattern},
		})

		// Any detection the engine returns opens a cooldown: the engine's
		// confidence threshold is the only gate. Moderate-confidence
		// phrasings like "please try again later" park the session too.
		switch {
		case sess.Status == state.SessionWaiting:
			// Duplicate signal while already cooling down: count it, drop
			// the text so it cannot re-match, keep the existing period.
			event.MarkProcessed("duplicate_ignored")
			o.logLine("session %s: duplicate limit signal ignored", id)
			o.clearSessionOutputLocked(id)
		case o.monitors[id] != nil && o.monitors[id].InProgress(o.now()):
			o.pending[id] = event
			o.logLine("session %s: limit hit deferred, task in progress", id)
			o.clearSessionOutputLocked(id)
		default:
			o.openCooldownLocked(ctx, sess, event)
		}
	}
}

func (o *Orchestrator) openCooldownLocked(ctx context.Context, sess *session.Session, event *session.DetectionEvent) {
	durationHours := o.cfg.Timing.DefaultCooldownHours
	sessionID := sess.ID
	period, err := o.registry.Start(durationHours, sessionID, event.ID, func(p *session.WaitingPeriod) {
		o.restartSession(context.Background(), sessionID, "cooldown completed")
	})
	if err != nil {
		o.enterErrorLocked(ctx, sess, fmt.Errorf("open cooldown: %w", err))
		return
	}
	if err := sess.AttachPeriod(period.ID); err != nil {
		// Programmer-error guard: should be unreachable because waiting
		// sessions are filtered out above.
		o.logger.Error("attach waiting period", "session_id", sessionID, "error", err)
		_ = o.registry.Cancel(period.ID)
		return
	}
	_ = o.machine.Transition(ctx, state.EntitySession, sessionID, sess.Status, state.SessionWaiting, "usage limit hit")
	if err := sess.SetStatus(state.SessionWaiting); err != nil {
		o.logger.Error("session waiting transition", "session_id", sessionID, "error", err)
	}
	if err := event.SetCooldownWindow(period.StartTime, period.EndTime); err != nil {
		o.logger.Warn("record cooldown window", "event_id", event.ID, "error", err)
	}
	event.MarkProcessed("cooldown_started")
	o.clearSessionOutputLocked(sessionID)
	o.syncControllerLocked(ctx)
	o.saveStateLocked()

	o.bus.Publish(events.Event{
		Type:      events.EventTypeWaitingStarted,
		SessionID: sessionID,
		Severity:  events.SeverityInfo,
		Payload: map[string]any{
			"period_id":      period.ID,
			"duration_hours": durationHours,
			"end_time":       period.EndTime,
		},
	})
	o.logLine("session %s: cooldown %s opened for %.1fh", sessionID, period.ID, durationHours)
}

func (o *Orchestrator) taskCompletionPass() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, monitor := range o.monitors {
		sess, ok := o.sessions[id]
		if !ok || sess.Status != state.SessionActive {
			continue
		}
		lines, err := o.sup.Recent(id, detectionScanSpan)
		if err != nil {
			continue
		}
		monitor.Observe(lines, o.now())
	}
}

// restartSession is the single restart path shared by cooldown completion,
// crash recovery, and manual restarts. The relaunch itself runs under the
// orchestrator lock; queue dispatch, which paces writes onto the child's
// stdin, runs outside it so status and detection work is never stalled.
func (o *Orchestrator) restartSession(ctx context.Context, sessionID, reason string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.restart")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("reason", reason),
	)

	o.mu.Lock()
	result, restartCount, err := o.relaunchLocked(ctx, sessionID, reason)
	o.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := o.dispatchQueue(sessionID); err != nil {
		o.logger.Warn("queued task dispatch incomplete", "session_id", sessionID, "error", err)
	}
	if err := o.SaveNow(); err != nil {
		o.logger.Warn("persist restart state", "session_id", sessionID, "error", err)
	}

	o.bus.Publish(events.Event{
		Type:      events.EventTypeRestartCompleted,
		SessionID: sessionID,
		Severity:  events.SeverityInfo,
		Payload:   map[string]any{"pid": result.PID, "restart_count": restartCount, "reason": reason},
	})
	o.logLine("session %s restarted (pid %d, %s)", sessionID, result.PID, reason)
	return nil
}

func (o *Orchestrator) relaunchLocked(ctx context.Context, sessionID, reason string) (supervisor.LaunchResult, int, error) {
	sess, ok := o.sessions[sessionID]
	if !ok {
		return supervisor.LaunchResult{}, 0, fmt.Errorf("restart %s: %w", sessionID, ErrUnknownSession)
	}

	o.bus.Publish(events.Event{
		Type:      events.EventTypeRestartInitiated,
		SessionID: sessionID,
		Severity:  events.SeverityInfo,
		Payload:   map[string]any{"reason": reason},
	})
	o.transitionControllerLocked(ctx, state.ControllerRestarting, reason)

	// Best effort: the old process is usually already gone.
	if err := o.sup.Stop(ctx, sessionID, false, o.cfg.Monitoring.StopTimeout); err != nil && !errors.Is(err, supervisor.ErrSessionNotFound) {
		o.logger.Warn("stop before restart", "session_id", sessionID, "error", err)
	}
	o.sup.Remove(sessionID)

	command := sess.Restart.Clone().CommandLine()
	result, err := o.sup.Launch(ctx, command, sessionID, sess.WorkDir, nil)
	if err != nil {
		o.enterErrorLocked(ctx, sess, fmt.Errorf("relaunch: %w", err))
		return supervisor.LaunchResult{}, 0, err
	}

	sess.PID = result.PID
	sess.Simulated = result.Simulated
	if sess.Status == state.SessionWaiting {
		_ = o.machine.Transition(ctx, state.EntitySession, sessionID, sess.Status, state.SessionActive, reason)
		if err := sess.SetStatus(state.SessionActive); err != nil {
			o.logger.Warn("session resume transition", "session_id", sessionID, "error", err)
		}
	}
	sess.DetachPeriod()
	sess.RestartCount++
	sess.Touch(o.now())
	o.stats.TotalRestarts++
	if monitor := o.monitors[sessionID]; monitor != nil {
		monitor.Reset()
	}
	if engine := o.engines[sessionID]; engine != nil {
		engine.Reset()
	}
	o.syncControllerLocked(ctx)
	return result, sess.RestartCount, nil
}

// dispatchQueue replays the whole pending queue. A failed send pushes the
// failed task and everything after it back to the front in order. Runs
// without the orchestrator lock; the queue carries its own.
func (o *Orchestrator) dispatchQueue(sessionID string) error {
	tasks := o.queue.PopAll()
	if len(tasks) == 0 {
		return nil
	}
	for i, task := range tasks {
		for _, payload := range task.Payloads() {
			if err := o.sendInput(sessionID, payload); err != nil {
				o.queue.Prepend(tasks[i:])
				o.bus.Publish(events.Event{
					Type:      events.EventTypeErrorOccurred,
					SessionID: sessionID,
					Severity:  events.SeverityError,
					Payload:   map[string]any{"task_id": task.ID, "error": err.Error()},
				})
				return fmt.Errorf("dispatch task %s: %w", task.ID, err)
			}
			if o.pacing > 0 {
				time.Sleep(o.pacing)
			}
		}
		o.logLine("session %s: task %s dispatched", sessionID, task.ID)
	}
	o.store.MarkDirty()
	return nil
}

// handleCrash is the supervisor crash callback: immediate restart, no
// cooldown, because a crash is not a limit event.
func (o *Orchestrator) handleCrash(event supervisor.CrashEvent) {
	o.mu.Lock()
	sess, ok := o.sessions[event.SessionID]
	if !ok || sess.Status == state.SessionStopped {
		o.mu.Unlock()
		return
	}
	o.stats.TotalCrashes++
	sess.RecordError(fmt.Errorf("process %d crashed with exit code %d", event.PID, event.ExitCode))
	o.mu.Unlock()

	o.bus.Publish(events.Event{
		Type:      events.EventTypeCrashDetected,
		SessionID: event.SessionID,
		Severity:  events.SeverityError,
		Payload:   map[string]any{"pid": event.PID, "exit_code": event.ExitCode},
	})
	o.logLine("session %s: crash detected (pid %d, exit %d)", event.SessionID, event.PID, event.ExitCode)

	if err := o.restartSession(context.Background(), event.SessionID, "crash recovery"); err != nil {
		o.logger.Error("crash restart failed", "session_id", event.SessionID, "error", err)
	}
}

func (o *Orchestrator) enterErrorLocked(ctx context.Context, sess *session.Session, err error) {
	sess.RecordError(err)
	o.lastError = err.Error()
	o.transitionControllerLocked(ctx, state.ControllerError, err.Error())
	o.bus.Publish(events.Event{
		Type:      events.EventTypeErrorOccurred,
		SessionID: sess.ID,
		Severity:  events.SeverityError,
		Payload:   map[string]any{"error": err.Error()},
	})
	o.logLine("session %s: error: %v", sess.ID, err)
}

func (o *Orchestrator) activateControllerLocked(ctx context.Context) {
	switch o.status {
	case state.ControllerInactive:
		o.transitionControllerLocked(ctx, state.ControllerStarting, "first session starting")
		o.transitionControllerLocked(ctx, state.ControllerMonitoring, "control loop running")
	case state.ControllerError:
		o.transitionControllerLocked(ctx, state.ControllerMonitoring, "recovered")
	}
}

func (o *Orchestrator) deactivateControllerLocked(ctx context.Context) {
	if o.status == state.ControllerInactive {
		return
	}
	o.transitionControllerLocked(ctx, state.ControllerStopping, "last session stopped")
	o.transitionControllerLocked(ctx, state.ControllerInactive, "shutdown complete")
}

// syncControllerLocked keeps the controller-level monitoring/waiting state
// mirroring whether any session is parked in a cooldown.
func (o *Orchestrator) syncControllerLocked(ctx context.Context) {
	if o.status != state.ControllerMonitoring && o.status != state.ControllerWaiting && o.status != state.ControllerRestarting && o.status != state.ControllerError {
		return
	}
	waiting := 0
	for _, sess := range o.sessions {
		if sess.Status == state.SessionWaiting {
			waiting++
		}
	}
	desired := state.ControllerMonitoring
	if waiting > 0 {
		desired = state.ControllerWaiting
	}
	if o.status != desired {
		o.transitionControllerLocked(ctx, desired, "session state changed")
	}
}

func (o *Orchestrator) transitionControllerLocked(ctx context.Context, to, reason string) {
	if o.status == to {
		return
	}
	if err := o.machine.Transition(ctx, state.EntityController, "controller", o.status, to, reason); err != nil {
		o.logger.Warn("controller transition rejected", "from", o.status, "to", to, "error", err)
		return
	}
	o.status = to
}

func (o *Orchestrator) clearSessionOutputLocked(sessionID string) {
	if err := o.sup.ClearOutput(sessionID); err != nil && !errors.Is(err, supervisor.ErrSessionNotFound) {
		o.logger.Warn("clear session output", "session_id", sessionID, "error", err)
	}
	if engine := o.engines[sessionID]; engine != nil {
		engine.Reset()
	}
}

func (o *Orchestrator) recordDetectionLocked(event *session.DetectionEvent) {
	o.detections = append(o.detections, event)
	if len(o.detections) > persist.DetectionHistoryCap {
		o.detections = o.detections[len(o.detections)-persist.DetectionHistoryCap:]
	}
	o.store.MarkDirty()
}

func (o *Orchestrator) saveStateLocked() error {
	periods := o.registry.Active()
	snapshot := persist.State{
		Sessions:        map[string]*session.Session{},
		WaitingPeriods:  periods,
		DetectionEvents: append([]*session.DetectionEvent(nil), o.detections...),
		TaskQueue:       o.queue.List(),
		Statistics:      o.stats,
	}
	for id, sess := range o.sessions {
		snapshot.Sessions[id] = sess
	}
	if err := o.store.Save(snapshot); err != nil {
		o.logger.Error("state save failed", "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) logLine(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	line := o.now().UTC().Format(time.RFC3339) + " " + message
	o.logMu.Lock()
	o.recentLogs = append(o.recentLogs, line)
	if len(o.recentLogs) > recentLogCap {
		o.recentLogs = o.recentLogs[len(o.recentLogs)-recentLogCap:]
	}
	o.logMu.Unlock()
	o.logger.Info(message)
}

func (o *Orchestrator) ensureLoopLocked() {
	if o.manualTick || o.loopRunning {
		return
	}
	o.loopRunning = true
	o.loopStop = make(chan struct{})
	go o.loop(o.loopStop)
}

func (o *Orchestrator) stopLoopLocked() {
	if !o.loopRunning {
		return
	}
	close(o.loopStop)
	o.loopRunning = false
}

func (o *Orchestrator) loop(stop chan struct{}) {
	ticker := time.NewTicker(o.cfg.Monitoring.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.Tick(context.Background())
		}
	}
}
