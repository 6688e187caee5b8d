// Package countdown manages waiting periods: timed cooldowns with
// completion callbacks, clock-drift correction, and a self-terminating
// background check loop that runs only while at least one period is active.
package countdown

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/drydock-sh/drydock/internal/session"
)

const (
	// DefaultCheckFrequency is the background poll interval.
	DefaultCheckFrequency = 60 * time.Second
	// DefaultDriftTolerance is the largest clock jump absorbed silently.
	DefaultDriftTolerance = 30 * time.Second

	completedHistoryCap = 50
)

// ErrPeriodNotFound is returned when a period id is unknown.
var ErrPeriodNotFound = errors.New("waiting period not found")

// CompletionCallback fires exactly once when a period completes.
type CompletionCallback func(period *session.WaitingPeriod)

// DriftEvent records one detected clock jump and the applied correction.
type DriftEvent struct {
	DetectedAt time.Time
	Drift      time.Duration
	Adjusted   int
}

// Stats is a point-in-time snapshot of registry counters.
type Stats struct {
	ActivePeriods            int
	CompletedPeriods         int
	DriftEvents              int
	Monitoring               bool
	AverageCompletedDuration time.Duration
	LastCheck                time.Time
}

// Registry owns all waiting periods. Safe for concurrent use.
type Registry struct {
	mu             sync.Mutex
	active         map[string]*session.WaitingPeriod
	callbacks      map[string]CompletionCallback
	completed      []*session.WaitingPeriod
	driftEvents    []DriftEvent
	checkFrequency time.Duration
	driftTolerance time.Duration
	lastCheck      time.Time
	loopRunning    bool
	loopStop       chan struct{}
	manualChecks   bool
	logger         *log.Logger
	now            func() time.Time
}

// Option configures Registry construction.
type Option func(*Registry)

// WithClock overrides the registry clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCheckFrequency overrides the background poll interval.
func WithCheckFrequency(frequency time.Duration) Option {
	return func(r *Registry) {
		if frequency > 0 {
			r.checkFrequency = frequency
		}
	}
}

// WithDriftTolerance overrides the tolerated clock jump.
func WithDriftTolerance(tolerance time.Duration) Option {
	return func(r *Registry) {
		if tolerance > 0 {
			r.driftTolerance = tolerance
		}
	}
}

// WithManualChecks disables the background loop; callers drive CheckAll.
func WithManualChecks() Option {
	return func(r *Registry) {
		r.manualChecks = true
	}
}

// New builds an empty registry.
func New(logger *log.Logger, options ...Option) *Registry {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	registry := &Registry{
		active:         map[string]*session.WaitingPeriod{},
		callbacks:      map[string]CompletionCallback{},
		checkFrequency: DefaultCheckFrequency,
		driftTolerance: DefaultDriftTolerance,
		logger:         logger,
		now:            time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry
}

// Start opens a new active waiting period and registers its completion
// callback. The background loop is started if it is not already running.
func (r *Registry) Start(durationHours float64, sessionID, eventID string, callback CompletionCallback) (*session.WaitingPeriod, error) {
	period, err := session.NewWaitingPeriod(sessionID, eventID, durationHours, r.now())
	if err != nil {
		return nil, fmt.Errorf("start waiting period: %w", err)
	}
	if err := period.Activate(r.now()); err != nil {
		return nil, fmt.Errorf("activate waiting period: %w", err)
	}

	r.mu.Lock()
	r.active[period.ID] = period
	if callback != nil {
		r.callbacks[period.ID] = callback
	}
	r.ensureLoopLocked()
	r.mu.Unlock()

	r.logger.Info("waiting period started",
		"period_id", period.ID,
		"session_id", sessionID,
		"duration_hours", durationHours,
		"end_time", period.EndTime,
	)
	return period, nil
}

// Adopt re-registers a persisted, still-active period after a reload,
// restarting the background loop.
func (r *Registry) Adopt(period *session.WaitingPeriod, callback CompletionCallback) error {
	if period == nil {
		return errors.New("period is nil")
	}
	if !period.IsActive() {
		return fmt.Errorf("cannot adopt period %s in status %q", period.ID, period.Status)
	}
	r.mu.Lock()
	r.active[period.ID] = period
	if callback != nil {
		r.callbacks[period.ID] = callback
	}
	r.ensureLoopLocked()
	r.mu.Unlock()
	r.logger.Info("waiting period adopted", "period_id", period.ID, "end_time", period.EndTime)
	return nil
}

// Get returns an active period by id.
func (r *Registry) Get(periodID string) (*session.WaitingPeriod, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	period, ok := r.active[periodID]
	return period, ok
}

// Active returns a snapshot of all active periods.
func (r *Registry) Active() []*session.WaitingPeriod {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.WaitingPeriod, 0, len(r.active))
	for _, period := range r.active {
		out = append(out, period)
	}
	return out
}

// Completed returns up to limit most recently completed periods, newest last.
func (r *Registry) Completed(limit int) []*session.WaitingPeriod {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.completed) {
		limit = len(r.completed)
	}
	out := make([]*session.WaitingPeriod, limit)
	copy(out, r.completed[len(r.completed)-limit:])
	return out
}

// CheckAll applies drift correction, completes every active period whose
// end time has passed, fires each completion callback exactly once, and
// returns the completed ids. Idempotent: already-completed periods are
// untouched by a second call.
func (r *Registry) CheckAll() []string {
	now := r.now()

	r.mu.Lock()
	r.correctDriftLocked(now)
	r.lastCheck = now

	type firing struct {
		period   *session.WaitingPeriod
		callback CompletionCallback
	}
	var fired []firing
	var completedIDs []string
	for id, period := range r.active {
		if !period.Expired(now) {
			continue
		}
		if err := period.Complete(now); err != nil {
			r.logger.Warn("cannot complete waiting period", "period_id", id, "error", err)
			continue
		}
		delete(r.active, id)
		callback := r.callbacks[id]
		delete(r.callbacks, id)
		r.completed = append(r.completed, period)
		if len(r.completed) > completedHistoryCap {
			r.completed = r.completed[len(r.completed)-completedHistoryCap:]
		}
		completedIDs = append(completedIDs, id)
		if callback != nil {
			fired = append(fired, firing{period: period, callback: callback})
		}
	}
	r.mu.Unlock()

	// Callbacks run outside the registry lock so they may call back in.
	for _, f := range fired {
		f.callback(f.period)
	}
	return completedIDs
}

// Cancel aborts an active period without firing its callback.
func (r *Registry) Cancel(periodID string) error {
	r.mu.Lock()
	period, ok := r.active[periodID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", periodID, ErrPeriodNotFound)
	}
	if err := period.Cancel(); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.active, periodID)
	delete(r.callbacks, periodID)
	r.mu.Unlock()

	r.logger.Info("waiting period cancelled", "period_id", periodID)
	return nil
}

// FastForward shifts a period's window backward to simulate elapsed time.
// Test support: lets multi-hour cooldowns complete without sleeping.
func (r *Registry) FastForward(periodID string, delta time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	period, ok := r.active[periodID]
	if !ok {
		return fmt.Errorf("fast-forward %s: %w", periodID, ErrPeriodNotFound)
	}
	return period.FastForward(delta)
}

// NotificationSchedule returns the instants at which the period's
// remaining-fraction thresholds are crossed, in firing order.
func (r *Registry) NotificationSchedule(periodID string) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	period, ok := r.active[periodID]
	if !ok {
		return nil, fmt.Errorf("notification schedule %s: %w", periodID, ErrPeriodNotFound)
	}
	duration := period.Duration()
	schedule := make([]time.Time, 0, len(period.NotificationThresholds))
	for _, threshold := range period.NotificationThresholds {
		remaining := time.Duration(threshold * float64(duration))
		schedule = append(schedule, period.EndTime.Add(-remaining))
	}
	return schedule, nil
}

// ForceCheck runs CheckAll and reports the status change per completed
// period, for diagnostics.
func (r *Registry) ForceCheck() map[string]string {
	changes := map[string]string{}
	for _, id := range r.CheckAll() {
		changes[id] = "active->completed"
	}
	return changes
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{
		ActivePeriods:    len(r.active),
		CompletedPeriods: len(r.completed),
		DriftEvents:      len(r.driftEvents),
		Monitoring:       r.loopRunning,
		LastCheck:        r.lastCheck,
	}
	if len(r.completed) > 0 {
		var total time.Duration
		for _, period := range r.completed {
			total += period.Duration()
		}
		stats.AverageCompletedDuration = total / time.Duration(len(r.completed))
	}
	return stats
}

// DriftEvents returns recorded clock-jump corrections.
func (r *Registry) DriftEvents() []DriftEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DriftEvent, len(r.driftEvents))
	copy(out, r.driftEvents)
	return out
}

// Shutdown stops the background loop. Active periods stay registered and
// resume checking if a later Start or Adopt relaunches the loop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLoopLocked()
}

// correctDriftLocked compares observed elapsed time between checks with the
// expected interval and shifts active end times by the jump so a system
// sleep or manual clock change cannot fire a cooldown early or stall it.
func (r *Registry) correctDriftLocked(now time.Time) {
	if r.lastCheck.IsZero() {
		return
	}
	expected := r.checkFrequency
	actual := now.Sub(r.lastCheck)
	drift := actual - expected
	if drift > -r.driftTolerance && drift < r.driftTolerance {
		return
	}

	for _, period := range r.active {
		period.AdjustEnd(-drift)
	}
	event := DriftEvent{DetectedAt: now, Drift: drift, Adjusted: len(r.active)}
	r.driftEvents = append(r.driftEvents, event)
	r.logger.Warn("clock drift corrected",
		"drift", drift,
		"adjusted_periods", event.Adjusted,
	)
}

func (r *Registry) ensureLoopLocked() {
	if r.manualChecks || r.loopRunning {
		return
	}
	r.loopRunning = true
	r.loopStop = make(chan struct{})
	go r.loop(r.loopStop)
}

func (r *Registry) stopLoopLocked() {
	if !r.loopRunning {
		return
	}
	close(r.loopStop)
	r.loopRunning = false
}

// loop polls while at least one period is active, then exits. A later
// Start or Adopt spins it up again.
func (r *Registry) loop(stop chan struct{}) {
	ticker := time.NewTicker(r.checkFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.CheckAll()
			r.mu.Lock()
			if len(r.active) == 0 {
				r.stopLoopLocked()
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}
