package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/drydock-sh/drydock/internal/state"
)

const (
	// MaxDurationHours caps a single cooldown at one day.
	MaxDurationHours = 24.0
	// DefaultCheckInterval is how often the countdown loop re-evaluates a period.
	DefaultCheckInterval = 60 * time.Second
)

// DefaultNotificationThresholds are the remaining-fraction marks at which
// progress notifications fire: half, quarter, and final ten percent.
func DefaultNotificationThresholds() []float64 {
	return []float64{0.5, 0.25, 0.1}
}

// WaitingPeriod is one timed cooldown bound to a session and the detection
// that opened it.
type WaitingPeriod struct {
	ID                     string     `json:"id"`
	SessionID              string     `json:"session_id"`
	EventID                string     `json:"event_id,omitempty"`
	Status                 string     `json:"status"`
	DurationHours          float64    `json:"duration_hours"`
	StartTime              time.Time  `json:"start_time"`
	EndTime                time.Time  `json:"end_time"`
	CheckInterval          time.Duration `json:"check_interval"`
	NotificationThresholds []float64  `json:"notification_thresholds"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// NewWaitingPeriod builds a pending period. Duration is fractional hours in
// (0, 24].
func NewWaitingPeriod(sessionID, eventID string, durationHours float64, now time.Time) (*WaitingPeriod, error) {
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}
	if durationHours <= 0 || durationHours > MaxDurationHours {
		return nil, fmt.Errorf("duration %.2fh outside (0, %.0f]", durationHours, MaxDurationHours)
	}
	return &WaitingPeriod{
		ID:                     newID("wait"),
		SessionID:              sessionID,
		EventID:                eventID,
		Status:                 state.PeriodPending,
		DurationHours:          durationHours,
		CheckInterval:          DefaultCheckInterval,
		NotificationThresholds: DefaultNotificationThresholds(),
		CreatedAt:              now.UTC(),
	}, nil
}

// Duration returns the configured cooldown length.
func (p *WaitingPeriod) Duration() time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.DurationHours * float64(time.Hour))
}

// Activate starts the countdown: end time is start + duration.
func (p *WaitingPeriod) Activate(now time.Time) error {
	if err := p.transition(state.PeriodActive); err != nil {
		return err
	}
	p.StartTime = now.UTC()
	p.EndTime = p.StartTime.Add(p.Duration())
	return nil
}

// Complete marks the countdown finished.
func (p *WaitingPeriod) Complete(now time.Time) error {
	if err := p.transition(state.PeriodCompleted); err != nil {
		return err
	}
	completed := now.UTC()
	p.CompletedAt = &completed
	return nil
}

// Cancel aborts the countdown. Cancelling a completed period is illegal.
func (p *WaitingPeriod) Cancel() error {
	return p.transition(state.PeriodCancelled)
}

func (p *WaitingPeriod) transition(to string) error {
	if p == nil {
		return errors.New("waiting period is nil")
	}
	if !state.Allowed(state.EntityPeriod, p.Status, to) {
		return &state.IllegalTransitionError{
			EntityType: state.EntityPeriod,
			EntityID:   p.ID,
			FromState:  p.Status,
			ToState:    to,
		}
	}
	p.Status = to
	return nil
}

// IsActive reports whether the countdown is running.
func (p *WaitingPeriod) IsActive() bool {
	return p != nil && p.Status == state.PeriodActive
}

// Expired reports whether an active period's end time has passed.
func (p *WaitingPeriod) Expired(now time.Time) bool {
	return p.IsActive() && !now.Before(p.EndTime)
}

// Remaining reports time left until the end, never negative.
func (p *WaitingPeriod) Remaining(now time.Time) time.Duration {
	if p == nil || p.StartTime.IsZero() {
		return 0
	}
	remaining := p.EndTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Elapsed reports time since the start, never negative.
func (p *WaitingPeriod) Elapsed(now time.Time) time.Duration {
	if p == nil || p.StartTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(p.StartTime)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Progress reports completion as a fraction clamped to [0,1].
func (p *WaitingPeriod) Progress(now time.Time) float64 {
	total := p.Duration()
	if p == nil || total <= 0 || p.StartTime.IsZero() {
		return 0
	}
	fraction := float64(p.Elapsed(now)) / float64(total)
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

// FastForward shifts the start and end backward to simulate elapsed time
// without sleeping. Test support for multi-hour cooldowns.
func (p *WaitingPeriod) FastForward(delta time.Duration) error {
	if p == nil {
		return errors.New("waiting period is nil")
	}
	if delta < 0 {
		return fmt.Errorf("fast-forward delta must be non-negative, got %s", delta)
	}
	if p.StartTime.IsZero() {
		return errors.New("waiting period has not started")
	}
	p.StartTime = p.StartTime.Add(-delta)
	p.EndTime = p.EndTime.Add(-delta)
	return nil
}

// AdjustEnd shifts the end time by delta. Used for clock-drift correction:
// a forward clock jump shortens the remaining time, a backward jump extends it.
func (p *WaitingPeriod) AdjustEnd(delta time.Duration) {
	if p == nil || p.StartTime.IsZero() {
		return
	}
	p.EndTime = p.EndTime.Add(delta)
}
