package session

import (
	"regexp"
	"time"

	"github.com/drydock-sh/drydock/internal/state"
)

const (
	// DefaultTaskTimeout bounds how long a detected task blocks cooldown entry.
	DefaultTaskTimeout = 5 * time.Minute
	// DefaultTaskGrace extends the in-progress window slightly past the
	// timeout so a task finishing right at the boundary is not cut off.
	DefaultTaskGrace = 10 * time.Second
)

var (
	defaultStartPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(i'?ll|let me|working on|starting|implementing|creating|analyzing|running)\b`),
		regexp.MustCompile(`(?i)\btask (started|in progress)\b`),
	}
	defaultCompletionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(completed|finished|done|successfully)\b`),
		regexp.MustCompile(`(?i)\btask (complete|completed)\b`),
		regexp.MustCompile(`(?i)\ball (tests|checks) pass(ed|ing)?\b`),
	}
)

// TaskMonitor is a lightweight start/finish heuristic over session output.
// The orchestrator consults it before opening a cooldown so a limit signal
// arriving mid-task defers the waiting period instead of interrupting work.
type TaskMonitor struct {
	SessionID          string
	Phase              string
	Timeout            time.Duration
	Grace              time.Duration
	TaskStartedAt      *time.Time
	LastSignalAt       *time.Time
	startPatterns      []*regexp.Regexp
	completionPatterns []*regexp.Regexp
	filter             func(string) bool
}

// NewTaskMonitor builds a monitor in the monitoring phase. The optional
// filter suppresses system/log noise lines before matching.
func NewTaskMonitor(sessionID string, filter func(string) bool) *TaskMonitor {
	return &TaskMonitor{
		SessionID:          sessionID,
		Phase:              state.TaskMonitoring,
		Timeout:            DefaultTaskTimeout,
		Grace:              DefaultTaskGrace,
		startPatterns:      defaultStartPatterns,
		completionPatterns: defaultCompletionPatterns,
		filter:             filter,
	}
}

// Observe feeds output lines through the start/finish detector.
func (m *TaskMonitor) Observe(lines []string, now time.Time) {
	if m == nil {
		return
	}
	m.expireIfTimedOut(now)
	for _, line := range lines {
		if m.filter != nil && m.filter(line) {
			continue
		}
		switch m.Phase {
		case state.TaskMonitoring:
			if matchAny(m.startPatterns, line) {
				m.setPhase(state.TaskDetected)
				started := now.UTC()
				m.TaskStartedAt = &started
				m.LastSignalAt = &started
			}
		case state.TaskDetected, state.TaskWaitingCompletion:
			signal := now.UTC()
			m.LastSignalAt = &signal
			if matchAny(m.completionPatterns, line) {
				if m.Phase == state.TaskDetected {
					m.setPhase(state.TaskWaitingCompletion)
				}
				m.setPhase(state.TaskCompleted)
				m.setPhase(state.TaskMonitoring)
				m.TaskStartedAt = nil
			} else if m.Phase == state.TaskDetected {
				m.setPhase(state.TaskWaitingCompletion)
			}
		}
	}
}

// InProgress reports whether meaningful work appears to be in flight.
func (m *TaskMonitor) InProgress(now time.Time) bool {
	if m == nil || m.TaskStartedAt == nil {
		return false
	}
	if m.Phase != state.TaskDetected && m.Phase != state.TaskWaitingCompletion {
		return false
	}
	return now.Sub(*m.TaskStartedAt) <= m.Timeout+m.Grace
}

// Reset returns the monitor to the monitoring phase, e.g. after a restart.
func (m *TaskMonitor) Reset() {
	if m == nil {
		return
	}
	m.Phase = state.TaskMonitoring
	m.TaskStartedAt = nil
	m.LastSignalAt = nil
}

func (m *TaskMonitor) expireIfTimedOut(now time.Time) {
	if m.TaskStartedAt == nil {
		return
	}
	if m.Phase != state.TaskDetected && m.Phase != state.TaskWaitingCompletion {
		return
	}
	if now.Sub(*m.TaskStartedAt) > m.Timeout+m.Grace {
		m.setPhase(state.TaskTimeout)
		m.setPhase(state.TaskMonitoring)
		m.TaskStartedAt = nil
	}
}

func (m *TaskMonitor) setPhase(to string) {
	if state.Allowed(state.EntityTask, m.Phase, to) {
		m.Phase = to
	}
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}
