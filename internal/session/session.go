// Package session holds the orchestration core's data model: supervised
// sessions, detection events, waiting periods, queued tasks, restart
// commands, and the per-session task-completion monitor. Types validate
// their own invariants; lifecycle jumps are checked against the shared
// transition tables in internal/state.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drydock-sh/drydock/internal/state"
)

// Session is one supervised process instance.
type Session struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	PID             int             `json:"pid"`
	Command         string          `json:"command"`
	WorkDir         string          `json:"work_dir,omitempty"`
	Restart         *RestartCommand `json:"restart,omitempty"`
	Simulated       bool            `json:"simulated"`
	DetectionCount  int             `json:"detection_count"`
	ErrorCount      int             `json:"error_count"`
	RestartCount    int             `json:"restart_count"`
	CurrentPeriodID string          `json:"current_period_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivity    time.Time       `json:"last_activity"`
}

// NewSession builds an inactive session for the given command line.
func NewSession(command, workDir string, restart *RestartCommand, now time.Time) (*Session, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("session command must not be empty")
	}
	if restart == nil {
		restart = &RestartCommand{Template: command}
	}
	return &Session{
		ID:           newID("sess"),
		Status:       state.SessionInactive,
		Command:      command,
		WorkDir:      strings.TrimSpace(workDir),
		Restart:      restart,
		StartedAt:    now.UTC(),
		LastActivity: now.UTC(),
	}, nil
}

// SetStatus applies a lifecycle transition, rejecting illegal jumps.
func (s *Session) SetStatus(to string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if !state.Allowed(state.EntitySession, s.Status, to) {
		return &state.IllegalTransitionError{
			EntityType: state.EntitySession,
			EntityID:   s.ID,
			FromState:  s.Status,
			ToState:    to,
		}
	}
	s.Status = to
	return nil
}

// AttachPeriod binds a waiting period to this session. A session holds at
// most one active waiting-period reference at a time.
func (s *Session) AttachPeriod(periodID string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	periodID = strings.TrimSpace(periodID)
	if periodID == "" {
		return errors.New("period id must not be empty")
	}
	if s.CurrentPeriodID != "" {
		return fmt.Errorf("session %s already holds waiting period %s", s.ID, s.CurrentPeriodID)
	}
	s.CurrentPeriodID = periodID
	return nil
}

// DetachPeriod clears the bound waiting-period reference.
func (s *Session) DetachPeriod() {
	if s == nil {
		return
	}
	s.CurrentPeriodID = ""
}

// Touch records activity at the given instant.
func (s *Session) Touch(now time.Time) {
	if s == nil {
		return
	}
	s.LastActivity = now.UTC()
}

// RecordError stores the failure on the session and bumps the error counter.
func (s *Session) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.ErrorCount++
	s.LastError = err.Error()
}
