package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LimitHitConfidence is the score at or above which a detection is treated
// as a definite usage-limit hit rather than a weak signal.
const LimitHitConfidence = 0.8

// DetectionEvent is one scored pattern match against process output.
type DetectionEvent struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id,omitempty"`
	Pattern       string     `json:"pattern"`
	MatchedText   string     `json:"matched_text"`
	Confidence    float64    `json:"confidence"`
	LineNumber    int        `json:"line_number"`
	ContextBefore []string   `json:"context_before,omitempty"`
	ContextAfter  []string   `json:"context_after,omitempty"`
	CooldownStart *time.Time `json:"cooldown_start,omitempty"`
	CooldownEnd   *time.Time `json:"cooldown_end,omitempty"`
	Processed     bool       `json:"processed"`
	ActionTaken   string     `json:"action_taken,omitempty"`
	Error         string     `json:"error,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
}

// NewDetectionEvent builds a detection event, validating the confidence range.
func NewDetectionEvent(pattern, matchedText string, confidence float64, now time.Time) (*DetectionEvent, error) {
	if strings.TrimSpace(matchedText) == "" {
		return nil, errors.New("matched text must not be empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %.3f outside [0,1]", confidence)
	}
	return &DetectionEvent{
		ID:          newID("evt"),
		Pattern:     pattern,
		MatchedText: matchedText,
		Confidence:  confidence,
		DetectedAt:  now.UTC(),
	}, nil
}

// SetCooldownWindow records the cooldown interval opened for this detection.
// The end must be strictly after the start.
func (e *DetectionEvent) SetCooldownWindow(start, end time.Time) error {
	if e == nil {
		return errors.New("detection event is nil")
	}
	if !end.After(start) {
		return fmt.Errorf("cooldown end %s not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	startUTC := start.UTC()
	endUTC := end.UTC()
	e.CooldownStart = &startUTC
	e.CooldownEnd = &endUTC
	return nil
}

// IsLimitHit reports whether the score clears the limit-hit bar.
func (e *DetectionEvent) IsLimitHit() bool {
	return e != nil && e.Confidence >= LimitHitConfidence
}

// MarkProcessed flags the event as consumed and records the action taken.
func (e *DetectionEvent) MarkProcessed(action string) {
	if e == nil {
		return
	}
	e.Processed = true
	e.ActionTaken = strings.TrimSpace(action)
}
