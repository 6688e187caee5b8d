package session

import (
	"errors"
	"strings"
	"time"
)

// QueuedTask is one follow-up instruction replayed into the process after
// the next restart.
type QueuedTask struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	PersonaPrompt   string    `json:"persona_prompt,omitempty"`
	GuidelinePrompt string    `json:"guideline_prompt,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	PostCommands    []string  `json:"post_commands,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewQueuedTask builds a task; the description is mandatory.
func NewQueuedTask(description string, now time.Time) (*QueuedTask, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.New("task description must not be empty")
	}
	return &QueuedTask{
		ID:          newID("task"),
		Description: description,
		CreatedAt:   now.UTC(),
	}, nil
}

// Payloads returns the ordered input writes this task dispatches: persona,
// guideline, notes, description, then each post-command. Empty fragments
// are skipped.
func (t *QueuedTask) Payloads() []string {
	if t == nil {
		return nil
	}
	payloads := make([]string, 0, 4+len(t.PostCommands))
	for _, fragment := range []string{t.PersonaPrompt, t.GuidelinePrompt, t.Notes, t.Description} {
		if strings.TrimSpace(fragment) != "" {
			payloads = append(payloads, fragment)
		}
	}
	for _, command := range t.PostCommands {
		if strings.TrimSpace(command) != "" {
			payloads = append(payloads, command)
		}
	}
	return payloads
}
