// Package taskqueue manages the FIFO list of follow-up instructions
// replayed into the supervised process after a restart.
package taskqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drydock-sh/drydock/internal/session"
)

// Manager is a thread-safe FIFO queue of follow-up tasks.
type Manager struct {
	mu    sync.Mutex
	tasks []*session.QueuedTask
	now   func() time.Time
}

// Option configures Manager construction.
type Option func(*Manager)

// WithClock overrides the queue clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds an empty queue.
func New(options ...Option) *Manager {
	manager := &Manager{now: time.Now}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager
}

// Add enqueues a task built from the description and optional fragments.
func (m *Manager) Add(description, persona, guideline, notes string, postCommands []string) (*session.QueuedTask, error) {
	task, err := session.NewQueuedTask(description, m.now())
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	task.PersonaPrompt = persona
	task.GuidelinePrompt = guideline
	task.Notes = notes
	task.PostCommands = append([]string(nil), postCommands...)

	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	return task, nil
}

// List returns a snapshot of the pending tasks in FIFO order.
func (m *Manager) List() []*session.QueuedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.QueuedTask, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Len reports the number of pending tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// PopAll atomically drains the queue, returning tasks in FIFO order.
func (m *Manager) PopAll() []*session.QueuedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.tasks
	m.tasks = nil
	return out
}

// Prepend pushes tasks back to the front of the queue, preserving their
// order. Used to requeue undispatched work after a send failure.
func (m *Manager) Prepend(tasks []*session.QueuedTask) {
	if len(tasks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(append([]*session.QueuedTask(nil), tasks...), m.tasks...)
}

// RemoveIndices removes tasks by 1-based position and returns the removed
// tasks in ascending index order. Out-of-range indices fail the whole call.
func (m *Manager) RemoveIndices(indices []int) ([]*session.QueuedTask, error) {
	if len(indices) == 0 {
		return nil, errors.New("no indices given")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	seen := map[int]struct{}{}
	for _, index := range sorted {
		if index < 1 || index > len(m.tasks) {
			return nil, fmt.Errorf("index %d out of range 1..%d", index, len(m.tasks))
		}
		seen[index] = struct{}{}
	}

	removed := make([]*session.QueuedTask, 0, len(seen))
	remaining := make([]*session.QueuedTask, 0, len(m.tasks)-len(seen))
	for i, task := range m.tasks {
		if _, drop := seen[i+1]; drop {
			removed = append(removed, task)
			continue
		}
		remaining = append(remaining, task)
	}
	m.tasks = remaining
	return removed, nil
}

// Clear drops all pending tasks and reports how many were removed.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.tasks)
	m.tasks = nil
	return count
}

// Replace swaps the queue contents, used when restoring persisted state.
func (m *Manager) Replace(tasks []*session.QueuedTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]*session.QueuedTask(nil), tasks...)
}
