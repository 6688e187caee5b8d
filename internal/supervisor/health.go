package supervisor

import (
	"fmt"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/drydock-sh/drydock/internal/state"
)

// HealthSnapshot is a point-in-time resource sample for one session's
// process. Sampling failures degrade to zeroed metrics; a health refresh
// must never error out of the caller's loop.
type HealthSnapshot struct {
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	OpenFiles  int       `json:"open_files"`
	Threads    int       `json:"threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Health samples cpu, memory, open files, and thread count for a
// session's process. Simulated and exited sessions report status only.
func (s *Supervisor) Health(sessionID string) (HealthSnapshot, error) {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	if !ok {
		s.mu.Unlock()
		return HealthSnapshot{}, fmt.Errorf("health %s: %w", sessionID, ErrSessionNotFound)
	}
	snapshot := HealthSnapshot{
		SessionID: sessionID,
		PID:       proc.pid,
		Status:    proc.status,
		SampledAt: s.now(),
	}
	simulated := proc.simulated
	live := isLive(proc)
	s.mu.Unlock()

	if simulated || !live {
		return snapshot, nil
	}
	s.sampleProcess(&snapshot)
	return snapshot, nil
}

// HealthAll samples every tracked session.
func (s *Supervisor) HealthAll() []HealthSnapshot {
	sessions := s.Sessions()
	out := make([]HealthSnapshot, 0, len(sessions))
	for _, sessionID := range sessions {
		snapshot, err := s.Health(sessionID)
		if err != nil {
			continue
		}
		out = append(out, snapshot)
	}
	return out
}

func (s *Supervisor) sampleProcess(snapshot *HealthSnapshot) {
	handle, err := gopsproc.NewProcess(int32(snapshot.PID))
	if err != nil {
		s.logger.Warn("health sample unavailable", "pid", snapshot.PID, "error", err)
		snapshot.Status = state.ProcessZombie
		return
	}
	if cpu, err := handle.CPUPercent(); err == nil {
		snapshot.CPUPercent = cpu
	}
	if mem, err := handle.MemoryInfo(); err == nil && mem != nil {
		snapshot.MemoryRSS = mem.RSS
	}
	if files, err := handle.OpenFiles(); err == nil {
		snapshot.OpenFiles = len(files)
	}
	if threads, err := handle.NumThreads(); err == nil {
		snapshot.Threads = int(threads)
	}
}
