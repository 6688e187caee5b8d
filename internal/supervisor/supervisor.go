// Package supervisor launches and tears down the supervised CLI process,
// drains its merged stdout/stderr into a bounded rolling buffer per
// session, samples health, and reports crashes distinct from requested
// stops. When the target binary is not on PATH the supervisor can run a
// session in simulation mode so the rest of the system is exercisable
// without the real tool.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/shlex"

	"github.com/drydock-sh/drydock/internal/state"
)

const (
	// DefaultBufferLines bounds the per-session rolling output buffer.
	DefaultBufferLines = 1000
	// DefaultStartGrace is how long a child must survive before launch is
	// considered successful.
	DefaultStartGrace = 1 * time.Second
	// DefaultStopTimeout bounds the graceful-stop wait before escalation.
	DefaultStopTimeout = 10 * time.Second

	simulatedPIDBase      = 900000
	simulatedCrashExit    = 137
	simulatedInputMarker  = "[simulated input] "
	simulatedOutputMarker = "[simulated] "
)

// Error taxonomy: command-not-found is user-correctable and never retried;
// start failures carry the immediate exit code; stop of an already-gone
// process is success, not an error.
var (
	ErrCommandNotFound  = errors.New("command not found on PATH")
	ErrStartFailed      = errors.New("process exited during start grace window")
	ErrSessionNotFound  = errors.New("session not tracked by supervisor")
	ErrAlreadyMonitored = errors.New("session already has a tracked process")
)

// CrashEvent reports an unexpected non-zero process exit.
type CrashEvent struct {
	SessionID string
	PID       int
	ExitCode  int
	At        time.Time
}

// CrashCallback receives crash events outside the supervisor lock.
type CrashCallback func(CrashEvent)

// LaunchResult reports the outcome of a successful launch.
type LaunchResult struct {
	SessionID string
	PID       int
	Simulated bool
}

type managedProcess struct {
	sessionID string
	pid       int
	argv      []string
	simulated bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	buffer    *outputBuffer
	status    string
	startedAt time.Time
	exitCode  *int
	stopReq   bool
	done      chan struct{}
}

// Supervisor tracks one process per session. Safe for concurrent use.
type Supervisor struct {
	mu              sync.Mutex
	procs           map[string]*managedProcess
	crashCallbacks  []CrashCallback
	crashSeen       map[string]struct{}
	allowSimulation bool
	startGrace      time.Duration
	bufferLines     int
	nextSimPID      int
	logger          *log.Logger
	now             func() time.Time
	lookPath        func(string) (string, error)
}

// Option configures Supervisor construction.
type Option func(*Supervisor)

// WithSimulation permits simulated sessions when the binary is missing.
func WithSimulation(allow bool) Option {
	return func(s *Supervisor) { s.allowSimulation = allow }
}

// WithStartGrace overrides the immediate-exit detection window.
func WithStartGrace(grace time.Duration) Option {
	return func(s *Supervisor) {
		if grace > 0 {
			s.startGrace = grace
		}
	}
}

// WithBufferLines overrides the rolling buffer capacity.
func WithBufferLines(lines int) Option {
	return func(s *Supervisor) {
		if lines > 0 {
			s.bufferLines = lines
		}
	}
}

// WithClock overrides the supervisor clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLookPath overrides binary resolution, for tests.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(s *Supervisor) {
		if lookPath != nil {
			s.lookPath = lookPath
		}
	}
}

// New builds a supervisor with no tracked processes.
func New(logger *log.Logger, options ...Option) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	supervisor := &Supervisor{
		procs:       map[string]*managedProcess{},
		crashSeen:   map[string]struct{}{},
		startGrace:  DefaultStartGrace,
		bufferLines: DefaultBufferLines,
		nextSimPID:  simulatedPIDBase,
		logger:      logger,
		now:         time.Now,
		lookPath:    exec.LookPath,
	}
	for _, option := range options {
		if option != nil {
			option(supervisor)
		}
	}
	return supervisor
}

// OnCrash registers a crash callback. Callbacks run outside the
// supervisor lock and may call back into the supervisor.
func (s *Supervisor) OnCrash(callback CrashCallback) {
	if callback == nil {
		return
	}
	s.mu.Lock()
	s.crashCallbacks = append(s.crashCallbacks, callback)
	s.mu.Unlock()
}

// Launch parses the command into an argument vector (no shell), validates
// the working directory, and starts the child with stdout and stderr
// merged into one captured stream. A child that exits within the start
// grace window surfaces ErrStartFailed with its exit code.
func (s *Supervisor) Launch(ctx context.Context, command, sessionID, workDir string, env map[string]string) (LaunchResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return LaunchResult{}, errors.New("session id must not be empty")
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return LaunchResult{}, errors.New("command must not be empty")
	}
	if workDir != "" {
		info, statErr := os.Stat(workDir)
		if statErr != nil {
			return LaunchResult{}, fmt.Errorf("working directory %q: %w", workDir, statErr)
		}
		if !info.IsDir() {
			return LaunchResult{}, fmt.Errorf("working directory %q is not a directory", workDir)
		}
	}

	s.mu.Lock()
	if existing, ok := s.procs[sessionID]; ok && isLive(existing) {
		s.mu.Unlock()
		return LaunchResult{}, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyMonitored)
	}
	s.mu.Unlock()

	if _, lookErr := s.lookPath(argv[0]); lookErr != nil {
		if !s.allowSimulation {
			return LaunchResult{}, fmt.Errorf("%q: %w", argv[0], ErrCommandNotFound)
		}
		return s.launchSimulated(sessionID, argv), nil
	}

	return s.launchReal(ctx, sessionID, argv, workDir, env)
}

func (s *Supervisor) launchSimulated(sessionID string, argv []string) LaunchResult {
	s.mu.Lock()
	s.nextSimPID++
	proc := &managedProcess{
		sessionID: sessionID,
		pid:       s.nextSimPID,
		argv:      argv,
		simulated: true,
		buffer:    newOutputBuffer(s.bufferLines),
		status:    state.ProcessRunning,
		startedAt: s.now(),
		done:      make(chan struct{}),
	}
	s.procs[sessionID] = proc
	s.clearCrashMarksLocked(sessionID)
	s.mu.Unlock()

	proc.buffer.Append(simulatedOutputMarker + strings.Join(argv, " "))
	s.logger.Info("simulated session started", "session_id", sessionID, "pid", proc.pid)
	return LaunchResult{SessionID: sessionID, PID: proc.pid, Simulated: true}
}

func (s *Supervisor) launchReal(ctx context.Context, sessionID string, argv []string, workDir string, env map[string]string) (LaunchResult, error) {
	// #nosec G204 -- argv comes from the session's stored restart command.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = mergedEnv(env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return LaunchResult{}, fmt.Errorf("open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return LaunchResult{}, fmt.Errorf("open stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return LaunchResult{}, fmt.Errorf("start %q: %w", argv[0], err)
	}

	proc := &managedProcess{
		sessionID: sessionID,
		pid:       cmd.Process.Pid,
		argv:      argv,
		cmd:       cmd,
		stdin:     stdin,
		buffer:    newOutputBuffer(s.bufferLines),
		status:    state.ProcessStarting,
		startedAt: s.now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[sessionID] = proc
	s.clearCrashMarksLocked(sessionID)
	s.mu.Unlock()

	go s.drainOutput(proc, stdout)
	go s.awaitExit(proc)

	select {
	case <-proc.done:
		s.mu.Lock()
		code := exitCodeOf(proc)
		s.mu.Unlock()
		return LaunchResult{}, fmt.Errorf("%q exit code %d: %w", argv[0], code, ErrStartFailed)
	case <-time.After(s.startGrace):
	}

	s.mu.Lock()
	if proc.status == state.ProcessStarting {
		proc.status = state.ProcessRunning
	}
	s.mu.Unlock()

	s.logger.Info("process started", "session_id", sessionID, "pid", proc.pid, "command", argv[0])
	return LaunchResult{SessionID: sessionID, PID: proc.pid}, nil
}

// drainOutput is the per-session reader goroutine: it blocks on the
// child's merged output and must wake promptly on child exit, which the
// pipe close guarantees.
func (s *Supervisor) drainOutput(proc *managedProcess, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		proc.buffer.Append(scanner.Text())
	}
}

func (s *Supervisor) awaitExit(proc *managedProcess) {
	err := proc.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	proc.exitCode = &code
	crashed := !proc.stopReq && code != 0
	if crashed {
		proc.status = state.ProcessCrashed
	} else {
		proc.status = state.ProcessStopped
	}
	close(proc.done)
	var fire []CrashCallback
	var event CrashEvent
	if crashed && s.markCrashLocked(proc.sessionID, code) {
		event = CrashEvent{
			SessionID: proc.sessionID,
			PID:       proc.pid,
			ExitCode:  code,
			At:        s.now(),
		}
		fire = append(fire, s.crashCallbacks...)
	}
	s.mu.Unlock()

	for _, callback := range fire {
		callback(event)
	}
}

// markCrashLocked dedupes crash events per (session, exit code) pair for
// one process incarnation. Launch clears a session's marks, so a crash of
// the relaunched process notifies again even with the same exit code.
func (s *Supervisor) markCrashLocked(sessionID string, code int) bool {
	key := fmt.Sprintf("%s|%d", sessionID, code)
	if _, seen := s.crashSeen[key]; seen {
		return false
	}
	s.crashSeen[key] = struct{}{}
	return true
}

func (s *Supervisor) clearCrashMarksLocked(sessionID string) {
	prefix := sessionID + "|"
	for key := range s.crashSeen {
		if strings.HasPrefix(key, prefix) {
			delete(s.crashSeen, key)
		}
	}
}

// Stop terminates a session's process: graceful signal first, hard kill
// on timeout or when force is set. An already-exited process is success.
func (s *Supervisor) Stop(ctx context.Context, sessionID string, force bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("stop %s: %w", sessionID, ErrSessionNotFound)
	}
	proc.stopReq = true
	if proc.simulated {
		// A process that already died abnormally keeps its crash record.
		if proc.status != state.ProcessCrashed {
			proc.status = state.ProcessStopped
		}
		s.mu.Unlock()
		return nil
	}
	if proc.exitCode != nil {
		if proc.status != state.ProcessCrashed {
			proc.status = state.ProcessStopped
		}
		s.mu.Unlock()
		return nil
	}
	proc.status = state.ProcessStopping
	s.mu.Unlock()

	if force {
		_ = proc.cmd.Process.Kill()
	} else if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal failure usually means the process is already gone.
		_ = proc.cmd.Process.Kill()
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(timeout):
		_ = proc.cmd.Process.Kill()
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	}

	select {
	case <-proc.done:
	case <-time.After(timeout):
		return fmt.Errorf("stop %s: process %d did not exit after kill", sessionID, proc.pid)
	}
	return nil
}

// Remove forgets a stopped session's process record and buffer.
func (s *Supervisor) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.procs, sessionID)
	s.mu.Unlock()
}

// IsRunning reports whether the session's process is alive. Simulated
// sessions count as running until explicitly stopped.
func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[sessionID]
	return ok && isLive(proc)
}

// PID returns the tracked pid for a session.
func (s *Supervisor) PID(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[sessionID]
	if !ok {
		return 0, fmt.Errorf("pid %s: %w", sessionID, ErrSessionNotFound)
	}
	return proc.pid, nil
}

// Status returns the process health state for a session.
func (s *Supervisor) Status(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[sessionID]
	if !ok {
		return "", fmt.Errorf("status %s: %w", sessionID, ErrSessionNotFound)
	}
	return proc.status, nil
}

// Recent returns up to n newest output lines for a session.
func (s *Supervisor) Recent(sessionID string, n int) ([]string, error) {
	proc, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return proc.buffer.Recent(n), nil
}

// All returns every buffered output line for a session.
func (s *Supervisor) All(sessionID string) ([]string, error) {
	proc, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return proc.buffer.All(), nil
}

// ClearOutput drops a session's buffered output, e.g. after a detection
// has been consumed so the same text cannot re-match.
func (s *Supervisor) ClearOutput(sessionID string) error {
	proc, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	proc.buffer.Clear()
	return nil
}

// SendInput writes one newline-terminated line to the child's stdin. In
// simulation mode the text is echoed into the output buffer instead.
func (s *Supervisor) SendInput(sessionID, text string) error {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("send input %s: %w", sessionID, ErrSessionNotFound)
	}
	if !isLive(proc) {
		s.mu.Unlock()
		return fmt.Errorf("send input %s: process not running", sessionID)
	}
	simulated := proc.simulated
	stdin := proc.stdin
	buffer := proc.buffer
	s.mu.Unlock()

	if simulated {
		buffer.Append(simulatedInputMarker + text)
		return nil
	}
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		return fmt.Errorf("send input %s: %w", sessionID, err)
	}
	return nil
}

// InjectOutput feeds synthetic lines into a session's output buffer via
// the same path the reader goroutine uses. Test and simulation support.
func (s *Supervisor) InjectOutput(sessionID, text string) error {
	proc, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(text, "\n") {
		proc.buffer.Append(line)
	}
	return nil
}

// SimulateDeath kills the session's process (or drops a simulated one) so
// crash handling can be exercised deliberately.
func (s *Supervisor) SimulateDeath(sessionID string) error {
	s.mu.Lock()
	proc, ok := s.procs[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulate death %s: %w", sessionID, ErrSessionNotFound)
	}
	if !proc.simulated {
		s.mu.Unlock()
		if proc.cmd != nil && proc.cmd.Process != nil {
			return proc.cmd.Process.Kill()
		}
		return nil
	}

	code := simulatedCrashExit
	proc.exitCode = &code
	proc.status = state.ProcessCrashed
	close(proc.done)
	var fire []CrashCallback
	var event CrashEvent
	if s.markCrashLocked(sessionID, code) {
		event = CrashEvent{SessionID: sessionID, PID: proc.pid, ExitCode: code, At: s.now()}
		fire = append(fire, s.crashCallbacks...)
	}
	s.mu.Unlock()

	for _, callback := range fire {
		callback(event)
	}
	return nil
}

// Sessions returns the tracked session ids.
func (s *Supervisor) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.procs))
	for sessionID := range s.procs {
		out = append(out, sessionID)
	}
	return out
}

func (s *Supervisor) lookup(sessionID string) (*managedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return proc, nil
}

func isLive(proc *managedProcess) bool {
	if proc.simulated {
		return proc.status == state.ProcessRunning
	}
	return proc.exitCode == nil && proc.status != state.ProcessStopped
}

func exitCodeOf(proc *managedProcess) int {
	if proc.exitCode == nil {
		return 0
	}
	return *proc.exitCode
}

func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	merged := os.Environ()
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}
