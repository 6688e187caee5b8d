// Package persist serializes the orchestration core's state to a JSON
// document with atomic writes, rotated backups, and a file lock so two
// processes cannot interleave saves. In-memory state stays authoritative:
// a failed save is logged and retried at fallback locations, never fatal.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/drydock-sh/drydock/internal/session"
)

const (
	// FormatVersion identifies the persisted document layout.
	FormatVersion = "1.0"
	// DefaultBackupCount is how many rotated backups are retained.
	DefaultBackupCount = 5
	// DefaultAutoSaveInterval is how stale dirty state may get before the
	// control loop writes it out.
	DefaultAutoSaveInterval = 5 * time.Minute
	// DetectionHistoryCap bounds persisted detection events.
	DetectionHistoryCap = 100

	stateFileName  = "state.json"
	lockFileName   = "state.lock"
	backupDirName  = "backups"
	backupPrefix   = "state_backup_"
	backupTimeFmt  = "20060102-150405.000"
	stateFilePerms = 0o600
)

// Statistics aggregates counters across the orchestrator's lifetime.
type Statistics struct {
	TotalDetections int       `json:"total_detections"`
	TotalRestarts   int       `json:"total_restarts"`
	TotalCrashes    int       `json:"total_crashes"`
	StartedAt       time.Time `json:"started_at"`
}

// State is the persisted orchestration state.
type State struct {
	Sessions        map[string]*session.Session `json:"sessions"`
	WaitingPeriods  []*session.WaitingPeriod    `json:"waiting_periods"`
	DetectionEvents []*session.DetectionEvent   `json:"detection_events"`
	TaskQueue       []*session.QueuedTask       `json:"task_queue"`
	Statistics      Statistics                  `json:"statistics"`
}

// Metadata describes one saved document.
type Metadata struct {
	Version string    `json:"version"`
	SavedAt time.Time `json:"saved_at"`
}

// Document is the on-disk envelope.
type Document struct {
	Metadata Metadata `json:"metadata"`
	State    State    `json:"state"`
}

// BackupInfo describes one rotated backup file.
type BackupInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Store owns the state file, its lock, and its backup rotation.
type Store struct {
	mu           sync.Mutex
	dir          string
	fallbackDirs []string
	backupCount  int
	autoSave     time.Duration
	dirty        bool
	lastSave     time.Time
	savedPath    string
	lock         *flock.Flock
	logger       *log.Logger
	now          func() time.Time
}

// Option configures Store construction.
type Option func(*Store)

// WithBackupCount overrides how many backups are retained.
func WithBackupCount(count int) Option {
	return func(s *Store) {
		if count > 0 {
			s.backupCount = count
		}
	}
}

// WithAutoSaveInterval overrides the dirty-state staleness threshold.
func WithAutoSaveInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.autoSave = interval
		}
	}
}

// WithFallbackDirs overrides the fallback save locations.
func WithFallbackDirs(dirs []string) Option {
	return func(s *Store) { s.fallbackDirs = dirs }
}

// WithClock overrides the store clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a store rooted at dir, creating it if needed.
func New(dir string, logger *log.Logger, options ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory must not be empty")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if err := os.MkdirAll(filepath.Join(dir, backupDirName), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &Store{
		dir:         dir,
		backupCount: DefaultBackupCount,
		autoSave:    DefaultAutoSaveInterval,
		lock:        flock.New(filepath.Join(dir, lockFileName)),
		logger:      logger,
		now:         time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	if store.fallbackDirs == nil {
		store.fallbackDirs = defaultFallbackDirs()
	}
	return store, nil
}

// Path returns the primary state file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// SavedPath returns where the last successful save landed, which may be a
// fallback location.
func (s *Store) SavedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedPath
}

// MarkDirty flags in-memory state as ahead of disk.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// NeedsSave reports whether dirty state is stale beyond the auto-save
// interval.
func (s *Store) NeedsSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return false
	}
	return s.lastSave.IsZero() || s.now().Sub(s.lastSave) >= s.autoSave
}

// Save writes the state document atomically: temp file, fsync-free rename,
// backup rotation of the previous file, flock against concurrent writers.
// On primary-location failure, fallback locations are attempted in order.
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(st.DetectionEvents) > DetectionHistoryCap {
		st.DetectionEvents = st.DetectionEvents[len(st.DetectionEvents)-DetectionHistoryCap:]
	}
	document := Document{
		Metadata: Metadata{Version: FormatVersion, SavedAt: s.now().UTC()},
		State:    st,
	}
	raw, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Lock failure is not fatal: the save still proceeds (possibly to a
	// fallback location), it just loses cross-process exclusion.
	if err := s.lock.Lock(); err != nil {
		s.logger.Warn("state lock unavailable", "error", err)
	} else {
		defer func() {
			if unlockErr := s.lock.Unlock(); unlockErr != nil {
				s.logger.Warn("release state lock", "error", unlockErr)
			}
		}()
	}

	primary := s.Path()
	if err := s.rotateBackup(primary); err != nil {
		s.logger.Warn("backup rotation failed", "error", err)
	}
	writeErr := atomicWrite(primary, raw)
	if writeErr == nil {
		s.dirty = false
		s.lastSave = s.now()
		s.savedPath = primary
		return nil
	}
	s.logger.Error("primary state save failed", "path", primary, "error", writeErr)

	for _, dir := range s.fallbackDirs {
		candidate := filepath.Join(dir, "drydock-"+stateFileName)
		if err := atomicWrite(candidate, raw); err != nil {
			s.logger.Warn("fallback state save failed", "path", candidate, "error", err)
			continue
		}
		s.logger.Warn("state saved to fallback location", "path", candidate)
		s.dirty = false
		s.lastSave = s.now()
		s.savedPath = candidate
		return nil
	}
	return fmt.Errorf("save state: primary and all fallback locations failed")
}

// Load reads the state document, falling back to the newest valid backup
// when the primary file is missing or corrupted.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	document, err := readDocument(s.Path())
	if err == nil {
		return document.State, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return State{}, err
	}
	s.logger.Warn("primary state file unreadable, trying backups", "error", err)

	for _, backup := range s.listBackupsLocked() {
		document, backupErr := readDocument(backup.Path)
		if backupErr != nil {
			s.logger.Warn("skipping corrupt backup", "path", backup.Path, "error", backupErr)
			continue
		}
		s.logger.Info("state restored from backup", "path", backup.Path)
		return document.State, nil
	}
	return State{}, fmt.Errorf("load state: %w", err)
}

// ListBackups returns rotated backups, newest first.
func (s *Store) ListBackups() []BackupInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBackupsLocked()
}

// RestoreFromBackup copies the named backup over the primary state file,
// snapshotting the current file into the backup rotation first.
func (s *Store) RestoreFromBackup(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := readDocument(path); err != nil {
		return fmt.Errorf("validate backup %q: %w", path, err)
	}
	primary := s.Path()
	if err := s.rotateBackup(primary); err != nil {
		s.logger.Warn("pre-restore snapshot failed", "error", err)
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- backup path from our own rotation dir.
	if err != nil {
		return fmt.Errorf("read backup %q: %w", path, err)
	}
	if err := atomicWrite(primary, raw); err != nil {
		return fmt.Errorf("restore backup %q: %w", path, err)
	}
	return nil
}

func (s *Store) listBackupsLocked() []BackupInfo {
	entries, err := os.ReadDir(filepath.Join(s.dir, backupDirName))
	if err != nil {
		return nil
	}
	backups := make([]BackupInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(s.dir, backupDirName, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name > backups[j].Name })
	return backups
}

// rotateBackup copies the current primary file into the backup directory
// and prunes the oldest entries beyond the retention count.
func (s *Store) rotateBackup(primary string) error {
	raw, err := os.ReadFile(primary) // #nosec G304 -- primary path is store-owned.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	name := backupPrefix + s.now().UTC().Format(backupTimeFmt) + ".json"
	target := filepath.Join(s.dir, backupDirName, name)
	if err := os.WriteFile(target, raw, stateFilePerms); err != nil {
		return err
	}

	backups := s.listBackupsLocked()
	for i := s.backupCount; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil {
			s.logger.Warn("prune old backup", "path", backups[i].Path, "error", err)
		}
	}
	return nil
}

func readDocument(path string) (Document, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- paths are store-owned.
	if err != nil {
		return Document{}, err
	}
	var document Document
	if err := json.Unmarshal(raw, &document); err != nil {
		return Document{}, fmt.Errorf("decode %q: %w", path, err)
	}
	if document.Metadata.Version == "" {
		return Document{}, fmt.Errorf("decode %q: missing metadata version", path)
	}
	return document, nil
}

func atomicWrite(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, stateFilePerms); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func defaultFallbackDirs() []string {
	dirs := []string{os.TempDir()}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}
