// Package status persists the daemon's externally visible state as a
// single JSON record replaced atomically on every write, so any external
// reader sees either the previous or the next record, never a torn one.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State enumerates the coarse daemon states external tools display.
type State string

const (
	StateIdle            State = "idle"
	StateScanning        State = "scanning"
	StateProcessing      State = "processing"
	StateUploading       State = "uploading"
	StateWaitingForEmail State = "waiting_for_email"
	StateError           State = "error"
)

// maxRecentErrors bounds the error ring carried in the record.
const maxRecentErrors = 20

// Record is the process-wide status snapshot.
type Record struct {
	DaemonState     State     `json:"daemon_state"`
	Message         string    `json:"message"`
	LastActivity    time.Time `json:"last_activity"`
	UptimeStart     time.Time `json:"uptime_start"`
	ProcessingCount uint64    `json:"processing_count"`
	RecentErrors    []string  `json:"recent_errors"`
}

// Store owns the status file. Only the pipeline worker writes; any number
// of external readers may read concurrently.
type Store struct {
	mu      sync.Mutex
	path    string
	current Record
}

// NewStore initializes the store and writes the initial idle record.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("status store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure status directory: %w", err)
	}
	s := &Store{
		path: path,
		current: Record{
			DaemonState: StateIdle,
			Message:     "service started",
			UptimeStart: time.Now().UTC(),
		},
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return s, nil
}

// Set updates the daemon state and message and persists the record.
func (s *Store) Set(state State, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.DaemonState = state
	s.current.Message = message
	s.current.LastActivity = time.Now().UTC()
	return s.flush()
}

// AddError appends to the bounded error ring and persists the record. The
// daemon state is left untouched: an error in one job does not make the
// whole daemon unhealthy.
func (s *Store) AddError(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamped := time.Now().UTC().Format(time.RFC3339) + " " + message
	s.current.RecentErrors = append(s.current.RecentErrors, stamped)
	if len(s.current.RecentErrors) > maxRecentErrors {
		s.current.RecentErrors = s.current.RecentErrors[len(s.current.RecentErrors)-maxRecentErrors:]
	}
	s.current.LastActivity = time.Now().UTC()
	return s.flush()
}

// IncrementProcessed bumps the completed-job counter and persists.
func (s *Store) IncrementProcessed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.ProcessingCount++
	return s.flush()
}

// Snapshot returns a copy of the current in-memory record.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

func (s *Store) cloneLocked() Record {
	clone := s.current
	clone.RecentErrors = append([]string(nil), s.current.RecentErrors...)
	return clone
}

// flush writes the record to a temp file in the same directory and renames
// it over the status file. Rename within a directory is atomic on POSIX
// filesystems, which is what keeps readers from seeing partial writes.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("create status temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write status temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync status temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close status temp file: %w", err)
	}
	// CreateTemp opens 0600; the record is read by external tools.
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod status temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// Path returns the status file location.
func (s *Store) Path() string {
	return s.path
}

// ReadFile loads the last fully written record from disk. It never blocks
// on writers and is safe to call from any process.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status file: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return &record, nil
}
