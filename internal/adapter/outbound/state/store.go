package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileStore reads and writes the enable-state file. It provides atomic
// writes (write-tmp-then-rename) and file locking (flock for
// cross-process, mutex for in-process). A missing or corrupt file loads
// as empty state so a bad write can never brick the gateway.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the state file. A missing file or unparseable
// content yields an empty state, never an error.
func (s *FileStore) Load() *EnableState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read state file, starting empty", "path", s.path, "error", err)
		}
		return NewEnableState()
	}

	var st EnableState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("state file is corrupt, starting empty", "path", s.path, "error", err)
		return NewEnableState()
	}

	if st.ServerEnabled == nil {
		st.ServerEnabled = map[string]bool{}
	}
	if st.ToolEnabled == nil {
		st.ToolEnabled = map[string]bool{}
	}
	if st.ProviderStates == nil {
		st.ProviderStates = map[string]EnabledFlag{}
	}
	if st.ModelStates == nil {
		st.ModelStates = map[string]EnabledFlag{}
	}
	if st.FavoriteModels == nil {
		st.FavoriteModels = []string{}
	}
	if st.Version == 0 {
		st.Version = 1
	}
	return &st
}

// Save writes the state to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Marshal state as indented JSON
//  4. Write to path+".tmp" with 0600 permissions
//  5. Fsync the temp file
//  6. Rename path+".tmp" -> path
//  7. Release flock
//  8. Release mutex
func (s *FileStore) Save(st *EnableState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.logger.Debug("state saved", "path", s.path)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// Exists returns true if the state file exists on disk.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileStore) Path() string {
	return s.path
}
