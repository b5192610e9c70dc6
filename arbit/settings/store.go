// Package settings implements the SettingsStore: durable, mutable
// configuration with atomic snapshot reads and change notifications.
//
// AppSettings values are always handled as immutable snapshots: every read
// returns a private copy, and every mutation replaces the stored value
// wholesale rather than editing it in place.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/types"
)

// Store owns the single writable copy of AppSettings, persists it to disk
// on every mutation, and fans out change notifications.
type Store struct {
	mu      sync.RWMutex
	current types.AppSettings
	path    string
	logger  *logrus.Entry

	changes chan types.AppSettings
}

// Open loads AppSettings from path if it exists, or seeds it with
// types.DefaultSettings() and writes that out, then returns a ready Store.
// A present-but-unparseable file is ErrPersistentStateCorrupt — distinct
// from "file does not exist yet" — so the CLI can exit 3 for corrupt state
// and 2 for invalid config.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		logger = logrus.WithField("component", "settings")
	}
	s := &Store{
		path:    path,
		logger:  logger,
		changes: make(chan types.AppSettings, 16),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.current = types.DefaultSettings()
		if werr := s.persist(s.current); werr != nil {
			return nil, fmt.Errorf("settings: seed initial file: %w", werr)
		}
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	default:
		var loaded types.AppSettings
		if jerr := json.Unmarshal(data, &loaded); jerr != nil {
			return nil, fmt.Errorf("settings: parse %s: %w: %w", path, errs.ErrPersistentStateCorrupt, jerr)
		}
		s.current = loaded
	}

	return s, nil
}

// Snapshot returns an independent copy of the current settings. Every
// component takes a fresh snapshot at the start of each logical operation.
func (s *Store) Snapshot() types.AppSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Changes returns the notification stream: one AppSettings snapshot per
// successful Apply call. The channel is small and buffered. Sends prefer
// delivery over silent loss: when the buffer is full, Apply logs a warning
// and then blocks until a consumer receives the update.
func (s *Store) Changes() <-chan types.AppSettings {
	return s.changes
}

// Apply computes a new settings value from the current snapshot, persists
// it, swaps it in atomically, and publishes the change. mutator must be a
// pure function of its input.
func (s *Store) Apply(mutator func(types.AppSettings) types.AppSettings) (types.AppSettings, error) {
	s.mu.Lock()
	next := mutator(s.current.Clone())
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return types.AppSettings{}, fmt.Errorf("settings: persist: %w", err)
	}
	s.current = next
	out := next.Clone()
	s.mu.Unlock()

	select {
	case s.changes <- out.Clone():
	default:
		s.logger.Warn("settings change stream full, change notification delayed")
		s.changes <- out.Clone()
	}
	return out, nil
}

// persist writes settings to a temp file in the same directory and renames
// it into place, so a crash mid-write never leaves a half-written document.
func (s *Store) persist(v types.AppSettings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Touch re-persists the current in-memory value unchanged, overwriting the
// on-disk document with a freshly written copy.
func (s *Store) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(s.current)
}

// LastModified reports the modification time of the persisted file.
func (s *Store) LastModified() (time.Time, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
