// Package store implements the atomic JSON persistence spec.md §4.2 and §6
// require: write to a temp file, fsync, rename over the target; on read,
// promote an orphaned .tmp if the main file went missing mid-rename; and
// quarantine a file that fails to parse instead of losing it silently.
//
// The tmp-then-rename shape is grounded on the session-checkpoint writer in
// deb2000-sudo-trackshift/internal/session/manager.go; the write lock uses
// github.com/gofrs/flock the way the teacher's audit log guards concurrent
// writers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Store roots every persisted file under a single base directory
// (spec.md's <download_dir>/.lan_share).
type Store struct {
	baseDir string
}

// New creates (if needed) and returns a Store rooted at baseDir.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Path joins the store's base directory with the given relative segments.
// It does not create any directories; WriteJSON and MkdirAll do that.
func (s *Store) Path(elems ...string) string {
	return filepath.Join(append([]string{s.baseDir}, elems...)...)
}

// MkdirAll ensures the directory for a relative path exists.
func (s *Store) MkdirAll(elems ...string) error {
	return os.MkdirAll(s.Path(elems...), 0755)
}

// WriteJSON atomically writes v as JSON to the relative path, under an
// exclusive file lock scoped to that path.
func (s *Store) WriteJSON(relPath string, v any) error {
	path := s.Path(relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("store: lock %s: %w", relPath, err)
	}
	defer lock.Unlock()

	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: atomic rename: %w", err)
	}
	return nil
}

// ReadJSON reads and unmarshals the relative path into v. If the main file
// is absent but an orphaned .tmp exists (a crash mid-rename), the .tmp is
// promoted and used. Returns os.ErrNotExist-wrapping error if neither
// exists.
func (s *Store) ReadJSON(relPath string, v any) error {
	path := s.Path(relPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("store: read %s: %w", relPath, err)
		}
		tmpData, tmpErr := os.ReadFile(path + ".tmp")
		if tmpErr != nil {
			return err
		}
		if renameErr := os.Rename(path+".tmp", path); renameErr != nil {
			return fmt.Errorf("store: promote orphaned tmp: %w", renameErr)
		}
		data = tmpData
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", relPath, err)
	}
	return nil
}

// Quarantine renames a record that failed to parse out of the way so a
// fresh transfer can start without losing the original bytes.
func (s *Store) Quarantine(relPath string) error {
	path := s.Path(relPath)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(path, path+".corrupt")
}

// Remove deletes the relative path, treating "already gone" as success.
func (s *Store) Remove(relPath string) error {
	err := os.Remove(s.Path(relPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether the relative path exists.
func (s *Store) Exists(relPath string) bool {
	_, err := os.Stat(s.Path(relPath))
	return err == nil
}
