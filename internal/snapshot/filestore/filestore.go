// Package filestore persists snapshots as a JSON file on local disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/snapshot"
)

// Store writes the snapshot to a single file. Writes go to a temp file in the
// same directory and are renamed into place, so readers never see a torn file.
type Store struct {
	path string
}

// New returns a Store for path. The parent directory must exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Save atomically replaces the snapshot file.
func (s *Store) Save(_ context.Context, snap *correlate.Snapshot) error {
	b, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}

	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) //nolint:errcheck // no-op after a successful rename

	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing or empty file is not an error.
func (s *Store) Load(_ context.Context) (*correlate.Snapshot, bool, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	if len(b) == 0 {
		return nil, false, nil
	}
	snap, err := snapshot.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}
