// Package memstore provides an in-memory implementation of snapshot.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/hush/internal/correlate"
	"github.com/linnemanlabs/hush/internal/snapshot"
)

// Store holds the encoded snapshot in memory. Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

// New initializes an empty Store.
func New() *Store {
	return &Store{}
}

// Save stores an encoded copy of s.
func (s *Store) Save(_ context.Context, snap *correlate.Snapshot) error {
	b, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = b
	s.saves++
	return nil
}

// Load decodes the stored snapshot. Each call returns a fresh copy.
func (s *Store) Load(_ context.Context) (*correlate.Snapshot, bool, error) {
	s.mu.RLock()
	b := s.data
	s.mu.RUnlock()
	if b == nil {
		return nil, false, nil
	}
	snap, err := snapshot.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Saves reports how many times Save succeeded.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
