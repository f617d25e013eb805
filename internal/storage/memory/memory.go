// Package memory provides an in-process storage.Backend for tests and
// single-node development. Records do not survive a process restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/tenantd/internal/storage"
	"pkt.systems/tenantd/internal/uuidv7"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
}

type entry struct {
	rec  *storage.Record
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*entry)}
}

// LoadRecord returns a copy of the record stored for id.
func (s *Store) LoadRecord(_ context.Context, id string) (storage.LoadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	return storage.LoadResult{Record: e.rec.Clone(), ETag: e.etag}, nil
}

// StoreRecord writes rec under id honouring expectedETag.
func (s *Store) StoreRecord(_ context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[id]
	switch {
	case expectedETag == "" && exists:
		return "", storage.ErrCASMismatch
	case expectedETag != "" && (!exists || current.etag != expectedETag):
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewCompact()
	s.records[id] = &entry{rec: rec.Clone(), etag: etag}
	return etag, nil
}

// DeleteRecord removes id. An empty expectedETag deletes unconditionally.
func (s *Store) DeleteRecord(_ context.Context, id string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && current.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.records, id)
	return nil
}

// ListRecords returns all stored identities in lexical order.
func (s *Store) ListRecords(context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Close satisfies storage.Backend; the memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
