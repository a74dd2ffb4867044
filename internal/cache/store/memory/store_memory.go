// Package memory implements the backing-tier store as in-process maps.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

const lockShards = 16

// Store keeps both indices in maps guarded by a RWMutex. Coordinate-map
// updates additionally serialize per object through a sharded lock table so
// the read-copy-update never loses a concurrently added sibling entry.
type Store struct {
	mu        sync.RWMutex
	byUID     map[domain.UniqueID]*source.Document
	versioned map[domain.ObjectID]map[string]*source.Document

	objectLocks [lockShards]sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byUID:     make(map[domain.UniqueID]*source.Document),
		versioned: make(map[domain.ObjectID]map[string]*source.Document),
	}
}

func (s *Store) objectLock(oid domain.ObjectID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(oid.String()))
	return &s.objectLocks[h.Sum32()%lockShards]
}

// GetByUniqueID implements store.Store.
func (s *Store) GetByUniqueID(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	s.mu.RLock()
	doc, ok := s.byUID[uid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrNotFound)
	}
	return doc, nil
}

// PutByUniqueID implements store.Store.
func (s *Store) PutByUniqueID(ctx context.Context, uid domain.UniqueID, doc *source.Document) error {
	s.mu.Lock()
	s.byUID[uid] = doc
	s.mu.Unlock()
	return nil
}

// GetVersioned implements store.Store.
func (s *Store) GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error) {
	s.mu.RLock()
	doc, ok := s.versioned[oid][vc.Key()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s at %s: %w", oid, vc, sentinel.ErrNotFound)
	}
	return doc, nil
}

// PutVersioned implements store.Store. The per-object lock serializes the
// read-copy-update against concurrent writers for the same object; writers
// for different objects only contend on the shard.
func (s *Store) PutVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection, doc *source.Document) error {
	lock := s.objectLock(oid)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing := s.versioned[oid]
	s.mu.RUnlock()

	next := make(map[string]*source.Document, len(existing)+1)
	for k, v := range existing {
		next[k] = v
	}
	next[vc.Key()] = doc

	s.mu.Lock()
	s.versioned[oid] = next
	s.mu.Unlock()
	return nil
}

// Invalidate implements store.Store. It takes the per-object lock so it
// cannot interleave inside PutVersioned's read-copy-update, which would let
// the writer resurrect the just-cleared coordinate map.
func (s *Store) Invalidate(ctx context.Context, oid domain.ObjectID) error {
	lock := s.objectLock(oid)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.versioned, oid)
	delete(s.byUID, oid.AtLatest())
	s.mu.Unlock()
	return nil
}

// Clear implements store.Store.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.byUID = make(map[domain.UniqueID]*source.Document)
	s.versioned = make(map[domain.ObjectID]map[string]*source.Document)
	s.mu.Unlock()
	return nil
}
