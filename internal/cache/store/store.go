// Package store defines the backing-tier key-value port of the tiered cache.
// The tiered cache only needs get/put/remove/clear semantics, so the backend
// is pluggable: an in-memory map for tests and single-node deployments, Redis
// for deployments that want the durable tier to survive restarts or be shared.
package store

import (
	"context"

	"livecache/internal/source"
	"livecache/pkg/domain"
)

// Store is the durable tier behind the front cache. Implementations must be
// safe for concurrent use.
//
// Two indices are kept: documents by UniqueID, and per-object maps keyed by
// VersionCorrection. Latest-marker UniqueIDs and coordinates containing
// "latest" are never written here; a "latest" result is only ever held
// transiently by the front tier. Invalidate removes the latest-marker key
// as well.
type Store interface {
	// GetByUniqueID returns the document stored under uid, or
	// sentinel.ErrNotFound (wrapped).
	GetByUniqueID(ctx context.Context, uid domain.UniqueID) (*source.Document, error)

	// PutByUniqueID stores a document under a pinned uid. Overwrites are
	// harmless: pinned snapshots are immutable, so any writer stores the
	// same value.
	PutByUniqueID(ctx context.Context, uid domain.UniqueID, doc *source.Document) error

	// GetVersioned returns the document stored for (oid, vc), or
	// sentinel.ErrNotFound (wrapped).
	GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error)

	// PutVersioned adds an entry to the object's coordinate map without
	// disturbing concurrently added sibling coordinates (read-modify-write,
	// never a blind overwrite of the map).
	PutVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection, doc *source.Document) error

	// Invalidate drops the object's whole coordinate map and its
	// latest-marker UniqueID entry. Pinned UniqueID entries survive: those
	// snapshots are immutable. Invalidation is advisory eviction and never
	// fails on absent keys.
	Invalidate(ctx context.Context, oid domain.ObjectID) error

	// Clear drops everything.
	Clear(ctx context.Context) error
}
