// Package source defines the versioned-source port the cache tiers sit in
// front of. The production master lives behind this interface; the in-memory
// implementation under source/memory backs tests and development mode.
package source

import (
	"bytes"
	"context"
	"maps"

	"livecache/internal/changes"
	"livecache/pkg/domain"
)

// Document is one immutable version of a stored entity. UniqueID is always
// pinned to a concrete version, even when the document was fetched through a
// "latest" query.
type Document struct {
	UniqueID    domain.UniqueID
	Name        string
	ExternalIDs domain.Bundle
	Attributes  map[string]string
	Payload     []byte
}

// ObjectID returns the version-independent identity of the document.
func (d *Document) ObjectID() domain.ObjectID {
	return d.UniqueID.ObjectID()
}

// Equal compares documents by value.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.UniqueID == other.UniqueID &&
		d.Name == other.Name &&
		d.ExternalIDs.Key() == other.ExternalIDs.Key() &&
		maps.Equal(d.Attributes, other.Attributes) &&
		bytes.Equal(d.Payload, other.Payload)
}

// Source is a read-only accessor over versioned entities. Get and
// GetVersioned fail with sentinel.ErrNotFound (wrapped) when no version
// satisfies the query; any other error is an upstream fault and is propagated
// unchanged by the layers above.
type Source interface {
	// Get returns the snapshot identified by uid. A latest-marker uid
	// resolves to whichever version is currently valid.
	Get(ctx context.Context, uid domain.UniqueID) (*Document, error)

	// GetVersioned returns the version of the object valid at the given
	// bitemporal coordinate.
	GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*Document, error)

	// Changes returns the bus carrying this source's mutation events. The
	// bus is owned by the source; callers subscribe and unsubscribe only.
	Changes() *changes.Bus
}

// BundleSource resolves external-id bundles to documents. Resolution is
// any-of: a document matches when it carries at least one id in the bundle.
type BundleSource interface {
	// GetByBundle returns every document matching the bundle at the given
	// coordinate. An empty result is not an error.
	GetByBundle(ctx context.Context, bundle domain.Bundle, vc domain.VersionCorrection) ([]*Document, error)

	// GetByBundles resolves several bundles in one underlying call. The
	// result is keyed by Bundle.Key; bundles with no match map to an empty
	// slice.
	GetByBundles(ctx context.Context, bundles []domain.Bundle, vc domain.VersionCorrection) (map[string][]*Document, error)
}
