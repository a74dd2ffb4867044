// Package index caches external-id bundle resolutions on top of the tiered
// cache. Bundle-to-id mappings cannot be cheaply checked for partial
// staleness, so the whole index is disposable: any upstream change event
// flushes it and it rebuilds lazily.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"livecache/internal/changes"
	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

// DocumentCache is the slice of the tiered cache the index needs.
type DocumentCache interface {
	Get(ctx context.Context, uid domain.UniqueID) (*source.Document, error)
	Prime(ctx context.Context, doc *source.Document)
	Changes() *changes.Bus
}

type entryKey struct {
	bundleKey string
	vcKey     string
}

// Cache resolves bundles through the underlying source, remembering the
// resulting ordered id lists for pinned coordinates. Coordinates containing
// "latest" always delegate: the ambiguity of "latest" makes bundle caching
// unsafe.
type Cache struct {
	bundles source.BundleSource
	docs    DocumentCache

	mu      sync.RWMutex
	entries map[entryKey][]domain.UniqueID
}

// New builds the index and subscribes it to the document cache's bus so any
// change flushes it. Close detaches the subscription.
func New(bundles source.BundleSource, docs DocumentCache) *Cache {
	c := &Cache{
		bundles: bundles,
		docs:    docs,
		entries: make(map[entryKey][]domain.UniqueID),
	}
	docs.Changes().Subscribe(c)
	return c
}

// Close detaches the index from the document cache's bus.
func (c *Cache) Close() {
	c.docs.Changes().Unsubscribe(c)
}

// EntityChanged implements changes.Listener: wholesale flush.
func (c *Cache) EntityChanged(changes.Event) {
	c.flush()
}

// QueueOverflowed implements changes.OverflowListener. A gap is no worse
// than a change: the index flushes wholesale either way.
func (c *Cache) QueueOverflowed() {
	c.flush()
}

func (c *Cache) flush() {
	c.mu.Lock()
	c.entries = make(map[entryKey][]domain.UniqueID)
	c.mu.Unlock()
}

// Get returns all documents matching the bundle at the coordinate.
func (c *Cache) Get(ctx context.Context, bundle domain.Bundle, vc domain.VersionCorrection) ([]*source.Document, error) {
	if len(bundle) == 0 {
		return nil, fmt.Errorf("empty bundle: %w", sentinel.ErrInvalidArgument)
	}
	if vc.ContainsLatest() {
		return c.bundles.GetByBundle(ctx, bundle, vc)
	}

	key := entryKey{bundleKey: bundle.Key(), vcKey: vc.Key()}
	if ids, ok := c.lookup(key); ok {
		return c.resolve(ctx, ids)
	}

	docs, err := c.bundles.GetByBundle(ctx, bundle, vc)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, docs)
	return docs, nil
}

// GetSingle returns one matching document: the first cached candidate that
// still resolves. Candidates removed from the source since the mapping was
// cached are skipped rather than failing the call; if none survive the
// result is not-found.
func (c *Cache) GetSingle(ctx context.Context, bundle domain.Bundle, vc domain.VersionCorrection) (*source.Document, error) {
	if len(bundle) == 0 {
		return nil, fmt.Errorf("empty bundle: %w", sentinel.ErrInvalidArgument)
	}
	if vc.ContainsLatest() {
		docs, err := c.bundles.GetByBundle(ctx, bundle, vc)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("bundle %s: %w", bundle.Key(), sentinel.ErrNotFound)
		}
		sortDocs(docs)
		return docs[0], nil
	}

	key := entryKey{bundleKey: bundle.Key(), vcKey: vc.Key()}
	ids, ok := c.lookup(key)
	if !ok {
		docs, err := c.bundles.GetByBundle(ctx, bundle, vc)
		if err != nil {
			return nil, err
		}
		ids = c.store(ctx, key, docs)
	}

	for _, uid := range ids {
		doc, err := c.docs.Get(ctx, uid)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("bundle %s: %w", bundle.Key(), sentinel.ErrNotFound)
}

// GetAll resolves several bundles, answering what it can from the index and
// fetching the rest in one batched underlying call. The result is keyed by
// Bundle.Key; unmatched bundles map to an empty slice.
func (c *Cache) GetAll(ctx context.Context, bundles []domain.Bundle, vc domain.VersionCorrection) (map[string][]*source.Document, error) {
	if vc.ContainsLatest() {
		return c.bundles.GetByBundles(ctx, bundles, vc)
	}

	out := make(map[string][]*source.Document, len(bundles))
	var missing []domain.Bundle
	for _, bundle := range bundles {
		key := entryKey{bundleKey: bundle.Key(), vcKey: vc.Key()}
		if ids, ok := c.lookup(key); ok {
			docs, err := c.resolve(ctx, ids)
			if err != nil {
				return nil, err
			}
			out[bundle.Key()] = docs
		} else {
			missing = append(missing, bundle)
		}
	}

	if len(missing) > 0 {
		fetched, err := c.bundles.GetByBundles(ctx, missing, vc)
		if err != nil {
			return nil, err
		}
		for _, bundle := range missing {
			docs := fetched[bundle.Key()]
			c.store(ctx, entryKey{bundleKey: bundle.Key(), vcKey: vc.Key()}, docs)
			if docs == nil {
				docs = []*source.Document{}
			}
			out[bundle.Key()] = docs
		}
	}
	return out, nil
}

func (c *Cache) lookup(key entryKey) ([]domain.UniqueID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.entries[key]
	return ids, ok
}

// store sorts the documents for reproducible ordering, caches the id list
// (an empty list too, to avoid repeated negative lookups), and primes the
// document cache with the fetched values.
func (c *Cache) store(ctx context.Context, key entryKey, docs []*source.Document) []domain.UniqueID {
	sortDocs(docs)
	ids := make([]domain.UniqueID, len(docs))
	for i, doc := range docs {
		ids[i] = doc.UniqueID
		c.docs.Prime(ctx, doc)
	}
	c.mu.Lock()
	c.entries[key] = ids
	c.mu.Unlock()
	return ids
}

// resolve maps cached ids back to documents. Ids that no longer resolve are
// dropped; any other failure propagates so a degraded document cache is
// never mistaken for a thinner match list.
func (c *Cache) resolve(ctx context.Context, ids []domain.UniqueID) ([]*source.Document, error) {
	out := make([]*source.Document, 0, len(ids))
	for _, uid := range ids {
		doc, err := c.docs.Get(ctx, uid)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func sortDocs(docs []*source.Document) {
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UniqueID.String() < docs[j].UniqueID.String()
	})
}
