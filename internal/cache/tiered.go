// Package cache implements the tiered cache that sits in front of a
// versioned source. A bounded LRU front tier answers hot lookups; a durable
// backing store answers the rest; everything else is fetched from the source.
// The cache subscribes to the source's change bus before construction
// returns, applies invalidations synchronously in the listener, and
// re-publishes each event on its own bus so further caches and the push layer
// stay coherent.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"livecache/internal/cache/metrics"
	"livecache/internal/cache/store"
	"livecache/internal/changes"
	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

const defaultFrontTierSize = 1024

// versionedKey keys the front tier's (object, coordinate) index.
type versionedKey struct {
	oid   domain.ObjectID
	vcKey string
}

// Cache is a tiered cache over a source.Source. It exposes the same read
// contract as the source plus its own change bus.
type Cache struct {
	src     source.Source
	backing store.Store

	frontUID       *lru.Cache[domain.UniqueID, *source.Document]
	frontVersioned *lru.Cache[versionedKey, *source.Document]

	sf     singleflight.Group
	bus    *changes.Bus
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	frontTierSize int
	logger        *slog.Logger
}

// WithFrontTierSize bounds each front-tier index to n entries.
func WithFrontTierSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.frontTierSize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New builds the cache and subscribes it to the source's change bus. The
// subscription is live before New returns, so an invalidation for an object
// always happens before any later population that reflects the new data.
func New(src source.Source, backing store.Store, opts ...Option) (*Cache, error) {
	o := options{frontTierSize: defaultFrontTierSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	frontUID, err := lru.New[domain.UniqueID, *source.Document](o.frontTierSize)
	if err != nil {
		return nil, fmt.Errorf("front tier: %w", err)
	}
	frontVersioned, err := lru.New[versionedKey, *source.Document](o.frontTierSize)
	if err != nil {
		return nil, fmt.Errorf("front tier: %w", err)
	}

	c := &Cache{
		src:            src,
		backing:        backing,
		frontUID:       frontUID,
		frontVersioned: frontVersioned,
		bus:            changes.NewBus(),
		logger:         o.logger,
		tracer:         otel.Tracer("livecache/cache"),
	}
	src.Changes().Subscribe(c)
	return c, nil
}

// Changes returns the bus on which the cache re-publishes upstream events
// after applying its own invalidation.
func (c *Cache) Changes() *changes.Bus {
	return c.bus
}

// Close detaches from the source and shuts down the re-publication bus.
func (c *Cache) Close() {
	c.src.Changes().Unsubscribe(c)
	c.bus.Close()
}

// EntityChanged implements changes.Listener. Invalidation runs synchronously
// here so that by the time the event reaches downstream listeners the cache
// no longer serves pre-change data.
func (c *Cache) EntityChanged(event changes.Event) {
	c.invalidate(event.ObjectID)
	c.bus.Publish(event)
}

// QueueOverflowed implements changes.OverflowListener. A gap in the change
// stream could hide an invalidation, so both tiers are flushed wholesale and
// the gap is passed down the cache's own bus. Expensive, but a dropped event
// must never leave stale data servable.
func (c *Cache) QueueOverflowed() {
	c.frontUID.Purge()
	c.frontVersioned.Purge()
	if err := c.backing.Clear(context.Background()); err != nil && c.logger != nil {
		c.logger.Warn("backing tier clear failed", "error", err.Error())
	}
	metrics.IncInvalidation()
	c.bus.Overflow()
}

// invalidate conservatively drops everything for the object that could go
// stale: the latest-marker entry in both tiers, and every coordinate-keyed
// entry in both tiers. Pinned UniqueID entries are immutable and stay.
// False negatives (re-fetching valid data) are acceptable; serving stale data
// is not.
func (c *Cache) invalidate(oid domain.ObjectID) {
	c.frontUID.Remove(oid.AtLatest())
	for _, key := range c.frontVersioned.Keys() {
		if key.oid == oid {
			c.frontVersioned.Remove(key)
		}
	}
	if err := c.backing.Invalidate(context.Background(), oid); err != nil && c.logger != nil {
		c.logger.Warn("backing tier invalidation failed",
			"object_id", oid.String(),
			"error", err.Error(),
		)
	}
	metrics.IncInvalidation()
}

// Get returns the document identified by uid, consulting front tier, backing
// tier and source in that order. Latest-marker lookups skip the backing tier:
// a latest result is never durably cached, so it cannot hit there.
func (c *Cache) Get(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	if uid.IsNil() {
		return nil, fmt.Errorf("nil unique id: %w", sentinel.ErrInvalidArgument)
	}

	if doc, ok := c.frontUID.Get(uid); ok {
		metrics.IncFrontHit()
		return doc, nil
	}

	if !uid.IsLatest() {
		doc, err := c.backing.GetByUniqueID(ctx, uid)
		if err == nil {
			metrics.IncBackingHit()
			c.frontUID.Add(uid, doc)
			return doc, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			c.warnBackingTier(uid.String(), err)
		}
	}

	metrics.IncMiss()
	result, err, _ := c.sf.Do("uid\x00"+uid.String(), func() (any, error) {
		doc, err := c.fetch(ctx, uid, func(ctx context.Context) (*source.Document, error) {
			return c.src.Get(ctx, uid)
		})
		if err != nil {
			return nil, err
		}
		c.populateUnique(ctx, uid, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*source.Document), nil
}

// GetVersioned returns the version of the object valid at the coordinate,
// consulting the tiers like Get. Coordinates containing "latest" are never
// read from or written to the backing tier.
func (c *Cache) GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error) {
	if oid.IsNil() {
		return nil, fmt.Errorf("nil object id: %w", sentinel.ErrInvalidArgument)
	}

	key := versionedKey{oid: oid, vcKey: vc.Key()}
	if doc, ok := c.frontVersioned.Get(key); ok {
		metrics.IncFrontHit()
		return doc, nil
	}

	if !vc.ContainsLatest() {
		doc, err := c.backing.GetVersioned(ctx, oid, vc)
		if err == nil {
			metrics.IncBackingHit()
			c.frontVersioned.Add(key, doc)
			c.putBacking(ctx, doc)
			return doc, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			c.warnBackingTier(oid.String(), err)
		}
	}

	metrics.IncMiss()
	result, err, _ := c.sf.Do("vc\x00"+oid.String()+"\x00"+vc.Key(), func() (any, error) {
		doc, err := c.fetch(ctx, oid.AtLatest(), func(ctx context.Context) (*source.Document, error) {
			return c.src.GetVersioned(ctx, oid, vc)
		})
		if err != nil {
			return nil, err
		}
		c.frontUID.Add(doc.UniqueID, doc)
		c.frontVersioned.Add(key, doc)
		c.putBacking(ctx, doc)
		if !vc.ContainsLatest() {
			if err := c.backing.PutVersioned(ctx, oid, vc, doc); err != nil {
				c.warnBackingTier(oid.String(), err)
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*source.Document), nil
}

// Prime stores an already-fetched pinned snapshot in both tiers. The
// secondary-index cache uses it so bundle resolutions warm the document
// cache. Latest-marker documents cannot be primed; they are silently skipped.
func (c *Cache) Prime(ctx context.Context, doc *source.Document) {
	if doc == nil || doc.UniqueID.IsLatest() {
		return
	}
	c.frontUID.Add(doc.UniqueID, doc)
	c.putBacking(ctx, doc)
}

// GetBulk fetches each id through Get. Ids the source does not know are
// simply absent from the result; partial success is the contract. Any error
// other than not-found aborts the whole call so a degraded upstream is never
// mistaken for missing data.
func (c *Cache) GetBulk(ctx context.Context, uids []domain.UniqueID) (map[domain.UniqueID]*source.Document, error) {
	out := make(map[domain.UniqueID]*source.Document, len(uids))
	for _, uid := range uids {
		doc, err := c.Get(ctx, uid)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[uid] = doc
	}
	return out, nil
}

// fetch calls the source under a span and a latency metric. Errors propagate
// unchanged: the cache performs no retries, and NotFound is never cached.
func (c *Cache) fetch(ctx context.Context, uid domain.UniqueID, get func(context.Context) (*source.Document, error)) (*source.Document, error) {
	ctx, span := c.tracer.Start(ctx, "source.fetch",
		trace.WithAttributes(attribute.String("livecache.id", uid.String())))
	defer span.End()

	start := time.Now()
	doc, err := get(ctx)
	metrics.ObserveSourceFetch(time.Since(start).Seconds())
	return doc, err
}

// populateUnique stores a freshly fetched document under the requested uid
// and, when the request was a latest marker, under the resolved concrete uid
// as well. The latest-marker entry only ever lives in the front tier.
func (c *Cache) populateUnique(ctx context.Context, requested domain.UniqueID, doc *source.Document) {
	c.frontUID.Add(requested, doc)
	if requested.IsLatest() {
		c.frontUID.Add(doc.UniqueID, doc)
	}
	c.putBacking(ctx, doc)
}

// putBacking writes the pinned snapshot durably. Population is best effort:
// a failing backing tier degrades the cache, it does not fail the read.
func (c *Cache) putBacking(ctx context.Context, doc *source.Document) {
	if err := c.backing.PutByUniqueID(ctx, doc.UniqueID, doc); err != nil {
		c.warnBackingTier(doc.UniqueID.String(), err)
	}
}

func (c *Cache) warnBackingTier(key string, err error) {
	if c.logger != nil {
		c.logger.Warn("backing tier error", "key", key, "error", err.Error())
	}
}
