package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecache/internal/cache/store"
	storememory "livecache/internal/cache/store/memory"
	"livecache/internal/changes"
	"livecache/internal/source"
	sourcememory "livecache/internal/source/memory"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

// countingSource wraps the in-memory source and counts upstream reads so
// tests can assert what was served from cache.
type countingSource struct {
	*sourcememory.Store
	gets          atomic.Int64
	getVersioneds atomic.Int64
}

func (s *countingSource) Get(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, uid)
}

func (s *countingSource) GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error) {
	s.getVersioneds.Add(1)
	return s.Store.GetVersioned(ctx, oid, vc)
}

func (s *countingSource) reads() int64 {
	return s.gets.Load() + s.getVersioneds.Load()
}

type fixture struct {
	src      *countingSource
	cache    *Cache
	seen     atomic.Int64
	expected int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	src := &countingSource{Store: sourcememory.New()}
	c, err := New(src, storememory.New(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		src.Close()
	})
	f := &fixture{src: src, cache: c}
	// Counts events the cache re-publishes. Subscribed before any mutation,
	// so no event is missed.
	c.Changes().Subscribe(changes.ListenerFunc(func(changes.Event) {
		f.seen.Add(1)
	}))
	return f
}

// waitForInvalidation blocks until the cache has re-published n further
// events, which implies the corresponding invalidations were applied
// (invalidation happens synchronously before re-publication).
func (f *fixture) waitForInvalidation(t *testing.T, n int) {
	t.Helper()
	f.expected += int64(n)
	deadline := time.Now().Add(2 * time.Second)
	for f.seen.Load() < f.expected {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d re-published events, saw %d", f.expected, f.seen.Load())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func seed(t *testing.T, f *fixture, name string) *source.Document {
	t.Helper()
	doc, err := f.src.Add(context.Background(), name,
		domain.NewBundle(domain.ExternalID{Scheme: "TICKER", Value: name}), nil, []byte(name))
	require.NoError(t, err)
	return doc
}

func TestCache_ReadStabilityForPinnedID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")

	first, err := f.cache.Get(ctx, doc.UniqueID)
	require.NoError(t, err)

	readsAfterFirst := f.src.reads()
	for range 5 {
		again, err := f.cache.Get(ctx, doc.UniqueID)
		require.NoError(t, err)
		assert.True(t, again.Equal(first))
	}
	assert.Equal(t, readsAfterFirst, f.src.reads(), "repeated pinned gets must not touch the source")
}

func TestCache_LatestRequeriesAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")
	f.waitForInvalidation(t, 1) // the seed's Added event

	v1, err := f.cache.GetVersioned(ctx, doc.ObjectID(), domain.VersionCorrectionLatest)
	require.NoError(t, err)
	assert.Equal(t, []byte("ACME"), v1.Payload)

	// Served from front tier while nothing changed.
	reads := f.src.reads()
	_, err = f.cache.GetVersioned(ctx, doc.ObjectID(), domain.VersionCorrectionLatest)
	require.NoError(t, err)
	assert.Equal(t, reads, f.src.reads())

	_, err = f.src.Update(ctx, doc.ObjectID(), "ACME", doc.ExternalIDs, nil, []byte("v2"))
	require.NoError(t, err)
	f.waitForInvalidation(t, 1)

	v2, err := f.cache.GetVersioned(ctx, doc.ObjectID(), domain.VersionCorrectionLatest)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v2.Payload, "post-invalidation read must reflect the new version")
}

func TestCache_LatestUniqueIDRequeriesAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")
	f.waitForInvalidation(t, 1)

	v1, err := f.cache.Get(ctx, doc.ObjectID().AtLatest())
	require.NoError(t, err)
	assert.Equal(t, []byte("ACME"), v1.Payload)

	_, err = f.src.Update(ctx, doc.ObjectID(), "ACME", doc.ExternalIDs, nil, []byte("v2"))
	require.NoError(t, err)
	f.waitForInvalidation(t, 1)

	v2, err := f.cache.Get(ctx, doc.ObjectID().AtLatest())
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v2.Payload)
}

func TestCache_PinnedCoordinateSurvivesUnrelatedInvalidations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")
	other := seed(t, f, "OTHR")
	f.waitForInvalidation(t, 2)

	vc := domain.VersionCorrectionOf(time.Now().UTC(), time.Now().UTC())
	_, err := f.cache.GetVersioned(ctx, doc.ObjectID(), vc)
	require.NoError(t, err)

	reads := f.src.reads()
	for range 3 {
		_, err = f.src.Update(ctx, other.ObjectID(), "OTHR", other.ExternalIDs, nil, []byte("x"))
		require.NoError(t, err)
	}
	f.waitForInvalidation(t, 3)

	_, err = f.cache.GetVersioned(ctx, doc.ObjectID(), vc)
	require.NoError(t, err)
	assert.Equal(t, reads, f.src.reads(), "unrelated invalidations must not evict the pinned entry")

	// An invalidation for the object itself does evict it.
	_, err = f.src.Update(ctx, doc.ObjectID(), "ACME", doc.ExternalIDs, nil, []byte("y"))
	require.NoError(t, err)
	f.waitForInvalidation(t, 1)

	_, err = f.cache.GetVersioned(ctx, doc.ObjectID(), vc)
	require.NoError(t, err)
	assert.Greater(t, f.src.reads(), reads)
}

func TestCache_GetBulkPartialSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := seed(t, f, "A")
	c := seed(t, f, "C")
	missing := domain.NewObjectID().AtVersion("1.0")

	got, err := f.cache.GetBulk(ctx, []domain.UniqueID{a.UniqueID, missing, c.UniqueID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[a.UniqueID].Equal(a))
	assert.True(t, got[c.UniqueID].Equal(c))
	_, present := got[missing]
	assert.False(t, present)
}

func TestCache_NotFoundIsNeverCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	uid := domain.NewObjectID().AtVersion("1.0")
	_, err := f.cache.Get(ctx, uid)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	reads := f.src.reads()
	_, err = f.cache.Get(ctx, uid)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Greater(t, f.src.reads(), reads, "a not-found must re-query the source every time")
}

func TestCache_RepublishesEventsAfterInvalidating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")
	f.waitForInvalidation(t, 1)

	_, err := f.cache.GetVersioned(ctx, doc.ObjectID(), domain.VersionCorrectionLatest)
	require.NoError(t, err)

	// Downstream listener observes the event only after the cache stopped
	// serving the stale value.
	type observation struct {
		event changes.Event
		doc   *source.Document
	}
	results := make(chan observation, 1)
	listener := changes.ListenerFunc(func(event changes.Event) {
		got, err := f.cache.GetVersioned(context.Background(), event.ObjectID, domain.VersionCorrectionLatest)
		if err != nil {
			return
		}
		select {
		case results <- observation{event: event, doc: got}:
		default:
		}
	})
	f.cache.Changes().Subscribe(listener)
	defer f.cache.Changes().Unsubscribe(listener)

	_, err = f.src.Update(ctx, doc.ObjectID(), "ACME", doc.ExternalIDs, nil, []byte("v2"))
	require.NoError(t, err)

	select {
	case obs := <-results:
		assert.Equal(t, changes.TypeChanged, obs.event.Type)
		assert.Equal(t, doc.ObjectID(), obs.event.ObjectID)
		assert.Equal(t, []byte("v2"), obs.doc.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for re-published event")
	}
}

func TestCache_ConcurrentMissesAgreeOnValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc := seed(t, f, "ACME")

	const readers = 16
	docs := make([]*source.Document, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.cache.Get(ctx, doc.UniqueID)
			assert.NoError(t, err)
			docs[i] = got
		}()
	}
	wg.Wait()

	for _, got := range docs {
		require.NotNil(t, got)
		assert.True(t, got.Equal(doc))
	}
}

func TestCache_InvalidArgument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.cache.Get(ctx, domain.UniqueID{})
	assert.ErrorIs(t, err, sentinel.ErrInvalidArgument)

	_, err = f.cache.GetVersioned(ctx, domain.ObjectID{}, domain.VersionCorrectionLatest)
	assert.ErrorIs(t, err, sentinel.ErrInvalidArgument)
}

// narrowBusSource substitutes a shallow change bus so a queue overflow is
// cheap to trigger. Events are published by the test, not by the store.
type narrowBusSource struct {
	*sourcememory.Store
	bus *changes.Bus
}

func (s *narrowBusSource) Changes() *changes.Bus {
	return s.bus
}

// stallingStore blocks its first Invalidate until released, keeping the
// cache's delivery goroutine busy while the queue overflows behind it.
type stallingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	first   sync.Once
}

func (s *stallingStore) Invalidate(ctx context.Context, oid domain.ObjectID) error {
	s.first.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.Invalidate(ctx, oid)
}

func TestCache_OverflowFlushesRatherThanServingStale(t *testing.T) {
	ctx := context.Background()

	inner := sourcememory.New()
	defer inner.Close()
	bus := changes.NewBus(changes.WithQueueSize(1))
	defer bus.Close()
	src := &narrowBusSource{Store: inner, bus: bus}

	backing := &stallingStore{
		Store:   storememory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := New(src, backing)
	require.NoError(t, err)
	defer c.Close()

	doc, err := inner.Add(ctx, "ACME",
		domain.NewBundle(domain.ExternalID{Scheme: "TICKER", Value: "ACME"}), nil, []byte("v1"))
	require.NoError(t, err)

	v1, err := c.Get(ctx, doc.ObjectID().AtLatest())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v1.Payload)

	_, err = inner.Update(ctx, doc.ObjectID(), "ACME", doc.ExternalIDs, nil, []byte("v2"))
	require.NoError(t, err)

	// Occupy the delivery goroutine with an unrelated invalidation, then
	// let the update's own event be dropped by queue overflow behind it.
	bus.Publish(changes.Event{Type: changes.TypeChanged, ObjectID: domain.NewObjectID(), At: time.Now()})
	<-backing.entered
	bus.Publish(changes.Event{Type: changes.TypeChanged, ObjectID: doc.ObjectID(), At: time.Now()})
	bus.Publish(changes.Event{Type: changes.TypeChanged, ObjectID: domain.NewObjectID(), At: time.Now()})
	close(backing.release)

	// The dropped invalidation must not leave the pre-update value
	// servable; the recorded gap forces a wholesale flush instead.
	require.Eventually(t, func() bool {
		got, err := c.Get(ctx, doc.ObjectID().AtLatest())
		return err == nil && string(got.Payload) == "v2"
	}, 2*time.Second, 5*time.Millisecond, "cache kept serving the pre-change value after an overflow")
}
