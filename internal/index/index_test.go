package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecache/internal/changes"
	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

// fakeDocs is a DocumentCache double backed by a plain map; removing an
// entry does NOT raise a change event, which is exactly the situation a
// cached id list must tolerate.
type fakeDocs struct {
	docs     map[domain.UniqueID]*source.Document
	bus      *changes.Bus
	failWith error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs: make(map[domain.UniqueID]*source.Document),
		bus:  changes.NewBus(),
	}
}

func (f *fakeDocs) Get(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	doc, ok := f.docs[uid]
	if !ok {
		return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeDocs) Prime(ctx context.Context, doc *source.Document) {
	f.docs[doc.UniqueID] = doc
}

func (f *fakeDocs) Changes() *changes.Bus {
	return f.bus
}

// countingBundles is a BundleSource double with a fixed answer per bundle
// key and a call counter.
type countingBundles struct {
	answers map[string][]*source.Document
	calls   atomic.Int64
}

func (b *countingBundles) GetByBundle(ctx context.Context, bundle domain.Bundle, vc domain.VersionCorrection) ([]*source.Document, error) {
	b.calls.Add(1)
	return b.answers[bundle.Key()], nil
}

func (b *countingBundles) GetByBundles(ctx context.Context, bundles []domain.Bundle, vc domain.VersionCorrection) (map[string][]*source.Document, error) {
	b.calls.Add(1)
	out := make(map[string][]*source.Document, len(bundles))
	for _, bundle := range bundles {
		docs := b.answers[bundle.Key()]
		if docs == nil {
			docs = []*source.Document{}
		}
		out[bundle.Key()] = docs
	}
	return out, nil
}

func doc(version string) *source.Document {
	return &source.Document{
		UniqueID: domain.NewObjectID().AtVersion(version),
		Name:     "doc " + version,
	}
}

func pinnedVC() domain.VersionCorrection {
	now := time.Now().UTC()
	return domain.VersionCorrectionOf(now, now)
}

func bundleOf(value string) domain.Bundle {
	return domain.NewBundle(domain.ExternalID{Scheme: "TICKER", Value: value})
}

func TestIndex_PinnedLookupsAreCached(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	d := doc("1.0")
	bundle := bundleOf("ACME")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {d}}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	first, err := idx.Get(ctx, bundle, vc)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), bundles.calls.Load())

	// Second lookup answers from the index and resolves through the
	// document cache, which was primed by the first call.
	second, err := idx.Get(ctx, bundle, vc)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Equal(d))
	assert.Equal(t, int64(1), bundles.calls.Load())
}

func TestIndex_LatestAlwaysDelegates(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	bundle := bundleOf("ACME")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {doc("1.0")}}}

	idx := New(bundles, docs)
	defer idx.Close()

	for i := range 3 {
		_, err := idx.Get(ctx, bundle, domain.VersionCorrectionLatest)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), bundles.calls.Load())
	}
}

func TestIndex_EmptyResultIsCached(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	bundle := bundleOf("NONE")
	bundles := &countingBundles{answers: map[string][]*source.Document{}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	for range 3 {
		got, err := idx.Get(ctx, bundle, vc)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, int64(1), bundles.calls.Load(), "negative result must be cached too")
}

func TestIndex_GetSingleFallsThroughRemovedCandidates(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	first := doc("1.0")
	second := doc("1.0")
	// Deterministic preference order is by UniqueID string.
	if second.UniqueID.String() < first.UniqueID.String() {
		first, second = second, first
	}

	bundle := bundleOf("ACME")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {first, second}}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	got, err := idx.GetSingle(ctx, bundle, vc)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	// The preferred candidate vanishes from the document cache without any
	// change event reaching the index; the next resolve falls through.
	delete(docs.docs, first.UniqueID)

	got, err = idx.GetSingle(ctx, bundle, vc)
	require.NoError(t, err)
	assert.True(t, got.Equal(second))

	// When every candidate is gone the result is not-found, not a panic.
	delete(docs.docs, second.UniqueID)
	_, err = idx.GetSingle(ctx, bundle, vc)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestIndex_CachedHitPropagatesDegradedDocumentCache(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	d := doc("1.0")
	bundle := bundleOf("ACME")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {d}}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	_, err := idx.Get(ctx, bundle, vc)
	require.NoError(t, err)

	// The document cache degrades after the mapping was cached. A cached
	// hit must surface the failure, not shrink the match list.
	docs.failWith = fmt.Errorf("backing tier down: %w", sentinel.ErrUnavailable)

	_, err = idx.Get(ctx, bundle, vc)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)

	out, err := idx.GetAll(ctx, []domain.Bundle{bundle}, vc)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Nil(t, out)
}

func TestIndex_FlushedWholesaleOnAnyChange(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	bundle := bundleOf("ACME")
	d := doc("1.0")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {d}}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	_, err := idx.Get(ctx, bundle, vc)
	require.NoError(t, err)
	require.Equal(t, int64(1), bundles.calls.Load())

	// A change to a completely unrelated object still flushes everything.
	docs.bus.Publish(changes.Event{Type: changes.TypeChanged, ObjectID: domain.NewObjectID(), At: time.Now()})

	require.Eventually(t, func() bool {
		_, err := idx.Get(ctx, bundle, vc)
		return err == nil && bundles.calls.Load() == 2
	}, 2*time.Second, 5*time.Millisecond, "index should requery after the flush")
}

func TestIndex_FlushedOnChangeStreamGap(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	bundle := bundleOf("ACME")
	bundles := &countingBundles{answers: map[string][]*source.Document{bundle.Key(): {doc("1.0")}}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	_, err := idx.Get(ctx, bundle, vc)
	require.NoError(t, err)
	require.Equal(t, int64(1), bundles.calls.Load())

	// A gap in the change stream could hide any mutation, so it flushes
	// like a change does.
	var gapped changes.OverflowListener = idx
	gapped.QueueOverflowed()

	_, err = idx.Get(ctx, bundle, vc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bundles.calls.Load())
}

func TestIndex_GetAllPartitionsCachedAndMissing(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	acme := bundleOf("ACME")
	othr := bundleOf("OTHR")
	dAcme := doc("1.0")
	dOthr := doc("1.0")
	bundles := &countingBundles{answers: map[string][]*source.Document{
		acme.Key(): {dAcme},
		othr.Key(): {dOthr},
	}}

	idx := New(bundles, docs)
	defer idx.Close()
	vc := pinnedVC()

	_, err := idx.Get(ctx, acme, vc)
	require.NoError(t, err)
	require.Equal(t, int64(1), bundles.calls.Load())

	out, err := idx.GetAll(ctx, []domain.Bundle{acme, othr}, vc)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[acme.Key()][0].Equal(dAcme))
	assert.True(t, out[othr.Key()][0].Equal(dOthr))
	// ACME came from the index; only the OTHR miss hit the source, batched.
	assert.Equal(t, int64(2), bundles.calls.Load())
}

func TestIndex_EmptyBundleIsInvalid(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	defer docs.bus.Close()

	idx := New(&countingBundles{}, docs)
	defer idx.Close()

	_, err := idx.Get(ctx, domain.Bundle{}, pinnedVC())
	assert.ErrorIs(t, err, sentinel.ErrInvalidArgument)
	_, err = idx.GetSingle(ctx, domain.Bundle{}, domain.VersionCorrectionLatest)
	assert.ErrorIs(t, err, sentinel.ErrInvalidArgument)
}
