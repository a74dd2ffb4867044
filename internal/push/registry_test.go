package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecache/internal/changes"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

func changedEvent(oid domain.ObjectID) changes.Event {
	return changes.Event{
		Type:     changes.TypeChanged,
		ObjectID: oid,
		Category: "documents",
		At:       time.Now(),
	}
}

func TestRegistry_DeliversMatchingToken(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	oid := domain.NewObjectID()
	client := reg.Handshake("alice")
	require.NoError(t, reg.Subscribe(client, KeyForObject(oid), "/a"))

	bus.Publish(changedEvent(oid))

	batch, err := reg.Poll(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, batch)

	// One-shot: no re-delivery without a fresh subscription.
	batch, err = reg.Poll(context.Background(), client, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRegistry_QueuesWhenNoPollBlocked(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	oid := domain.NewObjectID()
	client := reg.Handshake("alice")
	require.NoError(t, reg.Subscribe(client, KeyForObject(oid), "/a"))

	bus.Publish(changedEvent(oid))

	// Wait for the bus to route the event, then poll: the token must be
	// waiting even though no poll was in flight at delivery time.
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		s := reg.sessions[client]
		return s != nil && len(s.pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	batch, err := reg.Poll(context.Background(), client, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, batch)
}

func TestRegistry_PollTimeoutBounds(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	client := reg.Handshake("alice")

	start := time.Now()
	batch, err := reg.Poll(context.Background(), client, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRegistry_CategorySubscriptionMatchesStoreWide(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	client := reg.Handshake("alice")
	require.NoError(t, reg.Subscribe(client, KeyForCategory("documents"), "/all"))

	bus.Publish(changedEvent(domain.NewObjectID()))

	batch, err := reg.Poll(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"/all"}, batch)
}

func TestRegistry_TokenCoalescingDropsAllKeys(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	a, b := domain.NewObjectID(), domain.NewObjectID()
	client := reg.Handshake("alice")
	require.NoError(t, reg.Subscribe(client, KeyForObject(a), "/view"))
	require.NoError(t, reg.Subscribe(client, KeyForObject(b), "/view"))

	bus.Publish(changedEvent(a))

	batch, err := reg.Poll(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"/view"}, batch)

	// The subscription on b carried the same token and went with it.
	bus.Publish(changedEvent(b))
	batch, err = reg.Poll(context.Background(), client, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRegistry_TwoClientsSameTokenIndependent(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	oid := domain.NewObjectID()
	alice := reg.Handshake("alice")
	bob := reg.Handshake("bob")
	require.NoError(t, reg.Subscribe(alice, KeyForObject(oid), "/shared"))
	require.NoError(t, reg.Subscribe(bob, KeyForObject(oid), "/shared"))

	bus.Publish(changedEvent(oid))

	for _, client := range []ClientID{alice, bob} {
		batch, err := reg.Poll(context.Background(), client, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"/shared"}, batch)
	}
}

func TestRegistry_SubscribeUnknownClientFails(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	err := reg.Subscribe(NewClientID(), KeyForObject(domain.NewObjectID()), "/a")
	require.ErrorIs(t, err, sentinel.ErrSessionExpired)
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	client := reg.Handshake("alice")
	assert.ErrorIs(t, reg.Subscribe(client, KeyForObject(domain.NewObjectID()), ""), sentinel.ErrInvalidArgument)
	assert.ErrorIs(t, reg.Subscribe(client, InterestKey{}, "/a"), sentinel.ErrInvalidArgument)
}

func TestRegistry_SecondPollDisplacesFirst(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	oid := domain.NewObjectID()
	client := reg.Handshake("alice")
	require.NoError(t, reg.Subscribe(client, KeyForObject(oid), "/a"))

	first := make(chan []string, 1)
	go func() {
		batch, err := reg.Poll(context.Background(), client, 5*time.Second)
		require.NoError(t, err)
		first <- batch
	}()

	// Let the first poll block before starting its replacement.
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		s := reg.sessions[client]
		return s != nil && s.waiter != nil
	}, 2*time.Second, 10*time.Millisecond)

	second := make(chan []string, 1)
	go func() {
		batch, err := reg.Poll(context.Background(), client, 5*time.Second)
		require.NoError(t, err)
		second <- batch
	}()

	// The displaced poll resolves empty straight away.
	select {
	case batch := <-first:
		assert.Empty(t, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("displaced poll did not return")
	}

	bus.Publish(changedEvent(oid))

	select {
	case batch := <-second:
		assert.Equal(t, []string{"/a"}, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("replacement poll never received the delivery")
	}
}

func TestRegistry_DisconnectWakesBlockedPoll(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	client := reg.Handshake("alice")

	done := make(chan []string, 1)
	go func() {
		batch, err := reg.Poll(context.Background(), client, 5*time.Second)
		require.NoError(t, err)
		done <- batch
	}()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		s := reg.sessions[client]
		return s != nil && s.waiter != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Disconnect(client))

	select {
	case batch := <-done:
		assert.Empty(t, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not wake the blocked poll")
	}

	assert.ErrorIs(t, reg.Subscribe(client, KeyForObject(domain.NewObjectID()), "/a"), sentinel.ErrSessionExpired)
	assert.Equal(t, 0, reg.Sessions())
}

func TestRegistry_IdleSessionExpiresAndCancelsPoll(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus, WithIdleTimeout(50*time.Millisecond), WithSweepInterval(20*time.Millisecond))
	defer reg.Close()

	client := reg.Handshake("alice")

	start := time.Now()
	batch, err := reg.Poll(context.Background(), client, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, reg.Subscribe(client, KeyForObject(domain.NewObjectID()), "/a"), sentinel.ErrSessionExpired)
}

func TestRegistry_PollContextCancelReturnsEmpty(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	client := reg.Handshake("alice")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	batch, err := reg.Poll(ctx, client, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRegistry_PollUnknownClientFails(t *testing.T) {
	bus := changes.NewBus()
	defer bus.Close()
	reg := New(bus)
	defer reg.Close()

	_, err := reg.Poll(context.Background(), NewClientID(), 50*time.Millisecond)
	require.ErrorIs(t, err, sentinel.ErrSessionExpired)
}
