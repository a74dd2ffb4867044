package changes

import (
	"log/slog"
	"sync"
)

// Listener receives change events. Implementations must be comparable (use a
// pointer receiver) so they can be passed back to Unsubscribe.
type Listener interface {
	EntityChanged(event Event)
}

// ListenerFunc adapts a function to the Listener interface. The returned
// value is a fresh handle; keep it if you intend to Unsubscribe.
func ListenerFunc(f func(Event)) Listener {
	return &listenerFunc{f: f}
}

type listenerFunc struct {
	f func(Event)
}

func (l *listenerFunc) EntityChanged(event Event) {
	l.f(event)
}

// OverflowListener is an optional Listener extension for consumers that
// cannot afford to miss an event. When a listener's queue overflows, the bus
// records the gap and calls QueueOverflowed before the next delivery, so the
// listener can recover coarsely (a cache flushes wholesale) instead of
// silently skipping the dropped event. Listeners that tolerate loss, such as
// the push layer, simply do not implement it.
type OverflowListener interface {
	Listener
	QueueOverflowed()
}

const defaultQueueSize = 256

// Bus is a typed publish/subscribe channel. Each listener gets its own
// bounded queue drained by a dedicated goroutine, so delivery order is
// publish order per listener and a slow listener never blocks publishers or
// other listeners. There is no replay: listeners registered after a publish
// never see it.
type Bus struct {
	mu        sync.Mutex
	subs      []*subscriber
	queueSize int
	logger    *slog.Logger
	closed    bool
}

type subscriber struct {
	listener Listener

	mu         sync.Mutex
	closed     bool
	overflowed bool
	queue      chan Event
	done       chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize overrides the per-listener queue depth.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger attaches a logger for overflow reporting.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{queueSize: defaultQueueSize}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a listener and starts its delivery goroutine.
func (b *Bus) Subscribe(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscriber{
		listener: listener,
		queue:    make(chan Event, b.queueSize),
		done:     make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.run()
}

func (s *subscriber) run() {
	defer close(s.done)
	for event := range s.queue {
		s.mu.Lock()
		gap := s.overflowed
		s.overflowed = false
		s.mu.Unlock()
		if gap {
			if ol, ok := s.listener.(OverflowListener); ok {
				ol.QueueOverflowed()
			}
		}
		s.listener.EntityChanged(event)
	}
}

// enqueue offers the event without ever blocking the publisher. When the
// queue is full the oldest queued event is dropped to make room and the gap
// is recorded for OverflowListeners.
func (s *subscriber) enqueue(event Event, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- event:
		return
	default:
	}
	select {
	case dropped := <-s.queue:
		s.overflowed = true
		if logger != nil {
			logger.Warn("change bus queue overflow, dropping oldest event",
				"object_id", dropped.ObjectID.String(),
				"type", string(dropped.Type),
			)
		}
	default:
	}
	select {
	case s.queue <- event:
	default:
		s.overflowed = true
	}
}

// stop closes the queue exactly once and waits for in-flight delivery.
func (s *subscriber) stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

// Unsubscribe removes a listener, drains its queue and waits for in-flight
// delivery to finish. Unknown listeners are a no-op.
func (b *Bus) Unsubscribe(listener Listener) {
	b.mu.Lock()
	var sub *subscriber
	for i, s := range b.subs {
		if s.listener == listener {
			sub = s
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if sub != nil {
		sub.stop()
	}
}

// Publish delivers the event to every current listener. It never blocks: a
// listener whose queue is full loses its oldest queued event instead. The
// push layer tolerates drops because a lost event only delays a client until
// its next re-subscribe; listeners that must not serve stale data implement
// OverflowListener and recover from the recorded gap.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event, b.logger)
	}
}

// Overflow marks a gap for every current listener, observed before its next
// delivery. A cache that flushed because of an upstream gap calls this on its
// own bus so downstream caches flush too.
func (b *Bus) Overflow() {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.overflowed = true
		}
		sub.mu.Unlock()
	}
}

// Close detaches all listeners and waits for their queues to drain. The bus
// accepts no new subscriptions afterwards; Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
