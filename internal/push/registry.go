// Package push tracks which clients care about which entities and delivers
// "this token is stale" notifications over long polls. A subscription is a
// one-shot: the first matching change event consumes it, and the client is
// expected to re-fetch the resource and re-subscribe.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livecache/internal/changes"
	"livecache/internal/push/metrics"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
	pstrings "livecache/pkg/platform/strings"
)

// ClientID identifies one push session.
type ClientID string

// NewClientID mints a fresh session identifier.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// ParseClientID validates the wire form of a ClientID.
func ParseClientID(s string) (ClientID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("client id %q: %w", s, sentinel.ErrInvalidArgument)
	}
	return ClientID(s), nil
}

// InterestKey is what a subscription watches: either one entity (ObjectID
// set) or a whole store (Category set). Matching is exact; there are no
// wildcards.
type InterestKey struct {
	ObjectID domain.ObjectID
	Category string
}

// KeyForObject watches a single entity.
func KeyForObject(oid domain.ObjectID) InterestKey {
	return InterestKey{ObjectID: oid}
}

// KeyForCategory watches every change in a named store.
func KeyForCategory(name string) InterestKey {
	return InterestKey{Category: name}
}

func (k InterestKey) matches(event changes.Event) bool {
	if k.Category != "" {
		return k.Category == event.Category
	}
	return k.ObjectID == event.ObjectID
}

type session struct {
	id           ClientID
	userID       string
	lastActivity time.Time

	// Guarded by the registry mutex: sessions are few and operations are
	// short, so one lock keeps the delivery/poll race simple.
	subs    map[InterestKey]map[string]struct{}
	pending map[string]struct{}
	waiter  chan []string
}

const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Registry owns all client sessions. It listens on a change bus and routes
// matching events to blocked or future polls.
type Registry struct {
	bus *changes.Bus

	mu       sync.Mutex
	sessions map[ClientID]*session

	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides how long a silent session survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithSweepInterval overrides how often the janitor looks for idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock injects a clock for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New builds the registry, subscribes it to the bus and starts the idle
// janitor. Close reverses both.
func New(bus *changes.Bus, opts ...Option) *Registry {
	r := &Registry{
		bus:           bus,
		sessions:      make(map[ClientID]*session),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		stopJanitor:   make(chan struct{}),
		janitorDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	bus.Subscribe(r)
	go r.janitor()
	return r
}

// Close detaches from the bus, stops the janitor and wakes every blocked
// poll with an empty result.
func (r *Registry) Close() {
	r.bus.Unsubscribe(r)
	close(r.stopJanitor)
	<-r.janitorDone

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		r.wakeLocked(s, nil)
		delete(r.sessions, id)
		metrics.DecActiveSessions()
	}
}

// Handshake creates a session for the user and returns its identifier.
func (r *Registry) Handshake(userID string) ClientID {
	s := &session{
		id:           NewClientID(),
		userID:       userID,
		lastActivity: r.now(),
		subs:         make(map[InterestKey]map[string]struct{}),
		pending:      make(map[string]struct{}),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	metrics.IncActiveSessions()
	if r.logger != nil {
		r.logger.Info("push session established", "client_id", string(s.id), "user_id", userID)
	}
	return s.id
}

// Subscribe registers a one-shot interest. An unknown or expired client is
// an error: silently accepting the subscription would let the caller believe
// it will be notified when it never will be.
func (r *Registry) Subscribe(clientID ClientID, key InterestKey, token string) error {
	if token == "" {
		return fmt.Errorf("empty token: %w", sentinel.ErrInvalidArgument)
	}
	if key.ObjectID.IsNil() && key.Category == "" {
		return fmt.Errorf("empty interest key: %w", sentinel.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, sentinel.ErrSessionExpired)
	}
	s.lastActivity = r.now()
	tokens, ok := s.subs[key]
	if !ok {
		tokens = make(map[string]struct{})
		s.subs[key] = tokens
	}
	tokens[token] = struct{}{}
	return nil
}

// EntityChanged implements changes.Listener. For every session, every
// subscription whose key matches fires; each fired token is delivered once
// and all of the session's other subscriptions for that token (any key) are
// dropped with it. The contract is "stale, re-fetch and re-subscribe", not
// a diff feed.
func (r *Registry) EntityChanged(event changes.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		var batch []string
		for key, tokens := range s.subs {
			if !key.matches(event) {
				continue
			}
			for token := range tokens {
				batch = append(batch, token)
			}
		}
		if len(batch) == 0 {
			continue
		}
		batch = pstrings.DedupeAndTrim(batch)
		for _, token := range batch {
			s.dropToken(token)
		}
		r.deliverLocked(s, batch)
	}
}

// dropToken removes the token from every subscription of the session.
func (s *session) dropToken(token string) {
	for key, tokens := range s.subs {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(s.subs, key)
		}
	}
}

// deliverLocked hands the batch to a blocked poll, or queues it for the next
// one. Callers hold r.mu.
func (r *Registry) deliverLocked(s *session, batch []string) {
	metrics.AddDeliveredTokens(len(batch))
	if s.waiter != nil {
		s.waiter <- batch
		s.waiter = nil
		return
	}
	for _, token := range batch {
		s.pending[token] = struct{}{}
	}
}

// wakeLocked resolves a blocked poll with the given batch (nil for
// cancellation). Callers hold r.mu.
func (r *Registry) wakeLocked(s *session, batch []string) {
	if s.waiter != nil {
		s.waiter <- batch
		s.waiter = nil
	}
}

// Poll returns queued tokens immediately, or blocks until a delivery or the
// timeout. Timeout and cancellation both resolve to an empty set, never an
// error; only an unknown client fails. A second Poll while one is blocked
// replaces the earlier waiter, which is woken with an empty result.
func (r *Registry) Poll(ctx context.Context, clientID ClientID, timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("client %s: %w", clientID, sentinel.ErrSessionExpired)
	}
	s.lastActivity = r.now()

	if len(s.pending) > 0 {
		batch := make([]string, 0, len(s.pending))
		for token := range s.pending {
			batch = append(batch, token)
		}
		s.pending = make(map[string]struct{})
		r.mu.Unlock()
		return batch, nil
	}

	// Displace any earlier waiter; exactly one blocked reader per client.
	r.wakeLocked(s, nil)
	ch := make(chan []string, 1)
	s.waiter = ch
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case batch := <-ch:
		if batch == nil {
			batch = []string{}
		}
		return batch, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	if s.waiter == ch {
		s.waiter = nil
	}
	r.mu.Unlock()

	// A delivery that won the race against the timer still gets through.
	select {
	case batch := <-ch:
		if batch == nil {
			batch = []string{}
		}
		return batch, nil
	default:
	}
	metrics.IncPollTimeouts()
	return []string{}, nil
}

// Disconnect tears the session down and wakes any blocked poll with an empty
// result. Callers cannot distinguish that wake-up from a timeout by anything
// but content; the session being gone surfaces on their next request.
func (r *Registry) Disconnect(clientID ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, sentinel.ErrSessionExpired)
	}
	r.wakeLocked(s, nil)
	delete(r.sessions, clientID)
	metrics.DecActiveSessions()
	if r.logger != nil {
		r.logger.Info("push session disconnected", "client_id", string(clientID))
	}
	return nil
}

// Sessions returns the number of live sessions; used by tests and health
// reporting.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) janitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopJanitor:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep drops sessions idle beyond the timeout, cancelling their blocked
// polls. Subsequent operations on a swept client fail like any unknown one.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.lastActivity.After(cutoff) {
			continue
		}
		r.wakeLocked(s, nil)
		delete(r.sessions, id)
		metrics.DecActiveSessions()
		metrics.IncExpiredSessions()
		if r.logger != nil {
			r.logger.Info("push session expired", "client_id", string(id), "user_id", s.userID)
		}
	}
}
