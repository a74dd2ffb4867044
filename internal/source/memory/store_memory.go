// Package memory implements an in-memory versioned source. It backs unit
// tests and development mode; the production document master is expected to
// sit behind the same source.Source port.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"livecache/internal/changes"
	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

// Store is a bitemporal in-memory document store. Version tokens have the
// form "v.c": v counts versions on the validity axis, c counts corrections of
// that version. A pinned UniqueID therefore always denotes one immutable
// snapshot, while "latest" floats to the newest correction of the currently
// valid version.
type Store struct {
	mu       sync.RWMutex
	objects  map[domain.ObjectID]*history
	bus      *changes.Bus
	now      func() time.Time
	category string
}

type history struct {
	versions []*versionEntry
}

type versionEntry struct {
	version     int
	validFrom   time.Time
	validTo     *time.Time
	corrections []correction
}

type correction struct {
	at  time.Time
	doc *source.Document
}

func (v *versionEntry) latest() *source.Document {
	return v.corrections[len(v.corrections)-1].doc
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock; tests use it to pin validity instants.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithCategory tags every published event with a store-wide category name so
// consumers can watch the whole store.
func WithCategory(name string) Option {
	return func(s *Store) {
		s.category = name
	}
}

// New creates an empty store with its own change bus.
func New(opts ...Option) *Store {
	s := &Store{
		objects: make(map[domain.ObjectID]*history),
		bus:     changes.NewBus(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Changes returns the store's change bus.
func (s *Store) Changes() *changes.Bus {
	return s.bus
}

// Close shuts down the change bus.
func (s *Store) Close() {
	s.bus.Close()
}

func versionToken(version, corr int) string {
	return strconv.Itoa(version) + "." + strconv.Itoa(corr)
}

func parseVersionToken(token string) (version, corr int, ok bool) {
	v, c, found := strings.Cut(token, ".")
	if !found {
		return 0, 0, false
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return 0, 0, false
	}
	corr, err = strconv.Atoi(c)
	if err != nil {
		return 0, 0, false
	}
	return version, corr, true
}

// Add stores a brand-new entity and returns its first version. The returned
// document's UniqueID is pinned to version "1.0".
func (s *Store) Add(ctx context.Context, name string, externalIDs domain.Bundle, attributes map[string]string, payload []byte) (*source.Document, error) {
	oid := domain.NewObjectID()
	now := s.now().UTC()

	doc := &source.Document{
		UniqueID:    oid.AtVersion(versionToken(1, 0)),
		Name:        name,
		ExternalIDs: domain.NewBundle(externalIDs...),
		Attributes:  cloneAttributes(attributes),
		Payload:     clonePayload(payload),
	}

	s.mu.Lock()
	s.objects[oid] = &history{
		versions: []*versionEntry{{
			version:     1,
			validFrom:   now,
			corrections: []correction{{at: now, doc: doc}},
		}},
	}
	s.mu.Unlock()

	s.bus.Publish(changes.Event{
		Type:        changes.TypeAdded,
		ObjectID:    oid,
		Category:    s.category,
		VersionFrom: &now,
		At:          now,
	})
	return doc, nil
}

// Update supersedes the currently valid version with new content. The prior
// version's validity interval is closed at the update instant.
func (s *Store) Update(ctx context.Context, oid domain.ObjectID, name string, externalIDs domain.Bundle, attributes map[string]string, payload []byte) (*source.Document, error) {
	now := s.now().UTC()

	s.mu.Lock()
	hist, current, err := s.currentLocked(oid)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	current.validTo = &now

	next := &versionEntry{
		version:   current.version + 1,
		validFrom: now,
	}
	doc := &source.Document{
		UniqueID:    oid.AtVersion(versionToken(next.version, 0)),
		Name:        name,
		ExternalIDs: domain.NewBundle(externalIDs...),
		Attributes:  cloneAttributes(attributes),
		Payload:     clonePayload(payload),
	}
	next.corrections = []correction{{at: now, doc: doc}}
	hist.versions = append(hist.versions, next)
	s.mu.Unlock()

	s.bus.Publish(changes.Event{
		Type:        changes.TypeChanged,
		ObjectID:    oid,
		Category:    s.category,
		VersionFrom: &now,
		At:          now,
	})
	return doc, nil
}

// Correct amends the content of the currently valid version without moving
// the validity axis. Earlier corrections stay reachable through their pinned
// UniqueIDs and through version-corrections pinned before the amendment.
func (s *Store) Correct(ctx context.Context, oid domain.ObjectID, name string, externalIDs domain.Bundle, attributes map[string]string, payload []byte) (*source.Document, error) {
	now := s.now().UTC()

	s.mu.Lock()
	_, current, err := s.currentLocked(oid)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	doc := &source.Document{
		UniqueID:    oid.AtVersion(versionToken(current.version, len(current.corrections))),
		Name:        name,
		ExternalIDs: domain.NewBundle(externalIDs...),
		Attributes:  cloneAttributes(attributes),
		Payload:     clonePayload(payload),
	}
	current.corrections = append(current.corrections, correction{at: now, doc: doc})
	validFrom := current.validFrom
	s.mu.Unlock()

	s.bus.Publish(changes.Event{
		Type:        changes.TypeChanged,
		ObjectID:    oid,
		Category:    s.category,
		VersionFrom: &validFrom,
		At:          now,
	})
	return doc, nil
}

// Remove ends the entity's validity. Pinned history remains queryable;
// "latest" queries fail with not-found afterwards.
func (s *Store) Remove(ctx context.Context, oid domain.ObjectID) error {
	now := s.now().UTC()

	s.mu.Lock()
	_, current, err := s.currentLocked(oid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	current.validTo = &now
	validFrom := current.validFrom
	s.mu.Unlock()

	s.bus.Publish(changes.Event{
		Type:        changes.TypeRemoved,
		ObjectID:    oid,
		Category:    s.category,
		VersionFrom: &validFrom,
		VersionTo:   &now,
		At:          now,
	})
	return nil
}

// currentLocked returns the currently valid version. Callers hold s.mu.
func (s *Store) currentLocked(oid domain.ObjectID) (*history, *versionEntry, error) {
	hist, ok := s.objects[oid]
	if !ok {
		return nil, nil, fmt.Errorf("object %s: %w", oid, sentinel.ErrNotFound)
	}
	last := hist.versions[len(hist.versions)-1]
	if last.validTo != nil {
		return nil, nil, fmt.Errorf("object %s: %w", oid, sentinel.ErrNotFound)
	}
	return hist, last, nil
}

// Get implements source.Source.
func (s *Store) Get(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	if uid.IsLatest() {
		return s.GetVersioned(ctx, uid.ObjectID(), domain.VersionCorrectionLatest)
	}

	version, corr, ok := parseVersionToken(uid.Version)
	if !ok {
		return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrInvalidArgument)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hist, found := s.objects[uid.ObjectID()]
	if !found {
		return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrNotFound)
	}
	for _, entry := range hist.versions {
		if entry.version == version {
			if corr < len(entry.corrections) {
				return entry.corrections[corr].doc, nil
			}
			break
		}
	}
	return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrNotFound)
}

// GetVersioned implements source.Source.
func (s *Store) GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := s.resolveLocked(oid, vc)
	if doc == nil {
		return nil, fmt.Errorf("object %s at %s: %w", oid, vc, sentinel.ErrNotFound)
	}
	return doc, nil
}

// resolveLocked walks the bitemporal axes. Callers hold s.mu (read or write).
func (s *Store) resolveLocked(oid domain.ObjectID, vc domain.VersionCorrection) *source.Document {
	hist, ok := s.objects[oid]
	if !ok {
		return nil
	}

	var entry *versionEntry
	if vc.VersionAsOf == nil {
		last := hist.versions[len(hist.versions)-1]
		if last.validTo == nil {
			entry = last
		}
	} else {
		asOf := *vc.VersionAsOf
		for _, candidate := range hist.versions {
			if candidate.validFrom.After(asOf) {
				continue
			}
			if candidate.validTo == nil || asOf.Before(*candidate.validTo) {
				entry = candidate
				break
			}
		}
	}
	if entry == nil {
		return nil
	}

	if vc.CorrectedAsOf == nil {
		return entry.latest()
	}
	correctedAsOf := *vc.CorrectedAsOf
	for i := len(entry.corrections) - 1; i >= 0; i-- {
		if !entry.corrections[i].at.After(correctedAsOf) {
			return entry.corrections[i].doc
		}
	}
	return nil
}

// GetByBundle implements source.BundleSource. Result order is unspecified;
// the secondary-index cache sorts before caching.
func (s *Store) GetByBundle(ctx context.Context, bundle domain.Bundle, vc domain.VersionCorrection) ([]*source.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*source.Document
	for oid := range s.objects {
		doc := s.resolveLocked(oid, vc)
		if doc != nil && doc.ExternalIDs.Intersects(bundle) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// GetByBundles implements source.BundleSource.
func (s *Store) GetByBundles(ctx context.Context, bundles []domain.Bundle, vc domain.VersionCorrection) (map[string][]*source.Document, error) {
	out := make(map[string][]*source.Document, len(bundles))
	for _, bundle := range bundles {
		docs, err := s.GetByBundle(ctx, bundle, vc)
		if err != nil {
			return nil, err
		}
		if docs == nil {
			docs = []*source.Document{}
		}
		out[bundle.Key()] = docs
	}
	return out, nil
}

func cloneAttributes(attributes map[string]string) map[string]string {
	if attributes == nil {
		return nil
	}
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}

func clonePayload(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out
}
