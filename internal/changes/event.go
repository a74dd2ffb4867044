// Package changes carries mutation notifications between the versioned
// source, the cache tiers and the push layer.
package changes

import (
	"time"

	"livecache/pkg/domain"
)

// Type classifies what happened to an entity's validity interval.
type Type string

const (
	TypeAdded   Type = "ADDED"
	TypeChanged Type = "CHANGED"
	TypeRemoved Type = "REMOVED"
)

// Event is one mutation to the validity interval of some version of the
// entity identified by ObjectID. VersionTo is nil for open-ended intervals
// (adds) and for removals of the current version. Category names the store
// the mutation happened in, so consumers can watch a whole store instead of
// single objects; it may be empty for sources that don't tag their events.
type Event struct {
	Type        Type
	ObjectID    domain.ObjectID
	Category    string
	VersionFrom *time.Time
	VersionTo   *time.Time
	At          time.Time
}
