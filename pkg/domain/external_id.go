package domain

import (
	"sort"
	"strings"

	dErrors "livecache/pkg/domain-errors"
)

// ExternalID is an alternate identifier assigned to an entity by an outside
// system (a ticker, an ISIN, a vendor code). Unlike ObjectID it is neither
// unique nor stable: several external ids may name the same entity and one id
// may move between entities over time.
type ExternalID struct {
	Scheme string
	Value  string
}

// ParseExternalID parses the "scheme~value" form.
func ParseExternalID(s string) (ExternalID, error) {
	parts := strings.Split(s, "~")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ExternalID{}, dErrors.New(dErrors.CodeInvalidInput, "external id must be scheme~value")
	}
	return ExternalID{Scheme: parts[0], Value: parts[1]}, nil
}

func (id ExternalID) String() string {
	return id.Scheme + "~" + id.Value
}

// Bundle is a set of external ids that are believed to refer to one entity.
// Matching is any-of: an entity matches a bundle when it carries at least one
// of the bundle's ids.
type Bundle []ExternalID

// NewBundle builds a normalized bundle: sorted, duplicates removed.
func NewBundle(ids ...ExternalID) Bundle {
	sorted := make(Bundle, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Scheme != sorted[j].Scheme {
			return sorted[i].Scheme < sorted[j].Scheme
		}
		return sorted[i].Value < sorted[j].Value
	})
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || sorted[i-1] != id {
			out = append(out, id)
		}
	}
	return out
}

// Key returns a stable string form usable as a map key. Bundles with the same
// members always produce the same key regardless of construction order.
func (b Bundle) Key() string {
	normalized := NewBundle(b...)
	parts := make([]string, len(normalized))
	for i, id := range normalized {
		parts[i] = id.String()
	}
	return strings.Join(parts, "|")
}

// Contains reports whether the bundle carries the given id.
func (b Bundle) Contains(id ExternalID) bool {
	for _, member := range b {
		if member == id {
			return true
		}
	}
	return false
}

// Intersects reports whether the two bundles share at least one id.
func (b Bundle) Intersects(other Bundle) bool {
	for _, id := range other {
		if b.Contains(id) {
			return true
		}
	}
	return false
}
