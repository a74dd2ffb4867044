package domain

import (
	"time"
)

// VersionCorrection is a bitemporal query coordinate: the instant the version
// axis is queried as of, and the instant the correction axis is queried as of.
// A nil instant on either axis means "latest" on that axis. Equality is exact:
// "latest" and a concrete instant are never interchangeable, even when the
// concrete instant happens to resolve to the current version.
type VersionCorrection struct {
	VersionAsOf   *time.Time
	CorrectedAsOf *time.Time
}

// VersionCorrectionLatest is the coordinate that floats on both axes.
var VersionCorrectionLatest = VersionCorrection{}

// VersionCorrectionOf builds a fully pinned coordinate.
func VersionCorrectionOf(versionAsOf, correctedAsOf time.Time) VersionCorrection {
	v := versionAsOf.UTC()
	c := correctedAsOf.UTC()
	return VersionCorrection{VersionAsOf: &v, CorrectedAsOf: &c}
}

// ContainsLatest reports whether either axis floats.
func (vc VersionCorrection) ContainsLatest() bool {
	return vc.VersionAsOf == nil || vc.CorrectedAsOf == nil
}

// Equal compares both axes exactly. Two coordinates are equal only if each
// axis is either latest on both sides or the identical instant on both sides.
func (vc VersionCorrection) Equal(other VersionCorrection) bool {
	return instantEqual(vc.VersionAsOf, other.VersionAsOf) &&
		instantEqual(vc.CorrectedAsOf, other.CorrectedAsOf)
}

func instantEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Key returns a stable string form usable as a map key. Distinct coordinates
// always produce distinct keys.
func (vc VersionCorrection) Key() string {
	return "V" + instantKey(vc.VersionAsOf) + ".C" + instantKey(vc.CorrectedAsOf)
}

// String renders the same form as Key; it reads well enough in logs.
func (vc VersionCorrection) String() string {
	return vc.Key()
}

func instantKey(t *time.Time) string {
	if t == nil {
		return "LATEST"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
