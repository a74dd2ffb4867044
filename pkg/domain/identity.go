package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "livecache/pkg/domain-errors"
)

// SchemeLive is the scheme under which this service mints its own ObjectIDs.
const SchemeLive = "Live"

// ObjectID is the stable identity of a logical entity across all of its
// versions. It is an opaque (scheme, value) pair with value equality; the
// scheme namespaces identifiers minted by different masters.
type ObjectID struct {
	Scheme string
	Value  string
}

// NewObjectID mints a fresh ObjectID under the service's own scheme.
func NewObjectID() ObjectID {
	return ObjectID{Scheme: SchemeLive, Value: uuid.NewString()}
}

// ParseObjectID parses the "scheme~value" form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	parts := strings.Split(s, "~")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ObjectID{}, dErrors.New(dErrors.CodeInvalidInput, "object id must be scheme~value")
	}
	return ObjectID{Scheme: parts[0], Value: parts[1]}, nil
}

// String renders the canonical "scheme~value" form.
func (id ObjectID) String() string {
	return id.Scheme + "~" + id.Value
}

// IsNil reports whether the id is the zero value.
func (id ObjectID) IsNil() bool {
	return id.Scheme == "" && id.Value == ""
}

// AtVersion pins the ObjectID to a concrete version token.
func (id ObjectID) AtVersion(version string) UniqueID {
	return UniqueID{Object: id, Version: version}
}

// AtLatest returns the moving "latest" UniqueID for this object. The result
// identifies whichever version is currently valid, so it must never be
// treated as a fixed snapshot.
func (id ObjectID) AtLatest() UniqueID {
	return UniqueID{Object: id}
}

// UniqueID identifies one immutable snapshot of an entity: an ObjectID plus a
// version token. An empty version token is the distinguished "latest" marker.
type UniqueID struct {
	Object  ObjectID
	Version string
}

// ParseUniqueID parses "scheme~value" (latest) or "scheme~value~version".
func ParseUniqueID(s string) (UniqueID, error) {
	parts := strings.Split(s, "~")
	switch len(parts) {
	case 2:
		oid, err := ParseObjectID(s)
		if err != nil {
			return UniqueID{}, err
		}
		return oid.AtLatest(), nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return UniqueID{}, dErrors.New(dErrors.CodeInvalidInput, "unique id must be scheme~value[~version]")
		}
		return UniqueID{Object: ObjectID{Scheme: parts[0], Value: parts[1]}, Version: parts[2]}, nil
	default:
		return UniqueID{}, dErrors.New(dErrors.CodeInvalidInput, "unique id must be scheme~value[~version]")
	}
}

// IsLatest reports whether the id is the moving "latest" marker rather than a
// pinned snapshot.
func (id UniqueID) IsLatest() bool {
	return id.Version == ""
}

// ObjectID returns the version-independent identity.
func (id UniqueID) ObjectID() ObjectID {
	return id.Object
}

// String renders "scheme~value~version", omitting the version suffix for the
// latest marker so the form round-trips through ParseUniqueID.
func (id UniqueID) String() string {
	if id.IsLatest() {
		return id.Object.String()
	}
	return id.Object.String() + "~" + id.Version
}

// IsNil reports whether the id is the zero value.
func (id UniqueID) IsNil() bool {
	return id.Object.IsNil() && id.Version == ""
}
