package handler

import (
	"strings"

	"livecache/internal/push"
	"livecache/pkg/domain"
	dErrors "livecache/pkg/domain-errors"
)

// SubscribeRequest is the HTTP request body for POST /push/subscribe.
// Exactly one of object_id and category selects the interest.
type SubscribeRequest struct {
	ClientID string `json:"client_id"`
	ObjectID string `json:"object_id,omitempty"`
	Category string `json:"category,omitempty"`
	Token    string `json:"token"`

	// Parsed values (populated by Validate)
	parsedClientID push.ClientID
	parsedKey      push.InterestKey
}

// Validate validates and parses the request.
func (r *SubscribeRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	clientID, err := push.ParseClientID(strings.TrimSpace(r.ClientID))
	if err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "client_id must be a valid session identifier")
	}
	r.parsedClientID = clientID

	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "token is required")
	}

	r.ObjectID = strings.TrimSpace(r.ObjectID)
	r.Category = strings.TrimSpace(r.Category)
	switch {
	case r.ObjectID != "" && r.Category != "":
		return dErrors.New(dErrors.CodeInvalidInput, "object_id and category are mutually exclusive")
	case r.ObjectID != "":
		oid, err := domain.ParseObjectID(r.ObjectID)
		if err != nil {
			return dErrors.New(dErrors.CodeInvalidInput, "object_id is malformed")
		}
		r.parsedKey = push.KeyForObject(oid)
	case r.Category != "":
		r.parsedKey = push.KeyForCategory(r.Category)
	default:
		return dErrors.New(dErrors.CodeInvalidInput, "one of object_id or category is required")
	}

	return nil
}

// ParsedClientID returns the validated session identifier.
func (r *SubscribeRequest) ParsedClientID() push.ClientID {
	return r.parsedClientID
}

// ParsedKey returns the validated interest key.
func (r *SubscribeRequest) ParsedKey() push.InterestKey {
	return r.parsedKey
}

// DisconnectRequest is the HTTP request body for POST /push/disconnect.
type DisconnectRequest struct {
	ClientID string `json:"client_id"`

	parsedClientID push.ClientID
}

// Validate validates and parses the request.
func (r *DisconnectRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	clientID, err := push.ParseClientID(strings.TrimSpace(r.ClientID))
	if err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "client_id must be a valid session identifier")
	}
	r.parsedClientID = clientID
	return nil
}

// ParsedClientID returns the validated session identifier.
func (r *DisconnectRequest) ParsedClientID() push.ClientID {
	return r.parsedClientID
}
