package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Sources, stores and caches return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity/version/bundle does not exist
// - ErrInvalidArgument: malformed identity or version-correction input
// - ErrSessionExpired: push session idled out or was never established
// - ErrUnavailable: upstream source or store temporarily unavailable
//
// The cache layers never retry or suppress ErrUnavailable; masking a degraded
// upstream as a stale hit is worse than failing the call.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSessionExpired  = errors.New("session expired")
	ErrUnavailable     = errors.New("unavailable")
)
