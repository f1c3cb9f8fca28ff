package types

import (
	"context"
	"errors"
)

// Errors returned by TokenStore implementations.
var (
	// ErrUnableToClaimToken is returned when a segment's claim is held by
	// another processor instance.
	ErrUnableToClaimToken = errors.New("unable to claim token")

	// ErrSegmentUnknown is returned when a segment has not been initialized
	// for the processor.
	ErrSegmentUnknown = errors.New("segment not initialized")

	// ErrAlreadyInitialized is returned when token segments already exist
	// for the processor.
	ErrAlreadyInitialized = errors.New("token segments already initialized")
)

// TokenStore durably persists per-segment tracking tokens and provides the
// exclusive claim discipline that lets processor instances across a cluster
// cooperate.
//
// A claim on (processor, segment) is a lease: it is acquired by FetchToken,
// renewed implicitly by StoreToken and explicitly by ExtendClaim, and
// surrendered by ReleaseClaim or by letting it expire. The claim is the only
// cross-process mutual-exclusion mechanism in the system.
type TokenStore interface {
	// InitializeTokenSegments atomically creates count token entries at
	// segment ids 0..count-1, all positioned at initial. Returns
	// ErrAlreadyInitialized when entries already exist.
	InitializeTokenSegments(ctx context.Context, name string, count int, initial TrackingToken) error

	// FetchSegments returns the known segment ids for the processor.
	FetchSegments(ctx context.Context, name string) ([]int, error)

	// FetchToken returns the token for a segment and claims it for the
	// caller. Returns ErrUnableToClaimToken when the claim is held
	// elsewhere, ErrSegmentUnknown when the segment does not exist.
	FetchToken(ctx context.Context, name string, segmentID int) (TrackingToken, error)

	// StoreToken persists token for a segment. Implies claim renewal.
	StoreToken(ctx context.Context, token TrackingToken, name string, segmentID int) error

	// ExtendClaim renews the claim on a segment without changing its token.
	ExtendClaim(ctx context.Context, name string, segmentID int) error

	// ReleaseClaim surrenders the claim on a segment so another instance
	// can pick it up.
	ReleaseClaim(ctx context.Context, name string, segmentID int) error

	// RetrieveStorageIdentifier returns an identifier unique to the
	// underlying storage, or "" when the store cannot provide one.
	RetrieveStorageIdentifier(ctx context.Context) (string, error)
}
