// Package natskv provides a TokenStore backed by a NATS JetStream
// KeyValue bucket.
//
// Each (processor, segment) pair maps to one KV key holding the serialized
// token, the claim owner, and the claim timestamp. Claims are leases:
// acquisition and every mutation go through revision-guarded updates, so
// two instances can never both hold a segment, and claims older than the
// configured timeout may be stolen.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tsobe/pooled/types"
)

// Config configures the NATS KV token store.
type Config struct {
	// Bucket is the KV bucket name. Default: "pooled-tokens".
	Bucket string

	// NodeID identifies this instance as a claim owner.
	NodeID string

	// ClaimTimeout is how long a claim survives without renewal before
	// other instances may steal it. Default: 10s.
	ClaimTimeout time.Duration

	// Codec serializes tokens. Default: the global sequence codec.
	Codec types.TokenCodec
}

type record struct {
	Token     json.RawMessage `json:"token"`
	Owner     string          `json:"owner,omitempty"`
	ClaimedAt time.Time       `json:"claimedAt,omitempty"`
}

// Store is a TokenStore on a JetStream KV bucket.
type Store struct {
	kv           jetstream.KeyValue
	nodeID       string
	claimTimeout time.Duration
	codec        types.TokenCodec
}

// Compile-time assertion that Store implements TokenStore.
var _ types.TokenStore = (*Store)(nil)

// New creates the KV bucket when it does not exist yet and returns a store
// handle on it.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "pooled-tokens"
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node ID is required")
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 10 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = types.NewGlobalSequenceCodec()
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Bucket})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create token bucket: %w", err)
		}
		kv, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open token bucket: %w", err)
		}
	}

	return &Store{
		kv:           kv,
		nodeID:       cfg.NodeID,
		claimTimeout: cfg.ClaimTimeout,
		codec:        cfg.Codec,
	}, nil
}

func key(name string, segmentID int) string {
	return name + "." + strconv.Itoa(segmentID)
}

func (s *Store) InitializeTokenSegments(ctx context.Context, name string, count int, initial types.TrackingToken) error {
	token, err := s.codec.Marshal(initial)
	if err != nil {
		return fmt.Errorf("failed to encode initial token: %w", err)
	}
	data, err := json.Marshal(record{Token: token})
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	for id := 0; id < count; id++ {
		if _, err := s.kv.Create(ctx, key(name, id), data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("%w: %q segment %d", types.ErrAlreadyInitialized, name, id)
			}

			return fmt.Errorf("failed to create token for segment %d: %w", id, err)
		}
	}

	return nil
}

func (s *Store) FetchSegments(ctx context.Context, name string) ([]int, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list token keys: %w", err)
	}

	prefix := name + "."
	var segments []int
	for k := range lister.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		segments = append(segments, id)
	}
	sort.Ints(segments)

	return segments, nil
}

// load fetches the record and its revision for a segment.
func (s *Store) load(ctx context.Context, name string, segmentID int) (record, uint64, error) {
	entry, err := s.kv.Get(ctx, key(name, segmentID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return record{}, 0, fmt.Errorf("%w: segment %d of %q", types.ErrSegmentUnknown, segmentID, name)
		}

		return record{}, 0, fmt.Errorf("failed to fetch token record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return record{}, 0, fmt.Errorf("failed to decode token record: %w", err)
	}

	return rec, entry.Revision(), nil
}

// save writes the record guarded by the revision read before. A revision
// conflict means another instance touched the claim concurrently.
func (s *Store) save(ctx context.Context, name string, segmentID int, rec record, revision uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	if _, err := s.kv.Update(ctx, key(name, segmentID), data, revision); err != nil {
		return fmt.Errorf("%w: segment %d of %q: %v",
			types.ErrUnableToClaimToken, segmentID, name, err)
	}

	return nil
}

func (s *Store) claimable(rec record) bool {
	if rec.Owner == "" || rec.Owner == s.nodeID {
		return true
	}

	return time.Since(rec.ClaimedAt) > s.claimTimeout
}

func (s *Store) FetchToken(ctx context.Context, name string, segmentID int) (types.TrackingToken, error) {
	rec, revision, err := s.load(ctx, name, segmentID)
	if err != nil {
		return nil, err
	}
	if !s.claimable(rec) {
		return nil, fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, rec.Owner)
	}

	token, err := s.codec.Unmarshal(rec.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	rec.Owner = s.nodeID
	rec.ClaimedAt = time.Now()
	if err := s.save(ctx, name, segmentID, rec, revision); err != nil {
		return nil, err
	}

	return token, nil
}

func (s *Store) StoreToken(ctx context.Context, token types.TrackingToken, name string, segmentID int) error {
	rec, revision, err := s.load(ctx, name, segmentID)
	if err != nil {
		return err
	}
	if rec.Owner != s.nodeID {
		return fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, rec.Owner)
	}

	encoded, err := s.codec.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	rec.Token = encoded
	rec.ClaimedAt = time.Now()

	return s.save(ctx, name, segmentID, rec, revision)
}

func (s *Store) ExtendClaim(ctx context.Context, name string, segmentID int) error {
	rec, revision, err := s.load(ctx, name, segmentID)
	if err != nil {
		return err
	}
	if rec.Owner != s.nodeID {
		return fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, rec.Owner)
	}

	rec.ClaimedAt = time.Now()

	return s.save(ctx, name, segmentID, rec, revision)
}

func (s *Store) ReleaseClaim(ctx context.Context, name string, segmentID int) error {
	rec, revision, err := s.load(ctx, name, segmentID)
	if err != nil {
		return err
	}
	if rec.Owner != s.nodeID {
		return nil
	}

	rec.Owner = ""
	rec.ClaimedAt = time.Time{}

	return s.save(ctx, name, segmentID, rec, revision)
}

func (s *Store) RetrieveStorageIdentifier(_ context.Context) (string, error) {
	return s.kv.Bucket(), nil
}
