// Package memory provides an in-memory TokenStore, intended for tests and
// single-process embedding.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tsobe/pooled/types"
)

// Config configures the in-memory store.
type Config struct {
	// NodeID identifies this store instance as a claim owner. A random
	// identifier is generated when empty.
	NodeID string

	// ClaimTimeout is how long a claim survives without renewal before
	// other owners may steal it. Default: 10s.
	ClaimTimeout time.Duration
}

type entry struct {
	token     types.TrackingToken
	owner     string
	claimedAt time.Time
}

// state is the token storage shared between forked handles.
type state struct {
	mu           sync.Mutex
	processors   map[string]map[int]*entry
	claimTimeout time.Duration
	identifier   string
}

// Store is an in-memory TokenStore. Claims are leases identified by the
// configured node ID; Fork produces a second handle on the same stored
// tokens acting as a different cluster instance.
type Store struct {
	nodeID string
	state  *state
}

// Compile-time assertion that Store implements TokenStore.
var _ types.TokenStore = (*Store)(nil)

// New creates an empty in-memory token store.
func New(cfg Config) *Store {
	if cfg.NodeID == "" {
		cfg.NodeID = randomID()
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 10 * time.Second
	}

	return &Store{
		nodeID: cfg.NodeID,
		state: &state{
			processors:   make(map[string]map[int]*entry),
			claimTimeout: cfg.ClaimTimeout,
			identifier:   "memory-" + randomID(),
		},
	}
}

func randomID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}

// Fork returns a second handle on the same stored tokens acting as a
// different claim owner. Used in tests to model claim contention between
// cluster instances.
func (s *Store) Fork(nodeID string) *Store {
	return &Store{nodeID: nodeID, state: s.state}
}

func (s *Store) InitializeTokenSegments(_ context.Context, name string, count int, initial types.TrackingToken) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if len(s.state.processors[name]) > 0 {
		return types.ErrAlreadyInitialized
	}
	segments := make(map[int]*entry, count)
	for id := 0; id < count; id++ {
		segments[id] = &entry{token: initial}
	}
	s.state.processors[name] = segments

	return nil
}

func (s *Store) FetchSegments(_ context.Context, name string) ([]int, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	ids := make([]int, 0, len(s.state.processors[name]))
	for id := range s.state.processors[name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids, nil
}

func (s *Store) FetchToken(_ context.Context, name string, segmentID int) (types.TrackingToken, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	e, err := s.lookup(name, segmentID)
	if err != nil {
		return nil, err
	}
	if !s.claimable(e) {
		return nil, fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, e.owner)
	}
	e.owner = s.nodeID
	e.claimedAt = time.Now()

	return e.token, nil
}

func (s *Store) StoreToken(_ context.Context, token types.TrackingToken, name string, segmentID int) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	e, err := s.lookup(name, segmentID)
	if err != nil {
		return err
	}
	if e.owner != s.nodeID {
		return fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, e.owner)
	}
	e.token = token
	e.claimedAt = time.Now()

	return nil
}

func (s *Store) ExtendClaim(_ context.Context, name string, segmentID int) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	e, err := s.lookup(name, segmentID)
	if err != nil {
		return err
	}
	if e.owner != s.nodeID {
		return fmt.Errorf("%w: segment %d of %q held by %q",
			types.ErrUnableToClaimToken, segmentID, name, e.owner)
	}
	e.claimedAt = time.Now()

	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, name string, segmentID int) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	e, err := s.lookup(name, segmentID)
	if err != nil {
		return err
	}
	if e.owner == s.nodeID {
		e.owner = ""
	}

	return nil
}

func (s *Store) RetrieveStorageIdentifier(_ context.Context) (string, error) {
	return s.state.identifier, nil
}

// lookup requires state.mu to be held.
func (s *Store) lookup(name string, segmentID int) (*entry, error) {
	e, ok := s.state.processors[name][segmentID]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d of %q", types.ErrSegmentUnknown, segmentID, name)
	}

	return e, nil
}

// claimable requires state.mu to be held.
func (s *Store) claimable(e *entry) bool {
	if e.owner == "" || e.owner == s.nodeID {
		return true
	}

	return time.Since(e.claimedAt) > s.state.claimTimeout
}
