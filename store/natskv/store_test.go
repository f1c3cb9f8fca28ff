package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pooledtest "github.com/tsobe/pooled/testing"
	"github.com/tsobe/pooled/types"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()

	_, nc := pooledtest.StartEmbeddedNATS(t)
	js := pooledtest.JetStream(t, nc)

	store, err := New(context.Background(), js, cfg)
	require.NoError(t, err)

	return store
}

func fork(t *testing.T, store *Store, nodeID string) *Store {
	t.Helper()

	clone := *store
	clone.nodeID = nodeID

	return &clone
}

func TestStore_InitializeAndFetch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, Config{NodeID: "node-1"})

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 4, types.GlobalSequenceToken(0)))

	segments, err := store.FetchSegments(ctx, "proc")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, segments)

	tok, err := store.FetchToken(ctx, "proc", 1)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSequenceToken(0), tok)

	t.Run("double initialization fails", func(t *testing.T) {
		err := store.InitializeTokenSegments(ctx, "proc", 4, types.GlobalSequenceToken(0))
		assert.ErrorIs(t, err, types.ErrAlreadyInitialized)
	})

	t.Run("unknown segment", func(t *testing.T) {
		_, err := store.FetchToken(ctx, "proc", 42)
		assert.ErrorIs(t, err, types.ErrSegmentUnknown)
	})

	t.Run("unknown processor lists nothing", func(t *testing.T) {
		segments, err := store.FetchSegments(ctx, "other-proc")
		require.NoError(t, err)
		assert.Empty(t, segments)
	})
}

func TestStore_StoreAndRoundTripToken(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, Config{NodeID: "node-1"})

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	require.NoError(t, store.StoreToken(ctx, types.GlobalSequenceToken(17), "proc", 0))

	tok, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSequenceToken(17), tok)
}

func TestStore_ClaimContention(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, Config{NodeID: "node-1", ClaimTimeout: time.Hour})
	other := fork(t, store, "node-2")

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	_, err = other.FetchToken(ctx, "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
	assert.ErrorIs(t, other.StoreToken(ctx, types.GlobalSequenceToken(1), "proc", 0), types.ErrUnableToClaimToken)
	assert.ErrorIs(t, other.ExtendClaim(ctx, "proc", 0), types.ErrUnableToClaimToken)

	// Release hands the claim over.
	require.NoError(t, store.ReleaseClaim(ctx, "proc", 0))
	_, err = other.FetchToken(ctx, "proc", 0)
	assert.NoError(t, err)
}

func TestStore_StaleClaimIsStolen(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, Config{NodeID: "node-1", ClaimTimeout: 10 * time.Millisecond})
	other := fork(t, store, "node-2")

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = other.FetchToken(ctx, "proc", 0)
	assert.NoError(t, err)

	err = store.ExtendClaim(ctx, "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
}

func TestStore_ExtendClaimKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, Config{NodeID: "node-1", ClaimTimeout: 50 * time.Millisecond})
	other := fork(t, store, "node-2")

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, store.ExtendClaim(ctx, "proc", 0))
	}

	// The claim stayed fresh the whole time.
	_, err = other.FetchToken(ctx, "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
}

func TestStore_StorageIdentifier(t *testing.T) {
	store := newStore(t, Config{NodeID: "node-1", Bucket: "custom-tokens"})

	id, err := store.RetrieveStorageIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "custom-tokens", id)
}
