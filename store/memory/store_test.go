package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsobe/pooled/types"
)

func TestStore_InitializeAndFetch(t *testing.T) {
	ctx := context.Background()
	store := New(Config{NodeID: "node-1"})

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 4, types.GlobalSequenceToken(0)))

	segments, err := store.FetchSegments(ctx, "proc")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, segments)

	tok, err := store.FetchToken(ctx, "proc", 2)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSequenceToken(0), tok)

	t.Run("double initialization fails", func(t *testing.T) {
		err := store.InitializeTokenSegments(ctx, "proc", 4, types.GlobalSequenceToken(0))
		assert.ErrorIs(t, err, types.ErrAlreadyInitialized)
	})

	t.Run("unknown segment", func(t *testing.T) {
		_, err := store.FetchToken(ctx, "proc", 99)
		assert.ErrorIs(t, err, types.ErrSegmentUnknown)
	})
}

func TestStore_ClaimContention(t *testing.T) {
	ctx := context.Background()
	store := New(Config{NodeID: "node-1", ClaimTimeout: time.Hour})
	other := store.Fork("node-2")

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))

	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	// Claim is held; the other node cannot fetch, store, or extend.
	_, err = other.FetchToken(ctx, "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
	err = other.StoreToken(ctx, types.GlobalSequenceToken(1), "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
	err = other.ExtendClaim(ctx, "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)

	// Refetching under the same owner is allowed.
	_, err = store.FetchToken(ctx, "proc", 0)
	assert.NoError(t, err)

	// After release the other node takes over.
	require.NoError(t, store.ReleaseClaim(ctx, "proc", 0))
	tok, err := other.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSequenceToken(0), tok)
}

func TestStore_StaleClaimIsStolen(t *testing.T) {
	ctx := context.Background()
	store := New(Config{NodeID: "node-1", ClaimTimeout: 10 * time.Millisecond})
	other := store.Fork("node-2")

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = other.FetchToken(ctx, "proc", 0)
	assert.NoError(t, err)

	// The original owner lost the claim.
	err = store.StoreToken(ctx, types.GlobalSequenceToken(1), "proc", 0)
	assert.ErrorIs(t, err, types.ErrUnableToClaimToken)
}

func TestStore_StoreTokenAdvances(t *testing.T) {
	ctx := context.Background()
	store := New(Config{NodeID: "node-1"})

	require.NoError(t, store.InitializeTokenSegments(ctx, "proc", 1, types.GlobalSequenceToken(0)))
	_, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)

	require.NoError(t, store.StoreToken(ctx, types.GlobalSequenceToken(7), "proc", 0))

	tok, err := store.FetchToken(ctx, "proc", 0)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSequenceToken(7), tok)
}

func TestStore_StorageIdentifier(t *testing.T) {
	ctx := context.Background()
	store := New(Config{})

	id, err := store.RetrieveStorageIdentifier(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Forked handles share the identifier.
	otherID, err := store.Fork("other").RetrieveStorageIdentifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, otherID)
}
