package pooled

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memsource "github.com/tsobe/pooled/source/memory"
	memstore "github.com/tsobe/pooled/store/memory"
)

func TestNewProcessor_RequiredDependencies(t *testing.T) {
	cfg := &Config{Name: "test"}
	store := memstore.New(memstore.Config{})
	source := memsource.New()
	batch := BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error {
		return nil
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewProcessor(nil, store, source, batch)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil token store", func(t *testing.T) {
		_, err := NewProcessor(cfg, nil, source, batch)
		require.ErrorIs(t, err, ErrTokenStoreRequired)
	})

	t.Run("nil message source", func(t *testing.T) {
		_, err := NewProcessor(cfg, store, nil, batch)
		require.ErrorIs(t, err, ErrMessageSourceRequired)
	})

	t.Run("nil batch processor", func(t *testing.T) {
		_, err := NewProcessor(cfg, store, source, nil)
		require.ErrorIs(t, err, ErrBatchProcessorRequired)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := NewProcessor(&Config{}, store, source, batch)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestNewProcessor_OptionalDependenciesDefault(t *testing.T) {
	cfg := &Config{Name: "test"}
	proc, err := NewProcessor(cfg,
		memstore.New(memstore.Config{}),
		memsource.New(),
		BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error { return nil }),
	)
	require.NoError(t, err)

	assert.NotNil(t, proc.tm)
	assert.NotNil(t, proc.validator)
	assert.NotNil(t, proc.logger)
	assert.NotNil(t, proc.metrics)
	assert.NotNil(t, proc.coordinatorExec)
	assert.NotNil(t, proc.workerExec)
	assert.Equal(t, "test", proc.Name())
}

func TestProcessor_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	handled := make(map[string]int)

	cfg := &Config{
		Name:                "projections",
		InitialSegmentCount: 4,
		IdleDelay:           10 * time.Millisecond,
	}
	store := memstore.New(memstore.Config{NodeID: "node-1"})
	source := memsource.New()

	proc, err := NewProcessor(cfg, store, source,
		BatchProcessorFunc(func(_ context.Context, events []TrackedEventMessage, _ []Segment) error {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range events {
				handled[ev.ID]++
			}

			return nil
		}),
	)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		source.Publish(EventMessage{ID: fmt.Sprintf("event-%d", i), Key: fmt.Sprintf("agg-%d", i)})
	}

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	assert.True(t, proc.IsRunning())
	assert.False(t, proc.IsError())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(handled) == 25
	}, 2*time.Second, 10*time.Millisecond)

	// Each event reached exactly one segment.
	mu.Lock()
	for id, n := range handled {
		assert.Equal(t, 1, n, "event %q", id)
	}
	mu.Unlock()

	// Statuses are observable while running.
	statuses := proc.Status()
	assert.Len(t, statuses, 4)

	require.NoError(t, proc.Shutdown(ctx))
	assert.False(t, proc.IsRunning())
	assert.Empty(t, proc.Status())

	// Shutdown is idempotent; Start afterwards is rejected.
	require.NoError(t, proc.Shutdown(ctx))
	require.ErrorIs(t, proc.Start(ctx), ErrAlreadyStarted)
}

func TestProcessor_StartBootstrapsSegments(t *testing.T) {
	cfg := &Config{Name: "boot", InitialSegmentCount: 8, IdleDelay: 10 * time.Millisecond}
	store := memstore.New(memstore.Config{})
	source := memsource.New()

	proc, err := NewProcessor(cfg, store, source,
		BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error { return nil }))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	defer proc.Shutdown(ctx)

	segments, err := store.FetchSegments(ctx, "boot")
	require.NoError(t, err)
	assert.Len(t, segments, 8)
}

func TestProcessor_TokenStoreIdentifier(t *testing.T) {
	cfg := &Config{Name: "test"}
	store := memstore.New(memstore.Config{})

	proc, err := NewProcessor(cfg, store, memsource.New(),
		BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error { return nil }))
	require.NoError(t, err)

	ctx := context.Background()
	id, err := proc.TokenStoreIdentifier(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Cached on repeated calls.
	again, err := proc.TokenStoreIdentifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestProcessor_ReleaseSegment(t *testing.T) {
	cfg := &Config{
		Name:                    "release",
		InitialSegmentCount:     2,
		IdleDelay:               10 * time.Millisecond,
		ClaimExtensionThreshold: 50 * time.Millisecond,
	}
	store := memstore.New(memstore.Config{NodeID: "node-1"})

	proc, err := NewProcessor(cfg, store, memsource.New(),
		BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error { return nil }))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	defer proc.Shutdown(ctx)

	require.Eventually(t, func() bool {
		return len(proc.Status()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	proc.ReleaseSegment(0)

	// The segment is let go and becomes claimable by another instance.
	require.Eventually(t, func() bool {
		_, err := store.Fork("node-2").FetchToken(ctx, "release", 0)

		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// ReleaseSegment defaults to twice the claim extension threshold, so
	// the segment comes back once that window passed and nobody took it.
	require.NoError(t, store.Fork("node-2").ReleaseClaim(ctx, "release", 0))
	require.Eventually(t, func() bool {
		return len(proc.Status()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_MaxCapacity(t *testing.T) {
	proc, err := NewProcessor(&Config{Name: "cap"},
		memstore.New(memstore.Config{}), memsource.New(),
		BatchProcessorFunc(func(context.Context, []TrackedEventMessage, []Segment) error { return nil }))
	require.NoError(t, err)

	assert.Equal(t, 32767, proc.MaxCapacity())
}
