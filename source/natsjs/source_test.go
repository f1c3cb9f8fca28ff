package natsjs

import (
	"context"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pooledtest "github.com/tsobe/pooled/testing"
	"github.com/tsobe/pooled/types"
)

func setupSource(t *testing.T) (*Source, jetstream.JetStream) {
	t.Helper()

	_, nc := pooledtest.StartEmbeddedNATS(t)
	js := pooledtest.JetStream(t, nc)

	_, err := js.CreateStream(context.Background(), jetstream.StreamConfig{
		Name:     "EVENTS",
		Subjects: []string{"events.>"},
	})
	require.NoError(t, err)

	src, err := New(js, Config{Stream: "EVENTS"})
	require.NoError(t, err)

	return src, js
}

func publish(t *testing.T, js jetstream.JetStream, subject, payload string) {
	t.Helper()

	_, err := js.Publish(context.Background(), subject, []byte(payload))
	require.NoError(t, err)
}

func TestSource_TailTokenOnEmptyStream(t *testing.T) {
	src, _ := setupSource(t)

	tail, err := src.CreateTailToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail.Position())
}

func TestSource_ReadFromTail(t *testing.T) {
	ctx := context.Background()
	src, js := setupSource(t)

	publish(t, js, "events.orders", "one")
	publish(t, js, "events.payments", "two")

	tail, err := src.CreateTailToken(ctx)
	require.NoError(t, err)

	stream, err := src.OpenStream(ctx, tail)
	require.NoError(t, err)
	defer stream.Close()

	first, ok, err := stream.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "events.orders", first.Key)
	assert.Equal(t, []byte("one"), first.Payload)
	assert.Equal(t, int64(1), first.Token.Position())

	second, ok, err := stream.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), second.Token.Position())

	// Drained stream reports not-ok without blocking.
	_, ok, err = stream.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSource_OpenStreamAtPosition(t *testing.T) {
	ctx := context.Background()
	src, js := setupSource(t)

	for i := 1; i <= 5; i++ {
		publish(t, js, "events.orders", fmt.Sprintf("payload-%d", i))
	}

	stream, err := src.OpenStream(ctx, types.GlobalSequenceToken(3))
	require.NoError(t, err)
	defer stream.Close()

	event, ok, err := stream.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), event.Token.Position())
}

func TestSource_EventOrderIsMonotonic(t *testing.T) {
	ctx := context.Background()
	src, js := setupSource(t)

	for i := 0; i < 20; i++ {
		publish(t, js, "events.orders", fmt.Sprintf("payload-%d", i))
	}

	stream, err := src.OpenStream(ctx, nil)
	require.NoError(t, err)
	defer stream.Close()

	var prev int64
	for i := 0; i < 20; i++ {
		event, ok, err := stream.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Greater(t, event.Token.Position(), prev)
		prev = event.Token.Position()
	}
}

func TestNew_RequiresStreamName(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}
