// Package natsjs provides a StreamableMessageSource reading a NATS
// JetStream stream. Tokens are the stream sequence numbers, which gives a
// total order over the whole stream.
package natsjs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tsobe/pooled/types"
)

const fetchBatch = 256

// Config configures the JetStream source.
type Config struct {
	// Stream is the JetStream stream name.
	Stream string
}

// Source reads tracked events from a JetStream stream.
type Source struct {
	js     jetstream.JetStream
	stream string
}

// Compile-time assertion that Source implements StreamableMessageSource.
var _ types.StreamableMessageSource = (*Source)(nil)

// New creates a source over an existing JetStream stream.
func New(js jetstream.JetStream, cfg Config) (*Source, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}

	return &Source{js: js, stream: cfg.Stream}, nil
}

// CreateTailToken returns the position before the oldest retained event.
func (s *Source) CreateTailToken(ctx context.Context) (types.TrackingToken, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream %q: %w", s.stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream info: %w", err)
	}

	if info.State.Msgs == 0 {
		return types.GlobalSequenceToken(info.State.LastSeq), nil
	}

	return types.GlobalSequenceToken(info.State.FirstSeq - 1), nil
}

// OpenStream opens an ordered consumer positioned directly after at.
func (s *Source) OpenStream(ctx context.Context, at types.TrackingToken) (types.EventStream, error) {
	jstream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream %q: %w", s.stream, err)
	}

	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	if at != nil {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(at.Position()) + 1
	}

	consumer, err := jstream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	return &stream{consumer: consumer}, nil
}

type stream struct {
	consumer jetstream.Consumer
	buffer   []types.TrackedEventMessage
	closed   bool
}

func (st *stream) Next() (types.TrackedEventMessage, bool, error) {
	if st.closed {
		return types.TrackedEventMessage{}, false, nil
	}
	if len(st.buffer) == 0 {
		if err := st.refill(); err != nil {
			return types.TrackedEventMessage{}, false, err
		}
	}
	if len(st.buffer) == 0 {
		return types.TrackedEventMessage{}, false, nil
	}

	event := st.buffer[0]
	st.buffer = st.buffer[1:]

	return event, true, nil
}

func (st *stream) refill() error {
	batch, err := st.consumer.FetchNoWait(fetchBatch)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	for msg := range batch.Messages() {
		event, err := toEvent(msg)
		if err != nil {
			return err
		}
		st.buffer = append(st.buffer, event)
	}
	if err := batch.Error(); err != nil {
		return fmt.Errorf("failed to read event batch: %w", err)
	}

	return nil
}

func toEvent(msg jetstream.Msg) (types.TrackedEventMessage, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return types.TrackedEventMessage{}, fmt.Errorf("failed to read message metadata: %w", err)
	}

	id := msg.Headers().Get("Nats-Msg-Id")
	if id == "" {
		id = msg.Subject() + "-" + strconv.FormatUint(meta.Sequence.Stream, 10)
	}

	return types.TrackedEventMessage{
		EventMessage: types.EventMessage{
			ID:        id,
			Key:       msg.Subject(),
			Payload:   msg.Data(),
			Timestamp: meta.Timestamp,
		},
		Token: types.GlobalSequenceToken(meta.Sequence.Stream),
	}, nil
}

func (st *stream) Close() error {
	st.closed = true
	st.buffer = nil

	return nil
}
