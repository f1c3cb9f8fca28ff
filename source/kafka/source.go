// Package kafka provides a StreamableMessageSource reading a single Kafka
// topic partition through sarama.
//
// Tokens are the partition's message offsets. Only a single partition can
// back a source: tracking tokens require a total order, and Kafka orders
// messages per partition only. Use a one-partition topic when the whole
// stream must flow through one processor group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/tsobe/pooled/types"
)

// Config configures the Kafka source.
type Config struct {
	// Topic is the topic to read.
	Topic string

	// Partition is the partition to read. Default: 0.
	Partition int32
}

// offsetLookup is the slice of sarama.Client the source needs for tail
// token creation.
type offsetLookup interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
}

// Source reads tracked events from one Kafka topic partition.
type Source struct {
	consumer  sarama.Consumer
	offsets   offsetLookup
	topic     string
	partition int32
}

// Compile-time assertion that Source implements StreamableMessageSource.
var _ types.StreamableMessageSource = (*Source)(nil)

// New creates a source reading cfg.Topic/cfg.Partition through the given
// client.
func New(client sarama.Client, cfg Config) (*Source, error) {
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Source{
		consumer:  consumer,
		offsets:   client,
		topic:     cfg.Topic,
		partition: cfg.Partition,
	}, nil
}

// Close closes the underlying consumer.
func (s *Source) Close() error {
	return s.consumer.Close()
}

// CreateTailToken returns the position before the oldest retained message.
func (s *Source) CreateTailToken(_ context.Context) (types.TrackingToken, error) {
	oldest, err := s.offsets.GetOffset(s.topic, s.partition, sarama.OffsetOldest)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch oldest offset: %w", err)
	}

	return types.GlobalSequenceToken(oldest - 1), nil
}

// OpenStream opens a partition consumer positioned directly after at.
func (s *Source) OpenStream(_ context.Context, at types.TrackingToken) (types.EventStream, error) {
	offset := sarama.OffsetOldest
	if at != nil {
		offset = at.Position() + 1
	}

	pc, err := s.consumer.ConsumePartition(s.topic, s.partition, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to consume partition %d of %q: %w", s.partition, s.topic, err)
	}

	return &stream{pc: pc}, nil
}

type stream struct {
	pc sarama.PartitionConsumer
}

func (st *stream) Next() (types.TrackedEventMessage, bool, error) {
	select {
	case msg, ok := <-st.pc.Messages():
		if !ok {
			return types.TrackedEventMessage{}, false, errors.New("partition consumer closed")
		}

		return toEvent(msg), true, nil
	case err, ok := <-st.pc.Errors():
		if !ok {
			return types.TrackedEventMessage{}, false, nil
		}

		return types.TrackedEventMessage{}, false, fmt.Errorf("failed to read partition: %w", err)
	default:
		return types.TrackedEventMessage{}, false, nil
	}
}

func toEvent(msg *sarama.ConsumerMessage) types.TrackedEventMessage {
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return types.TrackedEventMessage{
		EventMessage: types.EventMessage{
			ID:        fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
			Key:       string(msg.Key),
			Payload:   msg.Value,
			Timestamp: timestamp,
		},
		Token: types.GlobalSequenceToken(msg.Offset),
	}
}

func (st *stream) Close() error {
	return st.pc.Close()
}
