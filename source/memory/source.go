// Package memory provides an in-memory StreamableMessageSource, intended
// for tests and single-process embedding.
package memory

import (
	"context"
	"sync"

	"github.com/tsobe/pooled/types"
)

// Source is an append-only in-memory event log. Published events are
// assigned consecutive GlobalSequenceTokens starting at 1; the tail token
// is position 0.
type Source struct {
	mu     sync.RWMutex
	events []types.TrackedEventMessage
}

// Compile-time assertion that Source implements StreamableMessageSource.
var _ types.StreamableMessageSource = (*Source)(nil)

// New creates an empty in-memory source.
func New() *Source {
	return &Source{}
}

// Publish appends events to the log, assigning each the next global
// sequence position.
func (s *Source) Publish(events ...types.EventMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		s.events = append(s.events, types.TrackedEventMessage{
			EventMessage: event,
			Token:        types.GlobalSequenceToken(len(s.events) + 1),
		})
	}
}

// CreateTailToken returns the position before the first event.
func (s *Source) CreateTailToken(_ context.Context) (types.TrackingToken, error) {
	return types.GlobalSequenceToken(0), nil
}

// OpenStream opens a cursor positioned directly after at. A nil token
// opens at the start of the log.
func (s *Source) OpenStream(_ context.Context, at types.TrackingToken) (types.EventStream, error) {
	return &stream{source: s, position: position(at)}, nil
}

func position(at types.TrackingToken) int64 {
	if at == nil {
		return 0
	}

	return at.Position()
}

type stream struct {
	source   *Source
	position int64
	closed   bool
}

func (st *stream) Next() (types.TrackedEventMessage, bool, error) {
	st.source.mu.RLock()
	defer st.source.mu.RUnlock()

	if st.closed || st.position >= int64(len(st.source.events)) {
		return types.TrackedEventMessage{}, false, nil
	}
	event := st.source.events[st.position]
	st.position++

	return event, true, nil
}

func (st *stream) Close() error {
	st.closed = true

	return nil
}
