package types

import "context"

// StreamableMessageSource produces a positional stream of tracked events.
//
// Sources emit events in non-decreasing token order; each event's token
// covers the tokens of all events before it.
type StreamableMessageSource interface {
	// OpenStream opens a forward-only stream positioned directly after the
	// given token. A nil token opens at the start of the stream.
	OpenStream(ctx context.Context, at TrackingToken) (EventStream, error)

	// CreateTailToken returns a token positioned before the first event of
	// the stream. Used to bootstrap segment tokens.
	CreateTailToken(ctx context.Context) (TrackingToken, error)
}

// EventStream is a single-consumer iterator over tracked events.
type EventStream interface {
	// Next returns the next available event without blocking. ok is false
	// when the stream is currently drained; the caller is expected to poll
	// again later.
	Next() (event TrackedEventMessage, ok bool, err error)

	// Close releases the stream's resources.
	Close() error
}
