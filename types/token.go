package types

import "strconv"

// TrackingToken identifies a position in a totally ordered event stream.
//
// Tokens are opaque to the processor core; the only operations it needs are
// coverage comparison and a numeric rendering for observability. Token
// implementations must be immutable and safe to share between goroutines.
type TrackingToken interface {
	// Covers reports whether other points at or before this token's
	// position. A nil other is always covered.
	Covers(other TrackingToken) bool

	// Position returns a numeric rendering of the token position, used for
	// status reporting and logging.
	Position() int64
}

// GlobalSequenceToken is a TrackingToken backed by a single global sequence
// number. It is the token type produced by the bundled message sources.
type GlobalSequenceToken int64

var _ TrackingToken = GlobalSequenceToken(0)

// Covers reports whether other is at or before this sequence number.
// Tokens of a different concrete type are never covered.
func (t GlobalSequenceToken) Covers(other TrackingToken) bool {
	if other == nil {
		return true
	}
	o, ok := other.(GlobalSequenceToken)
	if !ok {
		return false
	}

	return o <= t
}

// Position returns the sequence number.
func (t GlobalSequenceToken) Position() int64 {
	return int64(t)
}

// String returns the sequence number in decimal form.
func (t GlobalSequenceToken) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// Max returns the covering token of a and b. A nil argument is treated as
// the lowest possible position.
func Max(a, b TrackingToken) TrackingToken {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Covers(b) {
		return a
	}

	return b
}
