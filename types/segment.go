package types

import (
	"fmt"
	"math/bits"

	"github.com/zeebo/xxh3"
)

// Segment is a logical partition of the event stream, identified by an ID
// and a bitmask over a hashed routing key.
//
// An event belongs to exactly one segment of a given segment set: the one
// whose ID equals the event's key hash masked by the segment mask. Segment
// identity never changes during a processor's lifetime.
type Segment struct {
	ID   uint32
	Mask uint32
}

// RootSegment covers the entire event stream.
var RootSegment = Segment{ID: 0, Mask: 0}

// ComputeSegment derives the Segment for segmentID within a set of
// totalCount equally sized segments. The mask is the segment count rounded
// up to a power of two, minus one.
func ComputeSegment(segmentID, totalCount int) Segment {
	if totalCount <= 1 {
		return RootSegment
	}
	mask := uint32(1)<<bits.Len32(uint32(totalCount-1)) - 1

	return Segment{ID: uint32(segmentID), Mask: mask} //nolint:gosec // segment ids are small non-negative ints
}

// Matches reports whether an event with the given routing key belongs to
// this segment.
func (s Segment) Matches(key string) bool {
	return uint32(xxh3.HashString(key))&s.Mask == s.ID
}

// String renders the segment as "id/mask" with a hexadecimal mask.
func (s Segment) String() string {
	return fmt.Sprintf("%d/0x%X", s.ID, s.Mask)
}
