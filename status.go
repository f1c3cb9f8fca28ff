package pooled

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tsobe/pooled/types"
)

// statusRegistry holds the observable per-segment tracker statuses.
//
// Updates go through a compare-and-set function so that concurrent
// publishers (the coordinator and every work package) never lose writes;
// readers get an immutable snapshot.
type statusRegistry struct {
	entries *xsync.Map[int, types.TrackerStatus]
}

func newStatusRegistry() *statusRegistry {
	return &statusRegistry{entries: xsync.NewMap[int, types.TrackerStatus]()}
}

// init registers the initial status for a freshly claimed segment.
func (r *statusRegistry) init(segment types.Segment, token types.TrackingToken) {
	r.entries.LoadOrStore(int(segment.ID), types.TrackerStatus{Segment: segment, Token: token})
}

// update atomically applies fn to the entry of segmentID. fn receives nil
// when the segment is not tracked; returning nil removes the entry.
func (r *statusRegistry) update(segmentID int, fn func(old *types.TrackerStatus) *types.TrackerStatus) {
	r.entries.Compute(segmentID, func(old types.TrackerStatus, loaded bool) (types.TrackerStatus, xsync.ComputeOp) {
		var current *types.TrackerStatus
		if loaded {
			snapshot := old
			current = &snapshot
		}
		replacement := fn(current)
		if replacement == nil {
			if loaded {
				return old, xsync.DeleteOp
			}

			return old, xsync.CancelOp
		}

		return *replacement, xsync.UpdateOp
	})
}

// snapshot returns a copy of all tracked statuses.
func (r *statusRegistry) snapshot() map[int]types.TrackerStatus {
	out := make(map[int]types.TrackerStatus, r.entries.Size())
	r.entries.Range(func(id int, status types.TrackerStatus) bool {
		out[id] = status

		return true
	})

	return out
}
