package types

// TrackerStatus is an observable snapshot of a segment's processing
// progress. Snapshots are values; mutation happens by publishing a new
// snapshot through a status update function.
type TrackerStatus struct {
	// Segment is the segment this status describes.
	Segment Segment

	// Token is the last position persisted for the segment.
	Token TrackingToken

	// CaughtUp is true once the segment has consumed all events currently
	// available from the message source.
	CaughtUp bool

	// Replaying is true while the segment is reprocessing previously
	// handled events.
	Replaying bool

	// Err holds the cause when the segment's worker failed. An error state
	// is observable before the status entry is removed, so monitors can
	// distinguish a crash from an orderly shutdown.
	Err error
}

// IsErrorState reports whether the tracker is in an error state.
func (s TrackerStatus) IsErrorState() bool {
	return s.Err != nil
}

// AdvancedTo returns a copy of the status positioned at token.
func (s TrackerStatus) AdvancedTo(token TrackingToken) TrackerStatus {
	s.Token = token

	return s
}

// WithError returns a copy of the status carrying err.
func (s TrackerStatus) WithError(err error) TrackerStatus {
	s.Err = err

	return s
}

// MarkedCaughtUp returns a copy of the status flagged as caught up.
func (s TrackerStatus) MarkedCaughtUp() TrackerStatus {
	s.CaughtUp = true

	return s
}

// StatusUpdater atomically applies an update function to the status entry
// of a segment. The function receives the current snapshot (nil when the
// segment is not tracked) and returns the replacement; returning nil
// removes the entry.
type StatusUpdater func(segmentID int, update func(old *TrackerStatus) *TrackerStatus)
