// Package workpackage implements the per-segment worker of the pooled
// event processor.
package workpackage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsobe/pooled/types"
)

// Config carries the collaborators and settings of a WorkPackage. All
// fields are required; the coordinator fills them in when spawning.
type Config struct {
	Name                    string
	Segment                 types.Segment
	InitialToken            types.TrackingToken
	BatchSize               int
	InboxCapacity           int
	ClaimExtensionThreshold time.Duration

	TokenStore         types.TokenStore
	TransactionManager types.TransactionManager
	BatchProcessor     types.BatchProcessor
	Validator          types.EventValidator
	Executor           types.Executor

	// UpdateStatus atomically applies an update to this segment's status
	// entry. A nil result removes the entry.
	UpdateStatus func(update func(old *types.TrackerStatus) *types.TrackerStatus)

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// WorkPackage ingests the events of a single segment, filters and batches
// them, commits them through the batch processor, and advances the
// segment's token in the token store.
//
// A package owns exactly one segment for its entire lifetime and holds the
// segment's claim from spawn until abort completion. The processing routine
// runs at most once concurrently, enforced by an atomic scheduled flag:
// all per-package state except the inbox and the abort flag is only touched
// from inside the routine.
type WorkPackage struct {
	cfg Config
	ctx context.Context

	inboxMu sync.Mutex
	inbox   []types.TrackedEventMessage

	scheduled     atomic.Bool
	lastDelivered atomic.Value // types.TrackingToken
	lastStored    atomic.Value // types.TrackingToken

	// Routine-only state.
	lastStoreTime time.Time

	aborted    atomic.Bool
	abortMu    sync.Mutex
	abortCause error
	terminated bool
	waiters    []chan error
}

// tokenBox wraps a TrackingToken so that differing concrete token types can
// share an atomic.Value slot.
type tokenBox struct{ token types.TrackingToken }

// New creates a WorkPackage positioned at cfg.InitialToken. The package
// does nothing until events are scheduled or ScheduleWorker is called.
func New(ctx context.Context, cfg Config) *WorkPackage {
	w := &WorkPackage{
		cfg:           cfg,
		ctx:           ctx,
		inbox:         make([]types.TrackedEventMessage, 0, cfg.BatchSize),
		lastStoreTime: time.Now(),
	}
	w.lastDelivered.Store(tokenBox{token: cfg.InitialToken})
	w.lastStored.Store(tokenBox{token: cfg.InitialToken})

	return w
}

// Segment returns the segment this package owns.
func (w *WorkPackage) Segment() types.Segment {
	return w.cfg.Segment
}

// LastDeliveredToken returns the token of the newest event accepted into
// the inbox, or the initial token when none was.
func (w *WorkPackage) LastDeliveredToken() types.TrackingToken {
	return w.lastDelivered.Load().(tokenBox).token
}

// LastStoredToken returns the newest token persisted for the segment.
func (w *WorkPackage) LastStoredToken() types.TrackingToken {
	return w.lastStored.Load().(tokenBox).token
}

// IsAbortTriggered reports whether an abort has been requested. The package
// may still be running its final pass.
func (w *WorkPackage) IsAbortTriggered() bool {
	return w.aborted.Load()
}

// HasRemainingCapacity reports whether the inbox is below its bound. The
// coordinator pauses fan-out when every live package reports false.
func (w *WorkPackage) HasRemainingCapacity() bool {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()

	return len(w.inbox) < w.cfg.InboxCapacity
}

// ScheduleEvent enqueues an event for this segment and ensures the
// processing routine will run.
//
// Events whose token is already covered by the last delivered token are
// silently dropped; the coordinator replays events when reopening streams,
// and duplicates must not regress the cursor. Events arriving after an
// abort was triggered are discarded.
func (w *WorkPackage) ScheduleEvent(event types.TrackedEventMessage) {
	if w.aborted.Load() {
		return
	}
	if last := w.LastDeliveredToken(); last != nil && last.Covers(event.Token) {
		return
	}

	w.inboxMu.Lock()
	w.inbox = append(w.inbox, event)
	w.inboxMu.Unlock()

	w.lastDelivered.Store(tokenBox{token: event.Token})
	w.ScheduleWorker()
}

// ScheduleWorker ensures the processing routine is pending execution even
// when no new event arrived. The coordinator calls this every idle pass so
// packages get a chance to extend their claim, and after triggering aborts
// so terminating packages run their final pass.
func (w *WorkPackage) ScheduleWorker() {
	if !w.scheduled.CompareAndSwap(false, true) {
		return
	}
	if err := w.cfg.Executor.Schedule(w.processEvents); err != nil {
		w.scheduled.Store(false)
		w.cfg.Logger.Warn("worker executor rejected task",
			"processor", w.cfg.Name, "segment", w.cfg.Segment.ID, "error", err)
	}
}

// processEvents is the processing routine. At most one invocation is in
// flight per package.
func (w *WorkPackage) processEvents() {
	if w.aborted.Load() {
		w.terminate()

		return
	}

	batch := w.drain(w.cfg.BatchSize)

	accepted := make([]types.TrackedEventMessage, 0, len(batch))
	var advanceTo types.TrackingToken
	for _, event := range batch {
		if w.cfg.Validator.ShouldHandle(event, w.cfg.Segment) {
			accepted = append(accepted, event)
		}
		// Rejected events still advance the token; progress must persist
		// even when a segment handles none of the drained events.
		advanceTo = types.Max(advanceTo, event.Token)
	}

	if len(accepted) > 0 {
		start := time.Now()
		err := w.cfg.TransactionManager.InTransaction(w.ctx, func(ctx context.Context) error {
			return w.cfg.BatchProcessor.ProcessBatch(ctx, accepted, []types.Segment{w.cfg.Segment})
		})
		if err != nil {
			w.failWith(err)

			return
		}
		w.cfg.Metrics.RecordBatch(int(w.cfg.Segment.ID), len(accepted), time.Since(start).Seconds())
	}

	if advanceTo != nil {
		w.advanceToken(advanceTo)
	}

	if len(accepted) == 0 && time.Since(w.lastStoreTime) >= w.cfg.ClaimExtensionThreshold {
		w.extendClaim()
	}

	w.scheduled.Store(false)
	if !w.inboxEmpty() || w.aborted.Load() {
		w.ScheduleWorker()
	}
}

// failWith records err as the abort cause, publishes the error state, and
// schedules the final pass that will publish absent and resolve the abort
// futures.
func (w *WorkPackage) failWith(err error) {
	w.cfg.Logger.Error("event batch failed, aborting work package",
		"processor", w.cfg.Name, "segment", w.cfg.Segment.ID, "error", err)
	w.cfg.Metrics.RecordPackageAborted(int(w.cfg.Segment.ID), true)

	w.abortMu.Lock()
	if !w.aborted.Load() {
		w.abortCause = err
		w.aborted.Store(true)
	}
	w.abortMu.Unlock()

	w.cfg.UpdateStatus(func(old *types.TrackerStatus) *types.TrackerStatus {
		if old == nil {
			return nil
		}
		status := old.WithError(err)

		return &status
	})

	w.scheduled.Store(false)
	w.ScheduleWorker()
}

// advanceToken persists token when it is ahead of the last stored one.
func (w *WorkPackage) advanceToken(token types.TrackingToken) {
	if last := w.LastStoredToken(); last != nil && last.Covers(token) {
		return
	}

	err := w.cfg.TokenStore.StoreToken(w.ctx, token, w.cfg.Name, int(w.cfg.Segment.ID))
	if err != nil {
		// A failed store is not re-attempted on its own: the next pass that
		// drains events stores a token covering this one, and idle passes
		// past the claim extension threshold keep renewing the claim.
		w.cfg.Logger.Warn("failed to store token",
			"processor", w.cfg.Name, "segment", w.cfg.Segment.ID,
			"position", token.Position(), "error", err)

		return
	}

	w.lastStored.Store(tokenBox{token: token})
	w.lastStoreTime = time.Now()
	w.cfg.Metrics.RecordTokenStored(int(w.cfg.Segment.ID))
	w.cfg.UpdateStatus(func(old *types.TrackerStatus) *types.TrackerStatus {
		if old == nil {
			return nil
		}
		status := old.AdvancedTo(token)

		return &status
	})
}

// extendClaim renews the claim when the package has been idle past the
// claim extension threshold.
func (w *WorkPackage) extendClaim() {
	err := w.cfg.TokenStore.ExtendClaim(w.ctx, w.cfg.Name, int(w.cfg.Segment.ID))
	if err != nil {
		w.cfg.Logger.Warn("failed to extend claim",
			"processor", w.cfg.Name, "segment", w.cfg.Segment.ID, "error", err)

		return
	}

	w.lastStoreTime = time.Now()
	w.cfg.Metrics.RecordClaimExtended(int(w.cfg.Segment.ID))
}

// terminate finishes an aborted package: it publishes the absent status and
// resolves every abort future with the first recorded cause.
func (w *WorkPackage) terminate() {
	w.abortMu.Lock()
	if w.terminated {
		w.abortMu.Unlock()

		return
	}
	w.terminated = true
	cause := w.abortCause
	waiters := w.waiters
	w.waiters = nil
	w.abortMu.Unlock()

	w.cfg.UpdateStatus(func(*types.TrackerStatus) *types.TrackerStatus { return nil })

	for _, ch := range waiters {
		ch <- cause
	}
	w.scheduled.Store(false)
}

// Abort requests termination of the package. The returned channel resolves
// with the first recorded abort cause once the processing routine observes
// the abort; repeated calls do not overwrite the original cause.
func (w *WorkPackage) Abort(cause error) <-chan error {
	ch := make(chan error, 1)

	w.abortMu.Lock()
	if !w.aborted.Load() {
		w.abortCause = cause
		w.aborted.Store(true)
	}
	if w.terminated {
		ch <- w.abortCause
		w.abortMu.Unlock()

		return ch
	}
	w.waiters = append(w.waiters, ch)
	w.abortMu.Unlock()

	w.ScheduleWorker()

	return ch
}

// Stop aborts the package without a cause. The returned channel resolves
// with the last stored token after the final processing pass.
func (w *WorkPackage) Stop() <-chan types.TrackingToken {
	out := make(chan types.TrackingToken, 1)
	done := w.Abort(nil)
	go func() {
		<-done
		out <- w.LastStoredToken()
	}()

	return out
}

func (w *WorkPackage) drain(max int) []types.TrackedEventMessage {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()

	n := len(w.inbox)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]types.TrackedEventMessage, n)
	copy(batch, w.inbox[:n])
	w.inbox = w.inbox[:copy(w.inbox, w.inbox[n:])]

	return batch
}

func (w *WorkPackage) inboxEmpty() bool {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()

	return len(w.inbox) == 0
}
