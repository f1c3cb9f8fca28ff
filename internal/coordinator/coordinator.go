// Package coordinator implements the claim manager and event reader of the
// pooled event processor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsobe/pooled/internal/workpackage"
	"github.com/tsobe/pooled/types"
)

// Coordinator lifecycle states.
const (
	stateInitial int32 = iota
	stateStarted
	stateStopping
	stateStopped
)

// Config carries the collaborators and settings of a Coordinator.
type Config struct {
	Name               string
	Source             types.StreamableMessageSource
	TokenStore         types.TokenStore
	TransactionManager types.TransactionManager

	// SpawnWorker creates a work package for a freshly claimed segment,
	// positioned at the fetched token.
	SpawnWorker func(segment types.Segment, token types.TrackingToken) *workpackage.WorkPackage

	Executor     types.Executor
	UpdateStatus types.StatusUpdater
	Logger       types.Logger
	Metrics      types.MetricsCollector

	InitialSegmentCount int
	InitialToken        func(ctx context.Context, source types.StreamableMessageSource) (types.TrackingToken, error)

	// EventsPerPass bounds how many events one reader pass fans out.
	EventsPerPass int

	// IdleDelay is the reschedule delay after a pass that found the source
	// empty.
	IdleDelay time.Duration

	// ErrorBackoff is the reschedule delay after a failed pass.
	ErrorBackoff time.Duration

	// ErrorThreshold is the number of consecutive failed passes after
	// which the coordinator reports an error state.
	ErrorThreshold int
}

// Coordinator owns the segment-claim lifecycle: it claims segments from the
// token store, spawns a work package per claim, reads the event stream, and
// fans events out to the packages whose segment matches.
//
// At most one coordination pass is in flight at a time, enforced by the same
// scheduled-flag discipline the work packages use.
type Coordinator struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	state         atomic.Int32
	errorFlag     atomic.Bool
	taskScheduled atomic.Bool

	// Routine-only state.
	failures int

	mu           sync.Mutex
	packages     map[int]*workpackage.WorkPackage
	releaseUntil map[int]time.Time
	stream       types.EventStream

	stopDone chan struct{}
}

// New creates a Coordinator. It does nothing until Start is called.
func New(cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		packages:     make(map[int]*workpackage.WorkPackage),
		releaseUntil: make(map[int]time.Time),
		stopDone:     make(chan struct{}),
	}
}

// Start begins coordination. The first call transitions the coordinator to
// running; later calls on a running coordinator are no-ops. A stopped
// coordinator cannot be restarted.
func (c *Coordinator) Start() error {
	if !c.state.CompareAndSwap(stateInitial, stateStarted) {
		switch c.state.Load() {
		case stateStarted:
			return nil
		default:
			return errors.New("coordinator already stopped")
		}
	}

	c.cfg.Logger.Info("coordinator starting", "processor", c.cfg.Name)
	c.scheduleCoordinationTask(0)

	return nil
}

// Stop initiates orderly shutdown. The returned channel closes after every
// live work package resolved its abort, the reader loop exited, and all
// claims were released. Repeated calls return the same channel.
func (c *Coordinator) Stop() <-chan struct{} {
	for {
		switch s := c.state.Load(); s {
		case stateInitial:
			if c.state.CompareAndSwap(stateInitial, stateStopped) {
				c.cancel()
				close(c.stopDone)

				return c.stopDone
			}
		case stateStarted:
			if c.state.CompareAndSwap(stateStarted, stateStopping) {
				c.cfg.Logger.Info("coordinator stopping", "processor", c.cfg.Name)
				c.scheduleCoordinationTask(0)

				return c.stopDone
			}
		default:
			return c.stopDone
		}
	}
}

// IsRunning reports whether the coordinator has been started and not yet
// begun shutting down.
func (c *Coordinator) IsRunning() bool {
	return c.state.Load() == stateStarted
}

// IsError reports whether consecutive coordination failures exceeded the
// error threshold. The coordinator keeps running and retrying regardless.
func (c *Coordinator) IsError() bool {
	return c.errorFlag.Load()
}

// ReleaseUntil signals that the given segment must not be reclaimed before
// deadline. When the segment is currently held, its work package is aborted
// without a cause and retired on the next pass.
func (c *Coordinator) ReleaseUntil(segmentID int, deadline time.Time) {
	c.mu.Lock()
	c.releaseUntil[segmentID] = deadline
	pkg := c.packages[segmentID]
	c.mu.Unlock()

	c.cfg.Logger.Info("segment released until deadline",
		"processor", c.cfg.Name, "segment", segmentID, "deadline", deadline)
	if pkg != nil {
		pkg.Abort(nil)
	}
	c.scheduleCoordinationTask(0)
}

// scheduleCoordinationTask ensures exactly one pending pass, submitted
// after delay.
func (c *Coordinator) scheduleCoordinationTask(delay time.Duration) {
	if !c.taskScheduled.CompareAndSwap(false, true) {
		return
	}
	if delay <= 0 {
		c.submitTask()

		return
	}
	time.AfterFunc(delay, c.submitTask)
}

func (c *Coordinator) submitTask() {
	if err := c.cfg.Executor.Schedule(c.coordinationTask); err != nil {
		c.taskScheduled.Store(false)
		c.cfg.Logger.Warn("coordinator executor rejected task",
			"processor", c.cfg.Name, "error", err)
	}
}

// coordinationTask is one reader pass. It retires aborted packages, claims
// newly available segments, pulls a batch of events from the source, fans
// them out, and reschedules itself.
func (c *Coordinator) coordinationTask() {
	switch c.state.Load() {
	case stateStopping:
		c.performShutdown()

		return
	case stateStarted:
	default:
		c.taskScheduled.Store(false)

		return
	}

	drained, err := c.runPass()

	c.taskScheduled.Store(false)
	if c.state.Load() == stateStopping {
		// Stop raced with this pass; run the shutdown sequence promptly.
		c.scheduleCoordinationTask(0)

		return
	}
	if err != nil {
		c.failures++
		if c.cfg.ErrorThreshold > 0 && c.failures >= c.cfg.ErrorThreshold {
			c.errorFlag.Store(true)
		}
		c.cfg.Logger.Warn("coordination pass failed",
			"processor", c.cfg.Name, "consecutive_failures", c.failures, "error", err)
		c.scheduleCoordinationTask(c.cfg.ErrorBackoff)

		return
	}

	c.failures = 0
	c.errorFlag.Store(false)
	if drained {
		c.scheduleCoordinationTask(c.cfg.IdleDelay)
	} else {
		// The source still has events (or a full inbox paused fan-out);
		// resume immediately so delivery continues as capacity frees up.
		c.scheduleCoordinationTask(0)
	}
}

// runPass runs one reader pass. It reports whether the source is drained;
// a pass cut short by backpressure or the per-pass event bound is not
// drained and must be resumed immediately.
func (c *Coordinator) runPass() (bool, error) {
	c.retireAbortedPackages()

	claimsChanged, err := c.claimNewSegments()
	if err != nil {
		return false, err
	}

	stream, err := c.ensureStream(claimsChanged)
	if err != nil {
		return false, err
	}
	if stream == nil {
		// Nothing claimed, nothing to read.
		return true, nil
	}

	drained, err := c.fanOut(stream)
	if err != nil {
		// Force a reopen on the next pass; the stream may be broken.
		c.closeStream()

		return false, err
	}

	return drained, nil
}

// retireAbortedPackages removes packages that triggered an abort (handler
// failure or an external release) and gives their claim back to the store.
func (c *Coordinator) retireAbortedPackages() {
	c.mu.Lock()
	var retired []int
	for id, pkg := range c.packages {
		if pkg.IsAbortTriggered() {
			retired = append(retired, id)
			delete(c.packages, id)
			// Let the package run its final pass.
			pkg.ScheduleWorker()
		}
	}
	count := len(c.packages)
	c.mu.Unlock()

	for _, id := range retired {
		c.cfg.Logger.Info("retiring work package", "processor", c.cfg.Name, "segment", id)
		c.releaseClaim(id)
	}
	if len(retired) > 0 {
		c.cfg.Metrics.RecordActiveSegments(count)
	}
}

func (c *Coordinator) releaseClaim(segmentID int) {
	// Best effort: the store may have expired the claim already.
	if err := c.cfg.TokenStore.ReleaseClaim(c.ctx, c.cfg.Name, segmentID); err != nil {
		c.cfg.Logger.Debug("failed to release claim",
			"processor", c.cfg.Name, "segment", segmentID, "error", err)

		return
	}
	c.cfg.Metrics.RecordClaimReleased(segmentID)
}

// claimNewSegments enumerates segments from the token store, bootstrapping
// them on first start, and attempts to claim every segment this instance
// does not hold yet. Claim contention is expected and skipped silently.
func (c *Coordinator) claimNewSegments() (bool, error) {
	var segments []int
	err := c.cfg.TransactionManager.InTransaction(c.ctx, func(ctx context.Context) error {
		var err error
		segments, err = c.cfg.TokenStore.FetchSegments(ctx, c.cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to fetch segments: %w", err)
		}
		if len(segments) > 0 {
			return nil
		}

		c.cfg.Logger.Info("initializing token segments",
			"processor", c.cfg.Name, "count", c.cfg.InitialSegmentCount)
		initial, err := c.cfg.InitialToken(ctx, c.cfg.Source)
		if err != nil {
			return fmt.Errorf("failed to create initial token: %w", err)
		}
		err = c.cfg.TokenStore.InitializeTokenSegments(ctx, c.cfg.Name, c.cfg.InitialSegmentCount, initial)
		if err != nil && !errors.Is(err, types.ErrAlreadyInitialized) {
			return fmt.Errorf("failed to initialize token segments: %w", err)
		}
		segments, err = c.cfg.TokenStore.FetchSegments(ctx, c.cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to fetch segments: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	claimed := false
	now := time.Now()
	for _, id := range segments {
		c.mu.Lock()
		_, live := c.packages[id]
		deadline, deferred := c.releaseUntil[id]
		if deferred && now.After(deadline) {
			delete(c.releaseUntil, id)
			deferred = false
		}
		c.mu.Unlock()

		if live || deferred {
			continue
		}

		var token types.TrackingToken
		err := c.cfg.TransactionManager.InTransaction(c.ctx, func(ctx context.Context) error {
			var err error
			token, err = c.cfg.TokenStore.FetchToken(ctx, c.cfg.Name, id)

			return err
		})
		if err != nil {
			if errors.Is(err, types.ErrUnableToClaimToken) {
				c.cfg.Logger.Debug("segment claimed elsewhere",
					"processor", c.cfg.Name, "segment", id)
			} else {
				c.cfg.Logger.Warn("failed to fetch token",
					"processor", c.cfg.Name, "segment", id, "error", err)
			}
			c.cfg.Metrics.RecordClaimFailed(id)

			continue
		}

		segment := types.ComputeSegment(id, len(segments))
		pkg := c.cfg.SpawnWorker(segment, token)

		c.mu.Lock()
		c.packages[id] = pkg
		count := len(c.packages)
		c.mu.Unlock()

		c.cfg.Logger.Info("claimed segment",
			"processor", c.cfg.Name, "segment", segment.String(),
			"position", tokenPosition(token))
		c.cfg.Metrics.RecordClaimAcquired(id)
		c.cfg.Metrics.RecordActiveSegments(count)
		claimed = true
	}

	return claimed, nil
}

func tokenPosition(token types.TrackingToken) int64 {
	if token == nil {
		return -1
	}

	return token.Position()
}

// ensureStream (re)opens the message source at the minimum token among the
// live packages. Returns nil when no segment is held.
func (c *Coordinator) ensureStream(claimsChanged bool) (types.EventStream, error) {
	c.mu.Lock()
	livePackages := len(c.packages)
	stream := c.stream
	var min types.TrackingToken
	haveMin := false
	for _, pkg := range c.packages {
		tok := pkg.LastDeliveredToken()
		if !haveMin {
			min = tok
			haveMin = true

			continue
		}
		if tok == nil || (min != nil && min.Covers(tok)) {
			min = tok
		}
	}
	c.mu.Unlock()

	if livePackages == 0 {
		c.closeStream()

		return nil, nil
	}
	if stream != nil && !claimsChanged {
		return stream, nil
	}

	c.closeStream()
	opened, err := c.cfg.Source.OpenStream(c.ctx, min)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	c.mu.Lock()
	c.stream = opened
	c.mu.Unlock()
	c.cfg.Logger.Debug("event stream opened",
		"processor", c.cfg.Name, "position", tokenPosition(min))

	return opened, nil
}

func (c *Coordinator) closeStream() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.cfg.Logger.Debug("failed to close event stream",
				"processor", c.cfg.Name, "error", err)
		}
	}
}

// fanOut pulls up to EventsPerPass events and offers each to every live
// package whose segment matches. Packages that received nothing get a
// worker pass anyway so they can consider extending their claim. Reports
// whether the stream ran dry; breaking off for backpressure or the
// per-pass bound leaves events behind and is not drained.
func (c *Coordinator) fanOut(stream types.EventStream) (bool, error) {
	c.mu.Lock()
	packages := make(map[int]*workpackage.WorkPackage, len(c.packages))
	for id, pkg := range c.packages {
		packages[id] = pkg
	}
	c.mu.Unlock()

	received := make(map[int]bool, len(packages))
	processed := 0
	drained := false

	for processed < c.cfg.EventsPerPass {
		if !anyCapacity(packages) {
			// Backpressure: every inbox is full, resume next pass.
			break
		}

		event, ok, err := stream.Next()
		if err != nil {
			return false, fmt.Errorf("failed to read event stream: %w", err)
		}
		if !ok {
			drained = true

			break
		}

		key := event.RoutingKey()
		for id, pkg := range packages {
			if !pkg.Segment().Matches(key) {
				continue
			}
			if last := pkg.LastDeliveredToken(); last != nil && last.Covers(event.Token) {
				continue
			}
			pkg.ScheduleEvent(event)
			received[id] = true
		}
		processed++
	}

	if processed > 0 {
		c.cfg.Metrics.RecordEventsIngested(processed)
	}

	for id, pkg := range packages {
		if received[id] {
			continue
		}
		if drained {
			c.cfg.UpdateStatus(id, func(old *types.TrackerStatus) *types.TrackerStatus {
				if old == nil || old.CaughtUp {
					return old
				}
				status := old.MarkedCaughtUp()

				return &status
			})
		}
		pkg.ScheduleWorker()
	}

	return drained, nil
}

func anyCapacity(packages map[int]*workpackage.WorkPackage) bool {
	for _, pkg := range packages {
		if pkg.HasRemainingCapacity() {
			return true
		}
	}

	return false
}

// performShutdown aborts every live package, waits for all of them to
// finish, releases their claims, and completes the stop future.
func (c *Coordinator) performShutdown() {
	c.mu.Lock()
	packages := c.packages
	c.packages = make(map[int]*workpackage.WorkPackage)
	c.mu.Unlock()

	c.closeStream()

	var g errgroup.Group
	for id, pkg := range packages {
		done := pkg.Abort(nil)
		g.Go(func() error {
			<-done
			c.releaseClaim(id)

			return nil
		})
	}
	_ = g.Wait()

	c.cancel()
	c.state.Store(stateStopped)
	c.cfg.Metrics.RecordActiveSegments(0)
	c.cfg.Logger.Info("coordinator stopped", "processor", c.cfg.Name)
	close(c.stopDone)
}
