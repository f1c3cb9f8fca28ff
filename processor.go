package pooled

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/tsobe/pooled/executor"
	"github.com/tsobe/pooled/internal/coordinator"
	"github.com/tsobe/pooled/internal/logging"
	"github.com/tsobe/pooled/internal/metrics"
	"github.com/tsobe/pooled/internal/workpackage"
	"github.com/tsobe/pooled/types"
)

// unknownStorageIdentifier is reported when the token store cannot provide
// a storage identifier.
const unknownStorageIdentifier = "--unknown--"

// Processor is a pooled, segmented event processor.
//
// It consumes a totally ordered event stream from a StreamableMessageSource
// and dispatches the events, in parallel, to a user-supplied BatchProcessor.
// Progress is persisted per segment in a shared TokenStore so that many
// instances across a cluster can cooperate: each instance claims a subset of
// the segments, advances their tokens, and releases them for others on
// failure or rebalance.
//
// Thread safety: all public methods are safe for concurrent use.
//
// Lifecycle: create with NewProcessor, call Start once, Shutdown once.
// Terminal states are sticky; a stopped processor cannot be restarted.
type Processor struct {
	cfg Config

	store          types.TokenStore
	source         types.StreamableMessageSource
	batchProcessor types.BatchProcessor
	tm             types.TransactionManager
	validator      types.EventValidator
	logger         types.Logger
	metrics        types.MetricsCollector

	coordinatorExec     types.Executor
	workerExec          types.Executor
	ownsCoordinatorExec bool
	ownsWorkerExec      bool

	initialToken func(ctx context.Context, source types.StreamableMessageSource) (types.TrackingToken, error)

	coordinator *coordinator.Coordinator
	status      *statusRegistry

	started   atomic.Bool
	stopped   atomic.Bool
	storageID atomic.Value // string
}

// NewProcessor creates a Processor from the given configuration and
// collaborators.
//
// The token store, message source, and batch processor are hard
// requirements. Optional collaborators default as follows: transaction
// manager to a no-op, event validator to accept-all, logger and metrics to
// no-ops, the initial token to the source's tail token, and both executors
// to pools owned (and stopped) by the processor.
//
// Example:
//
//	cfg := &pooled.Config{Name: "projections"}
//	proc, err := pooled.NewProcessor(cfg, store, source,
//	    pooled.BatchProcessorFunc(handleBatch),
//	    pooled.WithLogger(logging.NewSlogDefault()))
func NewProcessor(
	cfg *Config,
	store TokenStore,
	source StreamableMessageSource,
	batch BatchProcessor,
	opts ...Option,
) (*Processor, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if store == nil {
		return nil, ErrTokenStoreRequired
	}
	if source == nil {
		return nil, ErrMessageSourceRequired
	}
	if batch == nil {
		return nil, ErrBatchProcessorRequired
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &processorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	p := &Processor{
		cfg:            *cfg,
		store:          store,
		source:         source,
		batchProcessor: batch,
		tm:             options.transactionManager,
		validator:      options.validator,
		logger:         options.logger,
		metrics:        options.metrics,
		initialToken:   options.initialToken,
	}

	// Safe defaults for optional dependencies so nil checks don't spread.
	if p.tm == nil {
		p.tm = types.NopTransactionManager()
	}
	if p.validator == nil {
		p.validator = types.AcceptAll()
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNop()
	}
	if p.initialToken == nil {
		p.initialToken = func(ctx context.Context, source types.StreamableMessageSource) (types.TrackingToken, error) {
			return source.CreateTailToken(ctx)
		}
	}

	p.coordinatorExec = options.coordinatorExecutor
	if p.coordinatorExec == nil {
		p.coordinatorExec = executor.NewPool(1)
		p.ownsCoordinatorExec = true
	}
	p.workerExec = options.workerExecutor
	if p.workerExec == nil {
		p.workerExec = executor.NewPool(cfg.WorkerPoolSize)
		p.ownsWorkerExec = true
	}

	p.status = newStatusRegistry()
	p.coordinator = coordinator.New(coordinator.Config{
		Name:                cfg.Name,
		Source:              source,
		TokenStore:          store,
		TransactionManager:  p.tm,
		SpawnWorker:         p.spawnWorker,
		Executor:            p.coordinatorExec,
		UpdateStatus:        p.status.update,
		Logger:              p.logger,
		Metrics:             p.metrics,
		InitialSegmentCount: cfg.InitialSegmentCount,
		InitialToken:        p.initialToken,
		EventsPerPass:       cfg.EventsPerPass,
		IdleDelay:           cfg.IdleDelay,
		ErrorBackoff:        cfg.ErrorBackoff,
		ErrorThreshold:      cfg.ErrorThreshold,
	})

	return p, nil
}

// spawnWorker creates the work package for a freshly claimed segment and
// registers its initial status.
func (p *Processor) spawnWorker(segment types.Segment, token types.TrackingToken) *workpackage.WorkPackage {
	p.status.init(segment, token)
	segmentID := int(segment.ID)

	return workpackage.New(context.Background(), workpackage.Config{
		Name:                    p.cfg.Name,
		Segment:                 segment,
		InitialToken:            token,
		BatchSize:               p.cfg.BatchSize,
		InboxCapacity:           p.cfg.InboxCapacity,
		ClaimExtensionThreshold: p.cfg.ClaimExtensionThreshold,
		TokenStore:              p.store,
		TransactionManager:      p.tm,
		BatchProcessor:          p.batchProcessor,
		Validator:               p.validator,
		Executor:                p.workerExec,
		UpdateStatus: func(update func(old *types.TrackerStatus) *types.TrackerStatus) {
			p.status.update(segmentID, update)
		},
		Logger:  p.logger,
		Metrics: p.metrics,
	})
}

// Start bootstraps the token segments when none exist yet and begins
// coordination. Returns ErrAlreadyStarted on repeated calls.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.logger.Info("processor starting", "processor", p.cfg.Name)
	err := p.tm.InTransaction(ctx, func(ctx context.Context) error {
		segments, err := p.store.FetchSegments(ctx, p.cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to fetch segments: %w", err)
		}
		if len(segments) > 0 {
			return nil
		}

		p.logger.Info("initializing token segments",
			"processor", p.cfg.Name, "count", p.cfg.InitialSegmentCount)
		initial, err := p.initialToken(ctx, p.source)
		if err != nil {
			return fmt.Errorf("failed to create initial token: %w", err)
		}

		return p.store.InitializeTokenSegments(ctx, p.cfg.Name, p.cfg.InitialSegmentCount, initial)
	})
	if err != nil {
		p.started.Store(false)

		return err
	}

	return p.coordinator.Start()
}

// Shutdown initiates orderly shutdown and waits for it to complete or for
// ctx to expire. Every live work package resolves its abort, the reader
// loop exits, and all claims are released. Safe to call multiple times.
func (p *Processor) Shutdown(ctx context.Context) error {
	if !p.started.Load() {
		return ErrNotStarted
	}

	done := p.coordinator.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.stopped.CompareAndSwap(false, true) {
		if p.ownsCoordinatorExec {
			p.coordinatorExec.(*executor.Pool).Stop()
		}
		if p.ownsWorkerExec {
			p.workerExec.(*executor.Pool).Stop()
		}
		p.logger.Info("processor stopped", "processor", p.cfg.Name)
	}

	return nil
}

// IsRunning reports whether the processor has been started and not yet
// begun shutting down.
func (p *Processor) IsRunning() bool {
	return p.coordinator.IsRunning()
}

// IsError reports whether the coordinator exceeded its consecutive-failure
// threshold. The processor stays running and keeps retrying.
func (p *Processor) IsError() bool {
	return p.coordinator.IsError()
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return p.cfg.Name
}

// MaxCapacity returns the maximum number of segments a single instance is
// willing to claim.
func (p *Processor) MaxCapacity() int {
	return math.MaxInt16
}

// Status returns an immutable snapshot of the per-segment tracker statuses.
func (p *Processor) Status() map[int]TrackerStatus {
	return p.status.snapshot()
}

// ReleaseSegment releases the given segment for twice the claim extension
// threshold, so another instance can pick it up.
func (p *Processor) ReleaseSegment(segmentID int) {
	p.ReleaseSegmentFor(segmentID, 2*p.cfg.ClaimExtensionThreshold)
}

// ReleaseSegmentFor releases the given segment and prevents this instance
// from reclaiming it before the duration has passed.
func (p *Processor) ReleaseSegmentFor(segmentID int, duration time.Duration) {
	p.coordinator.ReleaseUntil(segmentID, time.Now().Add(duration))
}

// TokenStoreIdentifier returns the storage identifier of the configured
// token store, fetched inside a transaction and cached. Returns
// "--unknown--" when the store cannot provide one.
func (p *Processor) TokenStoreIdentifier(ctx context.Context) (string, error) {
	if id := p.storageID.Load(); id != nil {
		return id.(string), nil
	}

	var id string
	err := p.tm.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		id, err = p.store.RetrieveStorageIdentifier(ctx)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve storage identifier: %w", err)
	}
	if id == "" {
		id = unknownStorageIdentifier
	}
	p.storageID.Store(id)

	return id, nil
}
