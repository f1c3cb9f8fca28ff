package pooled

import "context"

// Option configures a Processor with optional dependencies.
type Option func(*processorOptions)

// processorOptions holds optional Processor configuration.
type processorOptions struct {
	transactionManager  TransactionManager
	validator           EventValidator
	logger              Logger
	metrics             MetricsCollector
	initialToken        func(ctx context.Context, source StreamableMessageSource) (TrackingToken, error)
	coordinatorExecutor Executor
	workerExecutor      Executor
}

// WithTransactionManager sets the transaction manager wrapping batch
// processing and claim operations. Defaults to a no-op manager.
func WithTransactionManager(tm TransactionManager) Option {
	return func(o *processorOptions) {
		o.transactionManager = tm
	}
}

// WithEventValidator sets the validator deciding which events a segment
// handles. Defaults to accepting every event.
func WithEventValidator(v EventValidator) Option {
	return func(o *processorOptions) {
		o.validator = v
	}
}

// WithLogger sets a logger.
//
// Example:
//
//	logger := logging.NewSlogDefault()
//	proc, err := pooled.NewProcessor(cfg, store, source, batch, pooled.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *processorOptions) {
		o.metrics = metrics
	}
}

// WithInitialToken sets the function generating the initial tracking token
// used to bootstrap segments. Defaults to the source's tail token.
func WithInitialToken(fn func(ctx context.Context, source StreamableMessageSource) (TrackingToken, error)) Option {
	return func(o *processorOptions) {
		o.initialToken = fn
	}
}

// WithCoordinatorExecutor sets the executor running coordination passes.
// The caller owns its lifecycle. Defaults to a single-goroutine pool owned
// by the processor.
func WithCoordinatorExecutor(exec Executor) Option {
	return func(o *processorOptions) {
		o.coordinatorExecutor = exec
	}
}

// WithWorkerExecutor sets the executor shared by all work packages. The
// caller owns its lifecycle. Defaults to a pool of Config.WorkerPoolSize
// goroutines owned by the processor.
func WithWorkerExecutor(exec Executor) Option {
	return func(o *processorOptions) {
		o.workerExecutor = exec
	}
}
