package pooled

import "errors"

// Sentinel errors returned by the Processor.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTokenStoreRequired is returned when the token store is nil.
	ErrTokenStoreRequired = errors.New("token store is required")

	// ErrMessageSourceRequired is returned when the message source is nil.
	ErrMessageSourceRequired = errors.New("message source is required")

	// ErrBatchProcessorRequired is returned when the batch processor is nil.
	ErrBatchProcessorRequired = errors.New("batch processor is required")

	// ErrAlreadyStarted is returned when Start is called on a running processor.
	ErrAlreadyStarted = errors.New("processor already started")

	// ErrNotStarted is returned when Shutdown is called on a processor that
	// hasn't been started.
	ErrNotStarted = errors.New("processor not started")
)
