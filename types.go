package pooled

import "github.com/tsobe/pooled/types"

// Re-export types from the types subpackage.
//
// This provides a stable public API for the library's core types while
// letting internal packages depend on the types subpackage without
// importing the root package.
type (
	TrackingToken       = types.TrackingToken
	GlobalSequenceToken = types.GlobalSequenceToken
	TokenCodec          = types.TokenCodec
	Segment             = types.Segment
	EventMessage        = types.EventMessage
	TrackedEventMessage = types.TrackedEventMessage
	TrackerStatus       = types.TrackerStatus
)

// Re-export the collaborator interfaces consumed by the processor.
type (
	TokenStore              = types.TokenStore
	StreamableMessageSource = types.StreamableMessageSource
	EventStream             = types.EventStream
	EventValidator          = types.EventValidator
	BatchProcessor          = types.BatchProcessor
	BatchProcessorFunc      = types.BatchProcessorFunc
	EventValidatorFunc      = types.EventValidatorFunc
	TransactionManager      = types.TransactionManager
	Executor                = types.Executor
	Logger                  = types.Logger
	MetricsCollector        = types.MetricsCollector
)
