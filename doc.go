// Package pooled provides a pooled, segmented event processor: a consumer
// of totally ordered event streams that fans events out to parallel
// per-segment workers while persisting progress in a shared token store.
//
// # Quick Start
//
//	import (
//	    "github.com/tsobe/pooled"
//	    "github.com/tsobe/pooled/source/memory"
//	    memstore "github.com/tsobe/pooled/store/memory"
//	)
//
//	cfg := &pooled.Config{Name: "projections", InitialSegmentCount: 4}
//	store := memstore.New(memstore.Config{NodeID: "node-1"})
//	src := memory.New()
//
//	proc, err := pooled.NewProcessor(cfg, store, src,
//	    pooled.BatchProcessorFunc(func(ctx context.Context, events []pooled.TrackedEventMessage, _ []pooled.Segment) error {
//	        return project(ctx, events)
//	    }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := proc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer proc.Shutdown(context.Background())
//
// # Architecture
//
// A Coordinator claims segments from the TokenStore, opens the message
// source at the minimum claimed position, and offers each event to every
// live work package whose segment matches the event's routing key. Each
// work package validates, batches, and commits its events independently,
// advancing the segment's token after every successful batch and renewing
// the claim while idle.
//
// Many processor instances sharing a name cooperate through the token
// store's claim discipline alone: a segment is processed by whichever
// instance holds its claim, and claims move between instances on failure,
// shutdown, or an explicit ReleaseSegment.
//
// # Delivery guarantees
//
// Within a segment, events reach the batch processor in strictly ascending
// token order. Across segments there is no ordering. Delivery is
// at-least-once; handlers are expected to be idempotent.
//
// # Backends
//
// Token stores: store/memory, store/natskv (NATS JetStream KV), and
// store/postgres. Message sources: source/memory, source/natsjs (NATS
// JetStream streams), and source/kafka (single-partition Kafka topics).
package pooled
