// Package types contains the core data model and collaborator interfaces of
// the pooled event processor.
//
// The root pooled package re-exports the definitions in this package through
// type aliases. Internal packages depend on types directly, which keeps the
// dependency graph acyclic: internal components never import the root
// package, yet users still get a convenient pooled.TrackingToken,
// pooled.Segment, and so on.
package types
