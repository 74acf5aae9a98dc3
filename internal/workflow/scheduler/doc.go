// Package scheduler turns graph snapshots into delegation batches that respect
// dependency order plus runtime constraints such as concurrency limits and
// cascade-skip predicates. It is a thin layer the engine calls to decide which
// stages to delegate next without re-implementing filtering logic.
package scheduler
