// ABOUTME: Package documentation for the entity store and reconciler
// ABOUTME: Describes the single-writer model and change feed

// Package state holds the authoritative local view of the fleet and the only
// code allowed to change it.
//
// # EntityStore
//
// EntityStore keeps the current Agent and Task records as an immutable view
// behind an atomic pointer. Readers load the pointer and copy what they need,
// so any number of readers proceed without locks and never see a half
// applied reconciliation:
//
//	store := state.NewEntityStore(logger)
//	a, ok := store.Agent("A1")
//	active := store.Tasks(fleet.PartitionActive)
//
// Mutators are unexported. Within this package only the Reconciler calls
// them, which makes the single-writer rule structural rather than a
// convention.
//
// # Reconciler
//
// The Reconciler is the funnel both sources go through:
//
//   - ApplyAgentUpdate / ApplyTaskUpdate: push path, shallow merge (upsert)
//   - ApplySnapshot: pull path, replaces whole partitions
//
// All three take the same mutex, so a push merge and a snapshot never
// interleave. A snapshot does not override entities that a push touched after
// the snapshot was requested, and does not delete them either.
//
// Removal rules:
//
//   - a task whose status enters the terminal set is dropped
//   - an agent that is offline with no known position is dropped
//   - anything absent from a full snapshot of its partition is dropped
//
// # Change feed
//
// Every commit that changes something bumps the store version and publishes
// one Change per touched entity on the Broadcaster:
//
//	ch, _ := store.Broadcaster().Subscribe(ctx, state.KindTask)
//	for c := range ch {
//	    // c.Op, c.ID, c.Partition, c.PreviousPartition
//	}
//
// Publishing never blocks the writer. A subscriber whose buffer is full misses
// changes and should re-read the store.
package state
