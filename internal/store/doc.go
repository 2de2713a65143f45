// ABOUTME: Package documentation for the SQLite warm-start cache
// ABOUTME: Describes the journal and load-on-start behavior

// Package store persists the last known fleet view in SQLite so a restarted
// client can show something before its first pull completes.
//
// # Tables
//
//	agents(id, data, last_update_at, saved_at)
//	tasks(id, status, partition, data, saved_at)
//	meta(key, value)
//
// Records are stored as the JSON encoding of fleet.Agent and fleet.Task. The
// partition column is derived from status at write time and only serves
// queries; Load recomputes it.
//
// # Journaling
//
// Journal subscribes to an EntityStore change feed and writes each change as
// it commits. The feed may drop changes for a slow consumer, so the owner
// also calls Replace with a full copy of the view on shutdown.
//
// # Warm start
//
// Load returns the cached records as state snapshots stamped with the time
// they were saved. Applying them through the Reconciler seeds the view; the
// first real pull then replaces every partition.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//
// The driver is modernc.org/sqlite, so no cgo toolchain is needed.
package store
