// ABOUTME: Package documentation for the sync client
// ABOUTME: Describes how push, debounce, polling and cache feed one store

// Package syncclient assembles the fleet sync pipeline.
//
// A Client owns one EntityStore and everything that writes to it:
//
//	conn.Manager ──frames──▶ router.Router ──location──▶ debounce.Scheduler ─┐
//	                                      └─status/task──────────────────────┤
//	poller.Poller ──snapshots───────────────────────────────────────────────┤
//	store.SQLiteStore (warm start) ──snapshots─────────────────────────────┤
//	                                                                        ▼
//	                                                              state.Reconciler
//
// Start loads the cache when one is configured, pulls every partition once,
// and connects. The poller runs whenever the push connection is not
// Connected, and one extra pull follows every successful connect. Close
// disconnects, stops the poller and debounce timers, waits for every
// goroutine, and saves the view to the cache.
package syncclient
