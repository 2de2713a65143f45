// ABOUTME: Package documentation for the fallback snapshot poller
// ABOUTME: Covers tick atomicity, pause semantics and lifecycle

// Package poller refreshes the entity view from pull snapshots while the
// push connection is down.
//
// A Poller ticks on a fixed interval. Each tick fetches pending tasks,
// active tasks, and agents concurrently and, only if all three succeed,
// hands them to the Reconciler as one batch. A failed tick is logged and
// changes nothing; the next tick runs on schedule.
//
// Pause and Resume suspend work without touching the ticker, so polling
// picks up on the original cadence. The owner decides when the poller runs;
// syncclient stops it when the connection reaches Connected and starts it in
// every other state.
package poller
