// ABOUTME: Package documentation for the per-key debounce scheduler
// ABOUTME: Describes last-write-wins windows and the max-wait cap

// Package debounce collapses bursts of updates per key into a single delivery
// of the latest value.
//
// A Scheduler owns one timer per pending key. Schedule replaces the pending
// value and restarts the key's window; when the window passes quietly the
// callback receives the last value scheduled. Keys never share a timer, so a
// burst for one agent does not delay another.
//
// A key that keeps receiving updates faster than its window would never fire.
// WithMaxWait bounds that: once the first value of a burst has waited
// max wait, the latest value is delivered regardless.
//
// Callbacks run on timer goroutines, outside the scheduler lock. Stop cancels
// every pending key and waits for callbacks already running.
package debounce
