// ABOUTME: Package documentation for fleetsync logging setup
// ABOUTME: Explains the text and json handlers built on log/slog

// Package logging builds the slog.Logger used by the fleetsync binaries.
//
// The "json" format uses slog's JSON handler. The "text" format uses a
// colorized single-line handler (fatih/color) that disables color when the
// output is not a terminal.
package logging
