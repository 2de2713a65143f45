// ABOUTME: Package documentation for the inbound frame router
// ABOUTME: Describes the frame envelope and handler dispatch

// Package router decodes inbound push frames and dispatches them by type.
//
// Every frame is a JSON envelope:
//
//	{"type": "location_update", "data": {...}}
//
// Handlers register per type and any number may share a type; each receives
// the decoded Frame in registration order. Register returns an unsubscribe
// function, so independent consumers never clobber each other.
//
// Frames that cannot be decoded, or that carry no type, are dropped with a
// throttled warning. Types nobody registered for are ignored at debug level.
// The keepalive reply type "pong" is reserved for the connection layer and
// is never dispatched.
//
// A handler that returns an error or panics affects only its own call for
// that frame; the remaining handlers and later frames are unaffected.
//
// The payload types in payloads.go describe the data objects of the push
// protocol and convert them into fleet updates.
package router
