// ABOUTME: Package documentation for the development fleet simulator
// ABOUTME: Covers the world model, push endpoint, snapshot endpoints and auth

// Package simulator is a stand-in fleet backend for development and tests.
//
// # World
//
// A World holds drivers and orders. Each Step moves online drivers a little,
// occasionally flips a driver on or offline, advances orders through
// requested, assigned, en_route, picked_up, ride_ongoing and completed (or
// cancels a requested one), and sometimes creates a new order. Every change
// comes back as an Event shaped like a real push frame:
//
//	{"type":"location_update","data":{"agent_id":"driver-001","lat":52.5,"lon":13.4,"timestamp":"..."}}
//	{"type":"entity_update","data":{"id":"...","status":"assigned","assignedAgentId":"driver-001"}}
//
// Terminal orders leave the world immediately, so snapshots only ever contain
// pending and active orders.
//
// # Server
//
// Server exposes the world over HTTP:
//
//	GET /ws                        push feed (websocket)
//	GET /tasks?partition=pending   pending orders
//	GET /tasks?partition=active    active orders
//	GET /agents                    all drivers
//	GET /health                    liveness
//
// Clients authenticate with an HS256 JWT, either as a Bearer header or the
// token query parameter. A missing, malformed or expired token is closed with
// 4001 (401 over plain HTTP). A valid token without the dispatcher role is
// closed with 4003 (403). Pings are answered with pongs.
package simulator
