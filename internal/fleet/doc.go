// ABOUTME: Package documentation for fleet domain types
// ABOUTME: Describes agents, tasks, statuses and partitions

// Package fleet defines the entities tracked by the synchronization client.
//
// # Entities
//
// Two kinds of record are tracked:
//
//   - Agent: a driver with a position, an online flag and opaque vehicle/ETA
//     descriptors that are passed through unchanged.
//   - Task: an order with a status, pickup/dropoff coordinates, an optional
//     assigned agent and an opaque passenger reference.
//
// # Partitions
//
// A Task belongs to exactly one Partition at any time, derived only from its
// Status through a fixed table:
//
//	pending:  pending, requested, received, searching, scheduled
//	active:   assigned, accepted, en_route, driver_arrived, arrived,
//	          picked_up, ride_ongoing, in_progress
//	terminal: completed, cancelled, canceled, rejected, expired, failed, no_show
//
// Unknown statuses are treated as pending so they stay visible to operators.
// Terminal tasks are dropped from the local view entirely.
//
// # Partial updates
//
// AgentUpdate and TaskUpdate describe shallow merges: a nil pointer (or an
// unset Nullable) means "leave the stored field alone". Nullable distinguishes
// a field that is absent from one that is explicitly null.
//
// # JSON
//
// Entity JSON uses camelCase keys:
//
//	{"id":"A1","position":{"lat":52.1,"lon":21.0},"onlineStatus":true,
//	 "vehicleInfo":{...},"lastUpdateAt":"2026-01-02T15:04:05Z","eta":null}
//
//	{"id":"T1","status":"assigned","pickup":{"lat":..,"lon":..},
//	 "dropoff":{...},"assignedAgentId":"A1","passengerRef":{...},
//	 "createdAt":"2026-01-02T15:04:05Z"}
package fleet
