// ABOUTME: Package documentation for pull snapshot sources
// ABOUTME: Describes the HTTP endpoints and all-or-nothing fetches

// Package snapshot pulls full partition contents from the fleet backend.
//
// Source is the pull interface. HTTPSource implements it against the REST
// endpoints:
//
//	GET {base}/tasks?partition=pending
//	GET {base}/tasks?partition=active
//	GET {base}/agents
//
// Each returns a JSON array of full records and is authenticated with the
// same bearer token as the push connection.
//
// FetchAll runs the three queries concurrently and returns state.Snapshot
// values only when all of them succeed, so a caller never applies a partial
// view.
package snapshot
