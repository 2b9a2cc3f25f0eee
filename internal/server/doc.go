// Package server provides the HTTP surface of a feedwatch instance.
//
// This package is internal to feedwatch and handles all HTTP concerns:
//
//   - REST API: the replicated view at "/api/snapshot", commands at
//     "/api/commands" and presence at "/api/presence"
//   - Server-Sent Events: view changes, new actions and countdowns at "/api/sse"
//   - Operations: "/healthz" and, when an in-memory sink is configured,
//     "/api/metrics"
//
// Every instance serves the same API. Commands posted to a follower are
// forwarded to the leader by the coordinator.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
