// Package store holds the view of the replicated state that the local
// display surface renders.
//
// The coordinator pushes every snapshot it publishes or receives, and every
// new action it delivers, into a [Store]. The HTTP server reads the latest
// snapshot for the REST API and subscribes for Server-Sent Events.
//
// The main components are:
//
//   - [Store]: Interface defining the view and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [Event]: One change pushed to subscribers
//
// Subscribers receive events via channels with non-blocking sends (slow
// subscribers miss events rather than block the coordinator).
package store
