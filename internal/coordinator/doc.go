// Package coordinator runs one instance of the cross-instance polling
// coordinator.
//
// A [Coordinator] owns the instance state and mutates it from a single
// event-loop goroutine. Everything else, including bus messages, timer
// expiries, fetch results, local commands and presence changes, is posted to
// the loop as a closure. Remote calls run on their own goroutines and post
// their results back. A result carries the epoch it was issued under and is
// discarded if the instance changed role in the meantime.
//
// Only the leader polls, persists and publishes. Followers replace their
// state wholesale with every snapshot the leader publishes and forward user
// commands to it.
package coordinator
