package store

import (
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/state"
)

// EventType names the kind of an [Event].
type EventType string

const (
	// EventSnapshot carries a full replacement of the view.
	EventSnapshot EventType = "snapshot"

	// EventNewAction carries one action that should be surfaced to the user.
	EventNewAction EventType = "new_action"
)

// Event is one change of the view, shaped for JSON serialization (used by
// the SSE stream).
type Event struct {
	Type EventType `json:"type"`

	// Snapshot is set for EventSnapshot.
	Snapshot *state.Snapshot `json:"snapshot,omitempty"`

	// Structural is true when the entity list changed and the display
	// should rebuild rather than patch its layout.
	Structural bool `json:"structural,omitempty"`

	// Action is set for EventNewAction.
	Action *feed.ActionRecord `json:"action,omitempty"`
}

// Store defines the interface for holding the view and subscribing to its
// changes.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// UpdateSnapshot replaces the view and notifies all subscribers. The
	// store keeps its own copy of s.
	UpdateSnapshot(s *state.Snapshot, structural bool)

	// PushAction notifies all subscribers of a new action. Actions are not
	// retained; they are already part of the snapshot's feed.
	PushAction(r feed.ActionRecord)

	// Snapshot returns a copy of the current view. Before the first update
	// it is an empty snapshot.
	Snapshot() *state.Snapshot

	// Subscribe returns a channel that receives events.
	// The returned channel has a buffer; slow consumers may miss events.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)
}
