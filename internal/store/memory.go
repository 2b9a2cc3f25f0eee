package store

import (
	"sync"

	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/state"
)

// subscriberBuffer is the capacity of every subscription channel.
const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Subscribers receive events via buffered channels. Events are sent
// non-blocking; if a subscriber's buffer is full, the event is dropped for
// that subscriber to prevent blocking the coordinator's event loop.
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot *state.Snapshot

	subscribers map[chan Event]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation holding an
// empty snapshot.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshot:    state.New(),
		subscribers: make(map[chan Event]struct{}),
	}
}

// UpdateSnapshot stores a copy of s and notifies all subscribers.
func (m *MemoryStore) UpdateSnapshot(s *state.Snapshot, structural bool) {
	if s == nil {
		return
	}
	own := s.Clone()

	m.mu.Lock()
	m.snapshot = own
	m.mu.Unlock()

	// subscribers share one copy and must not mutate it
	m.notifySubscribers(Event{Type: EventSnapshot, Snapshot: own, Structural: structural})
}

// PushAction notifies all subscribers of r.
func (m *MemoryStore) PushAction(r feed.ActionRecord) {
	m.notifySubscribers(Event{Type: EventNewAction, Action: &r})
}

// Snapshot returns a copy of the current view.
func (m *MemoryStore) Snapshot() *state.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Clone()
}

// Subscribe creates a new subscription and returns a channel for receiving
// events.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource
// leaks.
func (m *MemoryStore) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends e to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(e Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- e:
		default:
			// subscriber is slow, drop the event
		}
	}
}
