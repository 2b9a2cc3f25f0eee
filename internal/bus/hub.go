package bus

import (
	"bytes"
	"context"
	"sync"
)

// defaultMemberBuffer is the per-member inbox size of a [Hub].
const defaultMemberBuffer = 256

// Hub connects instances in one process. Each instance joins with its id
// and receives every envelope published by the others.
//
// Envelopes are copied on delivery so members never share memory.
// Delivery is non-blocking: a member whose inbox is full misses the
// envelope.
type Hub struct {
	mu      sync.RWMutex
	members map[*Member]struct{}
	buffer  int
}

// NewHub creates an empty [Hub].
func NewHub() *Hub {
	return &Hub{
		members: make(map[*Member]struct{}),
		buffer:  defaultMemberBuffer,
	}
}

// Join adds a member with the given instance id.
func (h *Hub) Join(id string) *Member {
	m := &Member{hub: h, id: id, ch: make(chan Envelope, h.buffer)}
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
	return m
}

// Len returns the number of current members.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) broadcast(from *Member, e Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.members[from]; !ok {
		return ErrClosed
	}
	for m := range h.members {
		if m == from {
			continue
		}
		cp := e
		cp.Body = bytes.Clone(e.Body)
		select {
		case m.ch <- cp:
		default:
			// member is slow, drop the envelope
		}
	}
	return nil
}

func (h *Hub) leave(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[m]; ok {
		delete(h.members, m)
		close(m.ch)
	}
}

// Member is one instance's [Channel] on a [Hub].
type Member struct {
	hub *Hub
	id  string
	ch  chan Envelope
}

// ID returns the instance id the member joined with.
func (m *Member) ID() string {
	return m.id
}

func (m *Member) Publish(_ context.Context, e Envelope) error {
	return m.hub.broadcast(m, e)
}

func (m *Member) Messages() <-chan Envelope {
	return m.ch
}

// Close leaves the hub. Safe to call more than once.
func (m *Member) Close() error {
	m.hub.leave(m)
	return nil
}
