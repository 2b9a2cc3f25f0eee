package feedwatch

import (
	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/kv"
)

// Hub connects instances running in the same process.
//
// Instances created with the same Hub via [WithHub] see each other's
// broadcasts, and those using the memory store share one key-value store,
// the way browser tabs share origin storage. A Hub is useful for embedding
// several instances in one binary and for tests.
type Hub struct {
	bus *bus.Hub
	kv  *kv.Memory
}

// NewHub creates an empty [Hub].
func NewHub() *Hub {
	return &Hub{bus: bus.NewHub(), kv: kv.NewMemory()}
}

// Len returns the number of instances currently connected.
func (h *Hub) Len() int {
	return h.bus.Len()
}
