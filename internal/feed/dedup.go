package feed

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultDedupCapacity bounds the notified-id set.
const DefaultDedupCapacity = 200

// Deduper remembers which record ids have already been delivered to the
// notifier. It is shared by all entities of an instance.
//
// The set is bounded. Ids are only ever added and tested with Contains, never
// read back through Get or re-added, so the LRU order equals insertion order and the
// oldest id is evicted first.
type Deduper struct {
	ids *lru.Cache
}

// NewDeduper creates a [Deduper] holding at most capacity ids.
func NewDeduper(capacity int) (*Deduper, error) {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("creating dedup set: %w", err)
	}
	return &Deduper{ids: c}, nil
}

// MarkNew records id and reports whether it had not been seen before.
func (d *Deduper) MarkNew(id string) bool {
	present, _ := d.ids.ContainsOrAdd(id, struct{}{})
	return !present
}

// Seen reports whether id is currently held.
func (d *Deduper) Seen(id string) bool {
	return d.ids.Contains(id)
}

// Len returns the number of ids held.
func (d *Deduper) Len() int {
	return d.ids.Len()
}
