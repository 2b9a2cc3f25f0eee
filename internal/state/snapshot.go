// Package state holds the replicated state of the coordinator: the
// [Snapshot] the leader publishes and followers adopt wholesale.
package state

import (
	"slices"
	"time"

	"github.com/jpalmerr/feedwatch/internal/feed"
)

// Toggles are user switches replicated to every instance.
type Toggles struct {
	// SystemNotify enables desktop-style notifications for new records.
	SystemNotify bool `json:"system_notify" msgpack:"system_notify"`

	// Overlay enables the scrolling on-screen overlay for new records.
	Overlay bool `json:"overlay" msgpack:"overlay"`
}

// DefaultToggles enables both notification channels.
func DefaultToggles() Toggles {
	return Toggles{SystemNotify: true, Overlay: true}
}

// Toggle names accepted by [Toggles.Set].
const (
	ToggleSystemNotify = "system_notify"
	ToggleOverlay      = "overlay"
)

// Set changes the named toggle and reports whether the name is known.
func (t *Toggles) Set(name string, enabled bool) bool {
	switch name {
	case ToggleSystemNotify:
		t.SystemNotify = enabled
	case ToggleOverlay:
		t.Overlay = enabled
	default:
		return false
	}
	return true
}

// ErrorEntry is an entity reference that failed repeatedly and was moved
// out of the polling rotation.
type ErrorEntry struct {
	Entity   string    `json:"entity" msgpack:"entity"`
	Reason   string    `json:"reason" msgpack:"reason"`
	Failures int       `json:"failures" msgpack:"failures"`
	Since    time.Time `json:"since" msgpack:"since"`
}

// Snapshot is the full replication unit. Only the leader mutates it;
// followers replace their copy on every published snapshot.
type Snapshot struct {
	Entities     []string                       `json:"entities" msgpack:"entities"`
	Actions      map[string][]feed.ActionRecord `json:"actions" msgpack:"actions"`
	NextFetch    map[string]time.Time           `json:"next_fetch" msgpack:"next_fetch"`
	Multipliers  map[string]float64             `json:"multipliers" msgpack:"multipliers"`
	LastSeen     map[string]string              `json:"last_seen" msgpack:"last_seen"`
	Hidden       map[string]bool                `json:"hidden" msgpack:"hidden"`
	LastActivity map[string]time.Time           `json:"last_activity" msgpack:"last_activity"`
	Cooldowns    map[string]time.Time           `json:"cooldowns" msgpack:"cooldowns"`
	Errors       []ErrorEntry                   `json:"errors" msgpack:"errors"`
	Toggles      Toggles                        `json:"toggles" msgpack:"toggles"`

	// Leader and PublishedAt describe the publication, not the data, and
	// are ignored by Equal.
	Leader      string    `json:"leader" msgpack:"leader"`
	PublishedAt time.Time `json:"published_at" msgpack:"published_at"`
}

// New returns an empty snapshot with all maps allocated.
func New() *Snapshot {
	s := &Snapshot{Toggles: DefaultToggles()}
	s.ensureMaps()
	return s
}

// ensureMaps allocates nil maps, e.g. after decoding a snapshot whose
// maps were empty on the wire.
func (s *Snapshot) ensureMaps() {
	if s.Actions == nil {
		s.Actions = make(map[string][]feed.ActionRecord)
	}
	if s.NextFetch == nil {
		s.NextFetch = make(map[string]time.Time)
	}
	if s.Multipliers == nil {
		s.Multipliers = make(map[string]float64)
	}
	if s.LastSeen == nil {
		s.LastSeen = make(map[string]string)
	}
	if s.Hidden == nil {
		s.Hidden = make(map[string]bool)
	}
	if s.LastActivity == nil {
		s.LastActivity = make(map[string]time.Time)
	}
	if s.Cooldowns == nil {
		s.Cooldowns = make(map[string]time.Time)
	}
}

// Normalize allocates missing maps. Decoders call it before use.
func (s *Snapshot) Normalize() {
	s.ensureMaps()
}

// Has reports whether id is a monitored entity.
func (s *Snapshot) Has(id string) bool {
	return slices.Contains(s.Entities, id)
}

// Add appends id to the entity list. It returns false if id is already
// present.
func (s *Snapshot) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	s.Entities = append(s.Entities, id)
	return true
}

// Remove drops id and every per-entity field. It returns false if id was not
// present.
func (s *Snapshot) Remove(id string) bool {
	i := slices.Index(s.Entities, id)
	if i < 0 {
		return false
	}
	s.Entities = slices.Delete(s.Entities, i, i+1)
	delete(s.Actions, id)
	delete(s.NextFetch, id)
	delete(s.Multipliers, id)
	delete(s.LastSeen, id)
	delete(s.Hidden, id)
	delete(s.LastActivity, id)
	delete(s.Cooldowns, id)
	return true
}

// ErrorIndex returns the position of entity in the error list, or -1.
func (s *Snapshot) ErrorIndex(entity string) int {
	return slices.IndexFunc(s.Errors, func(e ErrorEntry) bool { return e.Entity == entity })
}

// ClearError drops entity from the error list and reports whether it was
// present.
func (s *Snapshot) ClearError(entity string) bool {
	i := s.ErrorIndex(entity)
	if i < 0 {
		return false
	}
	s.Errors = slices.Delete(s.Errors, i, i+1)
	return true
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Entities:     slices.Clone(s.Entities),
		Actions:      make(map[string][]feed.ActionRecord, len(s.Actions)),
		NextFetch:    cloneMap(s.NextFetch),
		Multipliers:  cloneMap(s.Multipliers),
		LastSeen:     cloneMap(s.LastSeen),
		Hidden:       cloneMap(s.Hidden),
		LastActivity: cloneMap(s.LastActivity),
		Cooldowns:    cloneMap(s.Cooldowns),
		Errors:       slices.Clone(s.Errors),
		Toggles:      s.Toggles,
		Leader:       s.Leader,
		PublishedAt:  s.PublishedAt,
	}
	for k, v := range s.Actions {
		c.Actions[k] = slices.Clone(v)
	}
	c.ensureMaps()
	return c
}

// Equal reports whether two snapshots carry the same replicated data.
// Times compare with time.Equal; nil and empty collections are equal.
// Leader and PublishedAt are ignored.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return slices.Equal(s.Entities, o.Entities) &&
		mapsEqual(s.Actions, o.Actions, func(a, b []feed.ActionRecord) bool {
			return slices.EqualFunc(a, b, feed.ActionRecord.Equal)
		}) &&
		mapsEqual(s.NextFetch, o.NextFetch, time.Time.Equal) &&
		mapsEqual(s.Multipliers, o.Multipliers, eq[float64]) &&
		mapsEqual(s.LastSeen, o.LastSeen, eq[string]) &&
		hiddenEqual(s.Hidden, o.Hidden) &&
		mapsEqual(s.LastActivity, o.LastActivity, time.Time.Equal) &&
		mapsEqual(s.Cooldowns, o.Cooldowns, time.Time.Equal) &&
		slices.EqualFunc(s.Errors, o.Errors, func(a, b ErrorEntry) bool {
			return a.Entity == b.Entity && a.Reason == b.Reason &&
				a.Failures == b.Failures && a.Since.Equal(b.Since)
		}) &&
		s.Toggles == o.Toggles
}

// SameEntities reports whether two entity lists are identical, including
// order. A difference means the UI must rebuild its structure.
func SameEntities(a, b []string) bool {
	return slices.Equal(a, b)
}

func eq[T comparable](a, b T) bool { return a == b }

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapsEqual[K comparable, V any](a, b map[K]V, same func(V, V) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !same(av, bv) {
			return false
		}
	}
	return true
}

// hiddenEqual compares hidden sets, treating false entries as absent.
func hiddenEqual(a, b map[string]bool) bool {
	for k, v := range a {
		if v != b[k] {
			return false
		}
	}
	for k, v := range b {
		if v != a[k] {
			return false
		}
	}
	return true
}
