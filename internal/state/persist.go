package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jpalmerr/feedwatch/internal/kv"
)

// Keys used in the persistent store.
const (
	KeyEntities  = "entities"
	KeyLastSeen  = "last_seen"
	KeyHidden    = "hidden"
	KeyErrors    = "errors"
	KeyToggles   = "toggles"
	KeyCollapsed = "ui.collapsed"
)

// Load builds a cold-start snapshot from the persisted fields. Missing keys
// leave their defaults.
func Load(ctx context.Context, st kv.Store) (*Snapshot, error) {
	s := New()

	if err := loadJSON(ctx, st, KeyEntities, &s.Entities); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, st, KeyLastSeen, &s.LastSeen); err != nil {
		return nil, err
	}
	var hidden []string
	if err := loadJSON(ctx, st, KeyHidden, &hidden); err != nil {
		return nil, err
	}
	for _, id := range hidden {
		s.Hidden[id] = true
	}
	if err := loadJSON(ctx, st, KeyErrors, &s.Errors); err != nil {
		return nil, err
	}
	if err := loadJSON(ctx, st, KeyToggles, &s.Toggles); err != nil {
		return nil, err
	}

	s.ensureMaps()
	return s, nil
}

// Save writes the replicated persisted fields. Only the leader calls it.
func Save(ctx context.Context, st kv.Store, s *Snapshot) error {
	hidden := make([]string, 0, len(s.Hidden))
	for id, h := range s.Hidden {
		if h {
			hidden = append(hidden, id)
		}
	}
	sort.Strings(hidden)

	entities := s.Entities
	if entities == nil {
		entities = []string{}
	}
	errs := s.Errors
	if errs == nil {
		errs = []ErrorEntry{}
	}

	for _, kvp := range []struct {
		key   string
		value any
	}{
		{KeyEntities, entities},
		{KeyLastSeen, s.LastSeen},
		{KeyHidden, hidden},
		{KeyErrors, errs},
		{KeyToggles, s.Toggles},
	} {
		if err := saveJSON(ctx, st, kvp.key, kvp.value); err != nil {
			return err
		}
	}
	return nil
}

// LoadCollapsed reads the instance-local collapsed preference.
func LoadCollapsed(ctx context.Context, st kv.Store) (bool, error) {
	var collapsed bool
	if err := loadJSON(ctx, st, KeyCollapsed, &collapsed); err != nil {
		return false, err
	}
	return collapsed, nil
}

// SaveCollapsed writes the collapsed preference. Any instance may call it.
func SaveCollapsed(ctx context.Context, st kv.Store, collapsed bool) error {
	return saveJSON(ctx, st, KeyCollapsed, collapsed)
}

func loadJSON(ctx context.Context, st kv.Store, key string, dst any) error {
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func saveJSON(ctx context.Context, st kv.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := st.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}
