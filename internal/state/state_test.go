package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/kv"
)

func sample() *Snapshot {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s := New()
	s.Add("alice")
	s.Add("bob")
	s.Actions["alice"] = []feed.ActionRecord{
		{ID: "11", EntityID: "alice", CreatedAt: now, Kind: feed.KindPost, Actor: "alice", Excerpt: "hello"},
		{ID: "7_3", EntityID: "alice", CreatedAt: now.Add(-time.Minute), Kind: feed.KindReaction, Actor: "alice", ReactionValue: "heart"},
	}
	s.NextFetch["alice"] = now.Add(time.Minute)
	s.NextFetch["bob"] = now.Add(20 * time.Minute)
	s.Multipliers["alice"] = 1
	s.Multipliers["bob"] = 20
	s.LastSeen["alice"] = "11"
	s.Hidden["bob"] = true
	s.LastActivity["alice"] = now
	s.Cooldowns["bob"] = now.Add(30 * time.Second)
	s.Errors = []ErrorEntry{{Entity: "12345", Reason: "not found", Failures: 3, Since: now}}
	s.Leader = "leader-1"
	s.PublishedAt = now
	return s
}

func TestSnapshot_AddRemove(t *testing.T) {
	s := sample()

	assert.False(t, s.Add("alice"), "duplicate add")
	assert.True(t, s.Remove("alice"))
	assert.False(t, s.Remove("alice"))
	assert.Equal(t, []string{"bob"}, s.Entities)
	assert.NotContains(t, s.Actions, "alice")
	assert.NotContains(t, s.NextFetch, "alice")
	assert.NotContains(t, s.LastSeen, "alice")
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := sample()
	c := s.Clone()
	require.True(t, s.Equal(c))

	c.Entities[0] = "mallory"
	c.Actions["alice"][0].ID = "changed"
	c.Hidden["alice"] = true
	c.Multipliers["bob"] = 2

	assert.Equal(t, "alice", s.Entities[0])
	assert.Equal(t, "11", s.Actions["alice"][0].ID)
	assert.False(t, s.Hidden["alice"])
	assert.Equal(t, 20.0, s.Multipliers["bob"])
}

func TestSnapshot_EqualIgnoresPublication(t *testing.T) {
	a := sample()
	b := a.Clone()
	b.Leader = "someone-else"
	b.PublishedAt = time.Now()

	assert.True(t, a.Equal(b))

	b.Toggles.Overlay = false
	assert.False(t, a.Equal(b))
}

func TestSnapshot_EqualTreatsFalseHiddenAsAbsent(t *testing.T) {
	a := sample()
	b := a.Clone()
	b.Hidden["alice"] = false

	assert.True(t, a.Equal(b))
}

func TestSnapshot_EqualAcrossTimeZones(t *testing.T) {
	a := sample()
	b := a.Clone()
	b.NextFetch["alice"] = b.NextFetch["alice"].In(time.FixedZone("X", 3600))

	assert.True(t, a.Equal(b))
}

func TestSnapshot_MsgpackRoundTrip(t *testing.T) {
	src := sample()

	data, err := msgpack.Marshal(src)
	require.NoError(t, err)

	var dst Snapshot
	require.NoError(t, msgpack.Unmarshal(data, &dst))
	dst.Normalize()

	assert.True(t, src.Equal(&dst), "decoded snapshot differs from source")
	assert.Equal(t, src.Entities, dst.Entities)
}

func TestSnapshot_NormalizeEmpty(t *testing.T) {
	var s Snapshot
	s.Normalize()

	assert.NotNil(t, s.Actions)
	assert.NotNil(t, s.Hidden)
	assert.True(t, s.Equal(&Snapshot{}))
}

func TestToggles_Set(t *testing.T) {
	tg := DefaultToggles()

	assert.True(t, tg.Set(ToggleOverlay, false))
	assert.False(t, tg.Overlay)
	assert.True(t, tg.SystemNotify)
	assert.False(t, tg.Set("sound", true))
}

func TestPersist_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := kv.NewMemory()
	src := sample()

	require.NoError(t, Save(ctx, st, src))

	got, err := Load(ctx, st)
	require.NoError(t, err)

	assert.Equal(t, src.Entities, got.Entities)
	assert.Equal(t, src.LastSeen, got.LastSeen)
	assert.Equal(t, map[string]bool{"bob": true}, got.Hidden)
	assert.Equal(t, src.Toggles, got.Toggles)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "12345", got.Errors[0].Entity)

	// scheduling fields are never persisted
	assert.Empty(t, got.NextFetch)
	assert.Empty(t, got.Actions)
}

func TestPersist_EmptyStoreGivesDefaults(t *testing.T) {
	got, err := Load(context.Background(), kv.NewMemory())
	require.NoError(t, err)

	assert.Empty(t, got.Entities)
	assert.Equal(t, DefaultToggles(), got.Toggles)
}

func TestPersist_CorruptValue(t *testing.T) {
	ctx := context.Background()
	st := kv.NewMemory()
	require.NoError(t, st.Set(ctx, KeyEntities, "{not json"))

	_, err := Load(ctx, st)
	assert.ErrorContains(t, err, KeyEntities)
}

func TestPersist_Collapsed(t *testing.T) {
	ctx := context.Background()
	st := kv.NewMemory()

	got, err := LoadCollapsed(ctx, st)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, SaveCollapsed(ctx, st, true))
	got, err = LoadCollapsed(ctx, st)
	require.NoError(t, err)
	assert.True(t, got)
}
