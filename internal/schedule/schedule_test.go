package schedule

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	return New(DefaultConfig(), rand.New(rand.NewSource(1)))
}

func TestMultiplier_Tiers(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{90 * time.Second, 1},
		{2 * time.Minute, 1.5},
		{5 * time.Minute, 1.5},
		{15 * time.Minute, 2},
		{25 * time.Minute, 3},
		{45 * time.Minute, 4},
		{90 * time.Minute, 5},
		{6 * time.Hour, 10},
		{12 * time.Hour, 20},
		{72 * time.Hour, 20},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Multiplier(tt.age, true, false))
			assert.Equal(t, tt.want*2, Multiplier(tt.age, true, true))
		})
	}
}

func TestMultiplier_UnknownActivityUsesTopTier(t *testing.T) {
	assert.Equal(t, float64(TopMultiplier), Multiplier(0, false, false))
	assert.Equal(t, float64(TopMultiplier*2), Multiplier(0, false, true))
}

func TestMultiplier_FutureActivityTreatedAsFresh(t *testing.T) {
	assert.Equal(t, float64(1), Multiplier(-time.Minute, true, false))
}

func TestDecide_CollapsedFiveMinutesAgo(t *testing.T) {
	s := newTestScheduler()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	d := s.Decide(now, Outcome{
		Result:       Success,
		LastActivity: now.Add(-5 * time.Minute),
		Collapsed:    true,
	})

	assert.Equal(t, 3.0, d.Multiplier)
	assert.GreaterOrEqual(t, d.Cycle, 3*time.Minute)
	assert.Less(t, d.Cycle, 3*time.Minute+DefaultMaxJitter)
	assert.True(t, d.NextFetch.Equal(now.Add(d.Cycle)))
}

func TestDecide_SuccessAlwaysUsesTierTable(t *testing.T) {
	s := newTestScheduler()
	now := time.Now()
	allowed := map[float64]bool{20: true, 40: true}
	for _, tier := range Tiers {
		allowed[tier.Multiplier] = true
		allowed[tier.Multiplier*2] = true
	}

	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		age := time.Duration(rnd.Int63n(int64(48 * time.Hour)))
		collapsed := rnd.Intn(2) == 0
		d := s.Decide(now, Outcome{Result: Success, LastActivity: now.Add(-age), Collapsed: collapsed})

		assert.True(t, allowed[d.Multiplier], "multiplier %v not in tier table", d.Multiplier)
		assert.Equal(t, Multiplier(age, true, collapsed), d.Multiplier)
		assert.True(t, d.NextFetch.After(now), "next fetch must be after decision time")
	}
}

func TestDecide_RateLimitedWithoutRetryAfter(t *testing.T) {
	s := newTestScheduler()
	now := time.Now()

	d := s.Decide(now, Outcome{Result: RateLimited, LastActivity: now.Add(-time.Minute)})

	assert.Equal(t, now.Add(DefaultRateLimitBackoff), d.NextFetch)
	assert.True(t, d.CooldownUntil.IsZero())
}

func TestDecide_RateLimitedRetryAfterTakesPrecedence(t *testing.T) {
	s := newTestScheduler()
	now := time.Now()

	d := s.Decide(now, Outcome{Result: RateLimited, RetryAfter: 42 * time.Second})

	assert.Equal(t, now.Add(42*time.Second), d.NextFetch)
	assert.Equal(t, now.Add(42*time.Second), d.CooldownUntil)
}

func TestDecide_FailureUsesFixedBackoff(t *testing.T) {
	s := newTestScheduler()
	now := time.Now()

	for i := 0; i < 10; i++ {
		d := s.Decide(now, Outcome{Result: Failed, LastActivity: now.Add(-time.Duration(i) * time.Hour)})
		assert.Equal(t, now.Add(DefaultErrorBackoff), d.NextFetch)
	}
	assert.Greater(t, DefaultRateLimitBackoff, DefaultErrorBackoff)
}

func TestCycle_JitterBounded(t *testing.T) {
	s := New(Config{Base: time.Second, MaxJitter: 100 * time.Millisecond}, rand.New(rand.NewSource(9)))

	for i := 0; i < 100; i++ {
		c := s.Cycle(2)
		assert.GreaterOrEqual(t, c, 2*time.Second)
		assert.Less(t, c, 2*time.Second+100*time.Millisecond)
	}
}

func TestFetchTimeout(t *testing.T) {
	s := newTestScheduler()

	assert.Equal(t, 20*time.Second, s.FetchTimeout(10*time.Minute))
	assert.Equal(t, 10*time.Second, s.FetchTimeout(30*time.Second))
	assert.Equal(t, time.Second, s.FetchTimeout(3*time.Second))
}

func TestFetchTimeout_ShortCycleStaysWithinThird(t *testing.T) {
	s := newTestScheduler()

	for _, cycle := range []time.Duration{time.Second, 300 * time.Millisecond, 100 * time.Millisecond} {
		t.Run(cycle.String(), func(t *testing.T) {
			got := s.FetchTimeout(cycle)
			assert.Equal(t, cycle/3, got)
			assert.Less(t, got, cycle, "a call must end before the next attempt")
		})
	}
}

func TestFetchTimeout_FloorLiftsSmallCap(t *testing.T) {
	s := New(Config{MaxFetchTimeout: 200 * time.Millisecond}, rand.New(rand.NewSource(1)))

	assert.Equal(t, time.Second, s.FetchTimeout(time.Minute))
	assert.Equal(t, 500*time.Millisecond, s.FetchTimeout(1500*time.Millisecond))
}

func TestPickDue(t *testing.T) {
	now := time.Now()
	order := []string{"a", "b", "c", "d"}

	tests := []struct {
		name   string
		next   map[string]time.Time
		busy   map[string]bool
		want   string
		wantOK bool
	}{
		{
			name:   "nothing due",
			next:   map[string]time.Time{"a": now.Add(time.Second), "b": now.Add(time.Second), "c": now.Add(time.Second), "d": now.Add(time.Second)},
			wantOK: false,
		},
		{
			name:   "earliest wins",
			next:   map[string]time.Time{"a": now.Add(-time.Second), "b": now.Add(-time.Minute), "c": now.Add(time.Second), "d": now.Add(time.Second)},
			want:   "b",
			wantOK: true,
		},
		{
			name:   "ties by list order",
			next:   map[string]time.Time{"a": now.Add(time.Second), "b": now.Add(-time.Second), "c": now.Add(-time.Second), "d": now},
			want:   "b",
			wantOK: true,
		},
		{
			name:   "missing next fetch is due first",
			next:   map[string]time.Time{"a": now.Add(-time.Hour), "b": now.Add(-time.Hour), "c": now.Add(-time.Hour)},
			want:   "d",
			wantOK: true,
		},
		{
			name:   "busy skipped",
			next:   map[string]time.Time{"a": now.Add(-time.Hour), "b": now.Add(-time.Minute), "c": now.Add(time.Hour), "d": now.Add(time.Hour)},
			busy:   map[string]bool{"a": true},
			want:   "b",
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PickDue(now, order, tt.next, func(id string) bool { return tt.busy[id] })
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSweep_SpacesCalls(t *testing.T) {
	sw := NewSweep(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, sw.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSweep_CancelledContext(t *testing.T) {
	sw := NewSweep(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, sw.Wait(ctx))
	cancel()
	assert.Error(t, sw.Wait(ctx))
}
