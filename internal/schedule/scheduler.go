package schedule

import (
	"math/rand"
	"sync"
	"time"
)

// Defaults for [Config].
const (
	DefaultBase             = time.Minute
	DefaultMaxJitter        = 10 * time.Second
	DefaultErrorBackoff     = 5 * time.Minute
	DefaultRateLimitBackoff = 10 * time.Minute
	DefaultMaxFetchTimeout  = 20 * time.Second
	DefaultSweepDelay       = 1500 * time.Millisecond
	DefaultTick             = time.Second

	minFetchTimeout = time.Second
	minCycle        = time.Millisecond
)

// Config holds the scheduling constants.
type Config struct {
	// Base is the cycle duration of the most active tier.
	Base time.Duration

	// MaxJitter bounds the random delay added to every successful cycle.
	MaxJitter time.Duration

	// ErrorBackoff replaces the cycle after a server, network, timeout or
	// parse failure.
	ErrorBackoff time.Duration

	// RateLimitBackoff replaces the cycle after a rate-limit response that
	// carries no explicit cooldown.
	RateLimitBackoff time.Duration

	// MaxFetchTimeout caps the per-call timeout derived from the cycle.
	MaxFetchTimeout time.Duration

	// SweepDelay separates consecutive calls of a refresh-all sweep.
	SweepDelay time.Duration

	// Tick is the period of the leader's scheduling tick.
	Tick time.Duration
}

// DefaultConfig returns the standard scheduling constants.
func DefaultConfig() Config {
	return Config{
		Base:             DefaultBase,
		MaxJitter:        DefaultMaxJitter,
		ErrorBackoff:     DefaultErrorBackoff,
		RateLimitBackoff: DefaultRateLimitBackoff,
		MaxFetchTimeout:  DefaultMaxFetchTimeout,
		SweepDelay:       DefaultSweepDelay,
		Tick:             DefaultTick,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = d.RateLimitBackoff
	}
	if c.MaxFetchTimeout <= 0 {
		c.MaxFetchTimeout = d.MaxFetchTimeout
	}
	if c.SweepDelay <= 0 {
		c.SweepDelay = d.SweepDelay
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	return c
}

// Result is the class of a poll outcome as far as scheduling is concerned.
type Result int

const (
	// Success covers completed polls, including those short-circuited by an
	// unchanged liveness probe.
	Success Result = iota
	// Failed covers server, network, timeout and parse errors.
	Failed
	// RateLimited is a rejection by the remote rate limiter.
	RateLimited
)

// Outcome describes what happened to one poll.
type Outcome struct {
	Result Result

	// LastActivity is the entity's most recent known activity. The zero
	// value means unknown.
	LastActivity time.Time

	// Collapsed is true while the display surface is in the background.
	Collapsed bool

	// RetryAfter is the explicit cooldown of a rate-limit response.
	RetryAfter time.Duration
}

// Decision is the scheduling verdict for one entity.
type Decision struct {
	NextFetch  time.Time
	Multiplier float64
	Cycle      time.Duration

	// CooldownUntil is set only when a rate-limit response named its own
	// cooldown; the UI shows it as a countdown.
	CooldownUntil time.Time
}

// Scheduler computes per-entity scheduling decisions. It is safe for
// concurrent use.
type Scheduler struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a [Scheduler]. A nil rnd uses a time-seeded source.
func New(cfg Config, rnd *rand.Rand) *Scheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{cfg: cfg.withDefaults(), rnd: rnd}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Cycle returns base × multiplier plus a random jitter in [0, MaxJitter).
func (s *Scheduler) Cycle(multiplier float64) time.Duration {
	d := time.Duration(float64(s.cfg.Base) * multiplier)
	if s.cfg.MaxJitter > 0 {
		s.mu.Lock()
		d += time.Duration(s.rnd.Int63n(int64(s.cfg.MaxJitter)))
		s.mu.Unlock()
	}
	if d < minCycle {
		d = minCycle
	}
	return d
}

// Decide returns the next fetch time of an entity polled at now.
//
// The multiplier always comes from the tier table so the UI can show the
// current cadence. Failures replace the cycle with fixed backoff windows and
// carry no jitter.
func (s *Scheduler) Decide(now time.Time, o Outcome) Decision {
	age := time.Duration(0)
	known := !o.LastActivity.IsZero()
	if known {
		age = now.Sub(o.LastActivity)
	}
	d := Decision{Multiplier: Multiplier(age, known, o.Collapsed)}

	switch o.Result {
	case Failed:
		d.Cycle = s.cfg.ErrorBackoff
	case RateLimited:
		d.Cycle = s.cfg.RateLimitBackoff
		if o.RetryAfter > 0 {
			d.Cycle = o.RetryAfter
			d.CooldownUntil = now.Add(o.RetryAfter)
		}
	default:
		d.Cycle = s.Cycle(d.Multiplier)
	}
	if d.Cycle < minCycle {
		d.Cycle = minCycle
	}
	d.NextFetch = now.Add(d.Cycle)
	return d
}

// FetchTimeout bounds a single remote call to a third of the entity's cycle
// so a stalled call cannot run past its next scheduled attempt. The one
// second floor only lifts a small MaxFetchTimeout and never exceeds a third
// of the cycle.
func (s *Scheduler) FetchTimeout(cycle time.Duration) time.Duration {
	third := cycle / 3
	t := min(third, s.cfg.MaxFetchTimeout)
	if floor := min(minFetchTimeout, third); t < floor {
		t = floor
	}
	return t
}

// PickDue returns at most one entity that is due at now: the one with the
// earliest next fetch time, ties resolved by position in order. Entities
// with no recorded next fetch time are due immediately. busy entities are
// skipped.
func PickDue(now time.Time, order []string, next map[string]time.Time, busy func(string) bool) (string, bool) {
	var (
		pick   string
		pickAt time.Time
		found  bool
	)
	for _, id := range order {
		if busy != nil && busy(id) {
			continue
		}
		at, ok := next[id]
		if ok && at.After(now) {
			continue
		}
		if !found || at.Before(pickAt) {
			pick, pickAt, found = id, at, true
		}
	}
	return pick, found
}
