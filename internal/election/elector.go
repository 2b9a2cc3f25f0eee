package election

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"

	"github.com/jpalmerr/feedwatch/internal/bus"
)

// Role is an instance's position in the election.
type Role int32

const (
	Electing Role = iota
	Follower
	Leader
)

func (r Role) String() string {
	switch r {
	case Electing:
		return "electing"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Defaults for [Config].
const (
	DefaultElectionTimeout   = 1500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPromotionAfter    = 2 * time.Minute
	DefaultMinTenure         = 30 * time.Second
	DefaultResignJitter      = 500 * time.Millisecond

	// leaderTTLFactor heartbeats may be missed before a leader is presumed
	// gone.
	leaderTTLFactor = 3
)

// Config holds the election timing.
type Config struct {
	// ElectionTimeout is how long a leader_check waits for an answer.
	ElectionTimeout time.Duration

	// HeartbeatInterval is the period of the leader's leader_here
	// announcements and of the followers' liveness check.
	HeartbeatInterval time.Duration

	// PromotionAfter is how long a follower must hold focus before it
	// takes over.
	PromotionAfter time.Duration

	// MinTenure is how long a leader is left in place before a focused
	// follower may take over. Zero disables the guard.
	MinTenure time.Duration

	// ResignJitter bounds the random delay followers wait after a
	// leader_resign before electing.
	ResignJitter time.Duration
}

// DefaultConfig returns the standard election timing.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:   DefaultElectionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PromotionAfter:    DefaultPromotionAfter,
		MinTenure:         DefaultMinTenure,
		ResignJitter:      DefaultResignJitter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = d.ElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PromotionAfter <= 0 {
		c.PromotionAfter = d.PromotionAfter
	}
	if c.MinTenure < 0 {
		c.MinTenure = 0
	}
	if c.ResignJitter <= 0 {
		c.ResignJitter = d.ResignJitter
	}
	return c
}

// TimerKind identifies one of the elector's timers.
type TimerKind int

const (
	TimerElection TimerKind = iota
	TimerHeartbeat
	TimerPromotion
	TimerResign
	numTimers
)

// Timer is a timer expiry to be passed back to [Elector.Fire]. A Timer whose
// generation is stale, because the timer was re-armed or cancelled since, is
// ignored.
type Timer struct {
	Kind TimerKind
	gen  uint64
}

// Hooks connect an [Elector] to its environment.
type Hooks struct {
	// Send publishes m, to a single instance when to is non-empty.
	Send func(to string, m bus.Message)

	// After delivers t to Fire on the event loop once d has elapsed.
	After func(d time.Duration, t Timer)

	// OnRoleChange is called on the event loop after every transition.
	OnRoleChange func(from, to Role)
}

// Elector runs the election protocol of one instance.
type Elector struct {
	id     string
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	rnd    *rand.Rand
	now    func() time.Time

	role   *atomic.Int32
	leader *atomic.String

	// since is when this instance last became leader.
	since time.Time

	// leaderSince is when the known leader became leader.
	leaderSince time.Time

	// leaders holds leaders heard from recently, expiring after missed
	// heartbeats.
	leaders *cache.Cache

	gens    [numTimers]uint64
	focused bool
	stopped bool

	// focusSince is when the current focus began.
	focusSince time.Time
}

// New creates an [Elector] for instance id. A nil rnd uses a time-seeded
// source.
func New(id string, cfg Config, hooks Hooks, rnd *rand.Rand, logger *slog.Logger) *Elector {
	cfg = cfg.withDefaults()
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Elector{
		id:      id,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger.With("component", "election", "instance", id),
		rnd:     rnd,
		now:     time.Now,
		role:    atomic.NewInt32(int32(Electing)),
		leader:  atomic.NewString(""),
		leaders: cache.New(leaderTTLFactor*cfg.HeartbeatInterval, 0),
	}
}

// ID returns the instance id.
func (e *Elector) ID() string {
	return e.id
}

// Role returns the current role. Safe for concurrent use.
func (e *Elector) Role() Role {
	return Role(e.role.Load())
}

// Leader returns the id of the known leader, or "" when none is known.
// Safe for concurrent use.
func (e *Elector) Leader() string {
	return e.leader.Load()
}

// Since returns when this instance became leader. It is zero unless the
// role is Leader.
func (e *Elector) Since() time.Time {
	if e.Role() != Leader {
		return time.Time{}
	}
	return e.since
}

// Start asks for the current leader and arms the election timer.
func (e *Elector) Start() {
	e.startElection("startup")
	e.arm(TimerHeartbeat, e.cfg.HeartbeatInterval)
}

// Handle processes an election message from instance from. It reports
// whether m was an election message.
func (e *Elector) Handle(from string, m bus.Message) bool {
	if e.stopped || from == e.id {
		return false
	}
	switch msg := m.(type) {
	case bus.LeaderCheck:
		if e.Role() == Leader {
			e.hooks.Send("", bus.LeaderHere{Since: e.since})
		}
	case bus.LeaderHere:
		e.onLeaderHere(from, msg.Since)
	case bus.LeaderTakeover:
		e.onTakeover(from, msg.Since)
	case bus.LeaderResign:
		e.onResign(from)
	default:
		return false
	}
	return true
}

func (e *Elector) onLeaderHere(from string, since time.Time) {
	e.leaders.SetDefault(from, since)

	switch e.Role() {
	case Leader:
		if !supersedes(from, since, e.id, e.since) {
			// the other leader must yield to us
			e.hooks.Send("", bus.LeaderHere{Since: e.since})
			return
		}
		e.logger.Info("yielding to newer leader", "leader", from)
		e.follow(from, since)
	default:
		if e.Role() == Follower && e.Leader() != from && e.Leader() != "" &&
			!supersedes(from, since, e.Leader(), e.leaderSince) {
			return
		}
		e.follow(from, since)
	}
}

func (e *Elector) onTakeover(from string, since time.Time) {
	e.leaders.SetDefault(from, since)
	if e.Role() == Leader {
		e.logger.Info("leadership taken over", "leader", from)
	}
	e.follow(from, since)
}

func (e *Elector) onResign(from string) {
	e.leaders.Delete(from)
	if e.Leader() != from {
		return
	}
	e.leader.Store("")
	e.leaderSince = time.Time{}
	e.setRole(Electing)

	delay := time.Duration(e.rnd.Int63n(int64(e.cfg.ResignJitter)))
	e.logger.Info("leader resigned", "leader", from, "election_in", delay)
	e.arm(TimerResign, delay)
}

// follow makes leader the known leader and this instance a follower.
func (e *Elector) follow(leader string, since time.Time) {
	prevLeader := e.Leader()
	prevRole := e.Role()

	e.cancel(TimerElection)
	e.cancel(TimerResign)
	e.leader.Store(leader)
	e.leaderSince = since
	e.since = time.Time{}
	e.setRole(Follower)

	if prevRole == Follower && prevLeader == leader {
		return
	}
	e.hooks.Send(leader, bus.DataRequest{})
	if e.focused {
		// a new leader does not restart the focus clock
		e.arm(TimerPromotion, e.promotionLeft())
	}
}

// Fire processes a timer expiry.
func (e *Elector) Fire(t Timer) {
	if e.stopped || t.Kind < 0 || t.Kind >= numTimers || t.gen != e.gens[t.Kind] {
		return
	}
	switch t.Kind {
	case TimerElection:
		if e.Role() == Electing {
			e.becomeLeader("election timeout")
			e.hooks.Send("", bus.LeaderHere{Since: e.since})
		}
	case TimerResign:
		if e.Role() == Electing {
			e.startElection("leader resigned")
		}
	case TimerHeartbeat:
		e.arm(TimerHeartbeat, e.cfg.HeartbeatInterval)
		e.leaders.DeleteExpired()
		switch e.Role() {
		case Leader:
			e.hooks.Send("", bus.LeaderHere{Since: e.since})
		case Follower:
			if _, ok := e.leaders.Get(e.Leader()); !ok {
				e.logger.Warn("leader heartbeat lost", "leader", e.Leader())
				e.leader.Store("")
				e.setRole(Electing)
				e.startElection("leader lost")
			}
		}
	case TimerPromotion:
		e.promote()
	}
}

func (e *Elector) promote() {
	if !e.focused {
		return
	}
	switch e.Role() {
	case Leader:
		return
	case Electing:
		e.arm(TimerPromotion, max(e.promotionLeft(), e.cfg.ElectionTimeout))
		return
	}
	if e.cfg.MinTenure > 0 && !e.leaderSince.IsZero() {
		if left := e.cfg.MinTenure - e.now().Sub(e.leaderSince); left > 0 {
			e.arm(TimerPromotion, left)
			return
		}
	}
	e.becomeLeader("focus held")
	e.hooks.Send("", bus.LeaderTakeover{Since: e.since})
}

// SetFocus reports whether the instance's surface has foreground focus.
// Focus held for the promotion threshold makes a follower take over;
// losing focus earlier cancels the pending promotion.
func (e *Elector) SetFocus(focused bool) {
	if e.stopped || focused == e.focused {
		return
	}
	e.focused = focused
	if !focused {
		e.focusSince = time.Time{}
		e.cancel(TimerPromotion)
		return
	}
	e.focusSince = e.now()
	if e.Role() != Leader {
		e.arm(TimerPromotion, e.cfg.PromotionAfter)
	}
}

// Resign stops the elector. A leader announces leader_resign so followers
// elect a successor.
func (e *Elector) Resign() {
	if e.stopped {
		return
	}
	if e.Role() == Leader {
		e.hooks.Send("", bus.LeaderResign{})
		e.logger.Info("resigned leadership")
	}
	e.stopped = true
	for k := range e.gens {
		e.gens[k]++
	}
	e.leader.Store("")
	e.setRole(Electing)
}

// promotionLeft is how much longer focus must be held before a takeover.
func (e *Elector) promotionLeft() time.Duration {
	return max(e.cfg.PromotionAfter-e.now().Sub(e.focusSince), 0)
}

func (e *Elector) startElection(reason string) {
	e.setRole(Electing)
	e.logger.Debug("starting election", "reason", reason)
	e.hooks.Send("", bus.LeaderCheck{})
	e.arm(TimerElection, e.cfg.ElectionTimeout)
}

func (e *Elector) becomeLeader(reason string) {
	e.cancel(TimerElection)
	e.cancel(TimerResign)
	e.cancel(TimerPromotion)
	e.since = e.now()
	e.leaderSince = e.since
	e.leader.Store(e.id)
	e.logger.Info("became leader", "reason", reason)
	e.setRole(Leader)
}

func (e *Elector) setRole(r Role) {
	old := Role(e.role.Swap(int32(r)))
	if old != r && e.hooks.OnRoleChange != nil {
		e.hooks.OnRoleChange(old, r)
	}
}

func (e *Elector) arm(k TimerKind, d time.Duration) {
	e.gens[k]++
	e.hooks.After(d, Timer{Kind: k, gen: e.gens[k]})
}

func (e *Elector) cancel(k TimerKind) {
	e.gens[k]++
}

// supersedes reports whether leader a, established at aSince, wins over
// leader b: the more recently established leader wins, ties go to the
// smaller id.
func supersedes(a string, aSince time.Time, b string, bSince time.Time) bool {
	if !aSince.Equal(bSince) {
		return aSince.After(bSince)
	}
	return a < b
}
