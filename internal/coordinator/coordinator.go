package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/fetcher"
	"github.com/jpalmerr/feedwatch/internal/kv"
	"github.com/jpalmerr/feedwatch/internal/schedule"
	"github.com/jpalmerr/feedwatch/internal/state"
	"github.com/jpalmerr/feedwatch/internal/store"
)

var (
	// ErrNotRunning is returned by operations that need the event loop
	// before Start or after Stop.
	ErrNotRunning = errors.New("coordinator is not running")

	// ErrNoLeader is returned when a command cannot be forwarded because no
	// leader is known. The command is dropped.
	ErrNoLeader = errors.New("no leader known")
)

// Coordinator is one instance of the polling coordinator.
//
// Start and Stop are safe for concurrent use; so are the accessors.
// All instance state is owned by the event loop.
type Coordinator struct {
	id      string
	cfg     Config
	channel bus.Channel
	fetcher fetcher.Fetcher
	kv      kv.Store
	view    store.Store
	metrics metrics.MetricSink
	logger  *slog.Logger

	onNotify     func(feed.ActionRecord)
	onRoleChange func(from, to election.Role)

	sched   *schedule.Scheduler
	sweeper *schedule.Sweep
	elector *election.Elector
	dedup   *feed.Deduper

	// epoch changes on every role change; results of work issued under an
	// older epoch are discarded
	epoch *atomic.Uint64

	inbox chan func()
	done  chan struct{}

	// owned by the event loop
	snap         *state.Snapshot
	viewEntities []string
	processing   map[string]uint64
	failures     map[string]int
	adding       map[string]bool
	resolving    map[string]bool
	collapsed    bool
	sweepCancel  context.CancelFunc
	sweepGen     uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// New creates a [Coordinator]. It must be started with [Coordinator.Start].
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := deps.validate(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	dedup, err := feed.NewDeduper(cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating deduper: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	view := deps.View
	if view == nil {
		view = store.NewMemoryStore()
	}
	sink := deps.Metrics
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	rnd := deps.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	c := &Coordinator{
		id:           cfg.ID,
		cfg:          cfg,
		channel:      deps.Channel,
		fetcher:      deps.Fetcher,
		kv:           deps.KV,
		view:         view,
		metrics:      sink,
		logger:       logger.With("component", "coordinator", "instance", cfg.ID),
		onNotify:     deps.OnNotify,
		onRoleChange: deps.OnRoleChange,
		sched:        schedule.New(cfg.Schedule, rand.New(rand.NewSource(rnd.Int63()))),
		dedup:        dedup,
		epoch:        atomic.NewUint64(0),
		inbox:        make(chan func(), inboxSize),
		done:         make(chan struct{}),
		snap:         state.New(),
		processing:   make(map[string]uint64),
		failures:     make(map[string]int),
		adding:       make(map[string]bool),
		resolving:    make(map[string]bool),
	}
	c.sweeper = schedule.NewSweep(c.sched.Config().SweepDelay)
	c.elector = election.New(cfg.ID, cfg.Election, election.Hooks{
		Send:         c.send,
		After:        c.after,
		OnRoleChange: c.roleChanged,
	}, rand.New(rand.NewSource(rnd.Int63())), logger)
	return c, nil
}

// ID returns the instance id.
func (c *Coordinator) ID() string {
	return c.id
}

// Role returns the instance's current role.
func (c *Coordinator) Role() election.Role {
	return c.elector.Role()
}

// Leader returns the id of the known leader, or "".
func (c *Coordinator) Leader() string {
	return c.elector.Leader()
}

// View returns the store the coordinator publishes its view into.
func (c *Coordinator) View() store.Store {
	return c.view
}

// Start loads the persisted state and starts the event loop, which begins
// with an election. Start is idempotent; after Stop it is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	loopCtx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	snap, err := state.Load(loopCtx, c.kv)
	if err != nil {
		c.logger.Warn("loading persisted state failed, starting empty", "error", err)
		snap = state.New()
	}
	collapsed, err := state.LoadCollapsed(loopCtx, c.kv)
	if err != nil {
		c.logger.Warn("loading display preference failed", "error", err)
	}
	c.snap = snap
	c.collapsed = collapsed
	c.updateView()
	c.logger.Info("coordinator starting", "entities", len(snap.Entities), "errors", len(snap.Errors))

	go c.run(loopCtx)
	return nil
}

// Stop resigns leadership, stops the event loop and waits for all
// in-flight work. Stop is idempotent and safe to call before Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		if c.cancel != nil {
			c.cancel()
		}
	}
	started := c.started
	c.mu.Unlock()

	if !started {
		c.closeOnce.Do(func() { close(c.done) })
	}
	c.wg.Wait()
}

// Done is closed once the event loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.closeOnce.Do(func() { close(c.done) })
	defer c.shutdown()

	c.elector.Start()

	ticker := time.NewTicker(c.sched.Config().Tick)
	defer ticker.Stop()

	msgs := c.channel.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-msgs:
			if !ok {
				c.logger.Warn("bus channel closed")
				msgs = nil
				continue
			}
			c.handleEnvelope(env)
		case fn := <-c.inbox:
			fn()
		case <-ticker.C:
			c.tick()
		}
	}
}

// shutdown runs on the event loop as it exits.
func (c *Coordinator) shutdown() {
	c.stopSweep()
	c.elector.Resign()
	c.logger.Info("coordinator stopped")
}

// post runs fn on the event loop. It reports false once the loop has
// exited.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// after is the elector's timer hook.
func (c *Coordinator) after(d time.Duration, t election.Timer) {
	time.AfterFunc(d, func() {
		c.post(func() { c.elector.Fire(t) })
	})
}

// send publishes m, to a single instance when to is non-empty.
func (c *Coordinator) send(to string, m bus.Message) {
	env, err := bus.NewEnvelope(c.id, m)
	if err != nil {
		c.logger.Error("encoding message failed", "kind", m.Kind(), "error", err)
		c.incr(keyBusErrors, label("kind", string(m.Kind())))
		return
	}
	if to != "" {
		env = env.Addressed(to)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.channel.Publish(ctx, env); err != nil {
		c.logger.Warn("publish failed", "kind", m.Kind(), "to", to, "error", err)
		c.incr(keyBusErrors, label("kind", string(m.Kind())))
		return
	}
	c.incr(keyBusSent, label("kind", string(m.Kind())))
}

func (c *Coordinator) handleEnvelope(env bus.Envelope) {
	if env.From == c.id || !env.For(c.id) {
		return
	}
	m, err := env.Decode()
	if err != nil {
		c.logger.Debug("dropping undecodable message", "kind", env.Kind, "from", env.From, "error", err)
		c.incr(keyBusErrors, label("kind", string(env.Kind)))
		return
	}
	c.incr(keyBusReceived, label("kind", string(m.Kind())))

	if c.elector.Handle(env.From, m) {
		return
	}
	switch msg := m.(type) {
	case bus.DataRequest:
		if c.isLeader() {
			c.sendSnapshot(env.From)
		}
	case bus.DataUpdate:
		c.applyUpdate(env.From, msg.Snapshot)
	case bus.NewAction:
		c.deliver(msg.Record)
	case bus.Command:
		if !c.isLeader() {
			c.logger.Debug("dropping command addressed to a non-leader", "kind", m.Kind(), "from", env.From)
			c.incr(keyCmdDropped, label("kind", string(m.Kind())))
			return
		}
		c.execute(msg)
	}
}

func (c *Coordinator) isLeader() bool {
	return c.elector.Role() == election.Leader
}

// roleChanged is the elector's role hook.
func (c *Coordinator) roleChanged(from, to election.Role) {
	c.epoch.Inc()
	c.metrics.SetGauge(keyRoleLeader, boolGauge(to == election.Leader))
	c.logger.Info("role changed", "from", from, "to", to, "leader", c.elector.Leader())

	if from == election.Leader {
		c.stopSweep()
		clear(c.processing)
		clear(c.adding)
		clear(c.resolving)
	}
	if to == election.Leader {
		c.publish()
		c.resolveErrors()
	}
	if c.onRoleChange != nil {
		c.safeCall("role change", func() { c.onRoleChange(from, to) })
	}
}

// SetPresence reports whether the display surface has foreground focus and
// whether it is collapsed.
func (c *Coordinator) SetPresence(focused, collapsed bool) error {
	if !c.running() {
		return ErrNotRunning
	}
	if !c.post(func() { c.setPresence(focused, collapsed) }) {
		return ErrNotRunning
	}
	return nil
}

func (c *Coordinator) setPresence(focused, collapsed bool) {
	c.elector.SetFocus(focused)
	if collapsed == c.collapsed {
		return
	}
	c.collapsed = collapsed
	if err := state.SaveCollapsed(c.ctx, c.kv, collapsed); err != nil {
		c.logger.Warn("saving display preference failed", "error", err)
		c.incr(keyPersistErrors)
	}
}

// safeCall runs a user callback with panic recovery. A panic is logged with
// a correlation id and otherwise swallowed.
func (c *Coordinator) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panic",
				"callback", name,
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
