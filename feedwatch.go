package feedwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/coordinator"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/fetcher"
	"github.com/jpalmerr/feedwatch/internal/kv"
	"github.com/jpalmerr/feedwatch/internal/schedule"
	"github.com/jpalmerr/feedwatch/internal/server"
	"github.com/jpalmerr/feedwatch/internal/state"
	"github.com/jpalmerr/feedwatch/internal/store"
)

const (
	defaultPort = 8080

	// metricsInterval and metricsRetain shape the in-memory sink served at
	// /api/metrics.
	metricsInterval = 10 * time.Second
	metricsRetain   = time.Minute

	minTick = 10 * time.Millisecond
)

// Feedwatch is one instance of a group that monitors forum users.
//
// Every instance serves the same API and shows the same data, but only the
// elected leader polls the forum. It is created using [New] with functional
// options and started with [Feedwatch.Start].
//
// The typical lifecycle is:
//
//	fw, err := feedwatch.New(feedwatch.WithForum("https://meta.discourse.org"))
//	if err != nil {
//	    slog.Error("failed to create feedwatch", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	fw.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// resign leadership and shut down.
type Feedwatch struct {
	id        string
	forumURL  string
	headers   map[string]string
	entities  []string
	port      int
	transport string
	busAddr   string
	hub       *Hub
	driver    string
	location  string
	coordCfg  coordinator.Config
	logger    *slog.Logger

	actionCallbacks     []func(Activity)
	roleChangeCallbacks []func(from, to Role)

	// running is set while Start runs.
	running atomic.Pointer[coordinator.Coordinator]
}

// New creates a new [Feedwatch] instance with the given options.
//
// A forum must be configured via [WithForum]. Other options have sensible
// defaults:
//   - Instance id: random UUID
//   - Port: 8080
//   - Transport: local, store: memory
//   - Base interval: 1 minute, retention: 15 actions
//
// Returns an error if the forum is missing or if any option is invalid.
func New(opts ...Option) (*Feedwatch, error) {
	cfg := &fwConfig{
		port:      defaultPort,
		transport: TransportLocal,
		driver:    DriverMemory,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.forumURL == "" {
		return nil, errors.New("a forum url is required")
	}
	u, err := url.Parse(cfg.forumURL)
	if err != nil {
		return nil, fmt.Errorf("invalid forum url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("forum url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("forum url must have a host")
	}

	// validate entity uniqueness after normalization
	seen := make(map[string]bool, len(cfg.entities))
	entities := make([]string, 0, len(cfg.entities))
	for _, e := range cfg.entities {
		name := normalizeEntity(e)
		if name == "" {
			return nil, fmt.Errorf("invalid entity name: %q", e)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate entity: %q", name)
		}
		seen[name] = true
		entities = append(entities, name)
	}

	if cfg.instanceID == "" {
		cfg.instanceID = uuid.NewString()
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Feedwatch{
		id:                  cfg.instanceID,
		forumURL:            cfg.forumURL,
		headers:             copyMap(cfg.headers),
		entities:            entities,
		port:                cfg.port,
		transport:           cfg.transport,
		busAddr:             cfg.busAddr,
		hub:                 cfg.hub,
		driver:              cfg.driver,
		location:            cfg.location,
		coordCfg:            coordinatorConfig(cfg),
		logger:              logger,
		actionCallbacks:     cfg.actionCallbacks,
		roleChangeCallbacks: cfg.roleChangeCallbacks,
	}, nil
}

// coordinatorConfig overlays the configured timings on the defaults.
func coordinatorConfig(cfg *fwConfig) coordinator.Config {
	sched := schedule.DefaultConfig()
	if cfg.baseInterval > 0 {
		sched.Base = cfg.baseInterval
	}
	if cfg.maxJitter != nil {
		sched.MaxJitter = *cfg.maxJitter
	}
	if cfg.errorBackoff > 0 {
		sched.ErrorBackoff = cfg.errorBackoff
	}
	if cfg.rateLimitBackoff > 0 {
		sched.RateLimitBackoff = cfg.rateLimitBackoff
	}
	if cfg.maxFetchTimeout > 0 {
		sched.MaxFetchTimeout = cfg.maxFetchTimeout
	}
	if cfg.sweepDelay > 0 {
		sched.SweepDelay = cfg.sweepDelay
	}
	// keep the tick fine-grained against short cycles
	if tick := sched.Base / 4; tick < sched.Tick {
		sched.Tick = max(tick, minTick)
	}

	elec := election.DefaultConfig()
	if cfg.electionTimeout > 0 {
		elec.ElectionTimeout = cfg.electionTimeout
		elec.HeartbeatInterval = cfg.heartbeat
	}
	if cfg.promotionAfter > 0 {
		elec.PromotionAfter = cfg.promotionAfter
	}
	if cfg.minTenure != nil {
		elec.MinTenure = *cfg.minTenure
	}

	return coordinator.Config{
		ID:            cfg.instanceID,
		Retention:     cfg.retention,
		NotifyStagger: cfg.notifyStagger,
		Schedule:      sched,
		Election:      elec,
	}
}

// Start joins the group, takes part in the leader election and serves the
// API.
//
// Start is a blocking call that runs until the provided context is
// cancelled. During execution:
//
//   - The persisted state is loaded, seeding the entity list on a cold start
//   - The instance joins the broadcast channel and elects or finds a leader
//   - The leader polls the forum and replicates results to every instance
//   - The HTTP API is available at http://localhost:<port>
//
// On cancellation a leader resigns so another instance takes over at once.
//
// Returns nil on graceful shutdown. Returns an error if a resource cannot
// be opened or the HTTP server fails to start.
func (fw *Feedwatch) Start(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	fw.logger.Info("feedwatch starting",
		"instance", fw.id,
		"forum", fw.forumURL,
		"transport", fw.transport,
		"store", fw.driver,
	)

	res, err := fw.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			fw.logger.Warn("closing resources failed", "error", err)
		}
	}()

	if seeded, err := seedEntities(ctx, res.kv, fw.entities); err != nil {
		fw.logger.Warn("seeding entities failed", "error", err)
	} else if seeded {
		fw.logger.Info("entity list seeded", "entities", len(fw.entities))
	}

	view := store.NewMemoryStore()
	sink := metrics.NewInmemSink(metricsInterval, metricsRetain)

	coord, err := coordinator.New(fw.coordCfg, coordinator.Deps{
		Channel:      res.channel,
		Fetcher:      res.fetcher,
		KV:           res.kv,
		View:         view,
		Metrics:      sink,
		Logger:       fw.logger,
		OnNotify:     fw.notify,
		OnRoleChange: fw.roleChanged,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	fw.running.Store(coord)
	defer fw.running.Store(nil)

	httpServer := server.NewServer(view, coord, fw.port, sink, fw.logger)
	if err := httpServer.Start(ctx); err != nil {
		coord.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	fw.logger.Info("api available", "url", fmt.Sprintf("http://localhost:%d", fw.port))

	select {
	case <-ctx.Done():
	case <-coord.Done():
	}
	coord.Stop()
	fw.logger.Info("feedwatch stopped")
	return nil
}

// resources are the collaborators opened for one run.
type resources struct {
	kv      kv.Store
	ownKV   bool
	channel bus.Channel
	fetcher *fetcher.HTTP
}

func (fw *Feedwatch) open(ctx context.Context) (*resources, error) {
	res := &resources{}

	switch {
	case fw.driver == DriverMemory && fw.hub != nil:
		res.kv = fw.hub.kv
	default:
		st, err := kv.Open(ctx, fw.driver, fw.location)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", fw.driver, err)
		}
		res.kv = st
		res.ownKV = true
	}

	switch {
	case fw.transport == TransportMulticast:
		mc, err := bus.NewMulticast(fw.busAddr, fw.id, fw.logger)
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("failed to join broadcast channel: %w", err)
		}
		res.channel = mc
	case fw.hub != nil:
		res.channel = fw.hub.bus.Join(fw.id)
	default:
		// a private hub: the instance runs alone
		res.channel = bus.NewHub().Join(fw.id)
	}

	f, err := fetcher.NewHTTP(fw.forumURL, fw.coordCfg.Retention, fw.headers, fw.logger)
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	res.fetcher = f
	return res, nil
}

// Close releases every opened resource and reports all failures.
func (r *resources) Close() error {
	var result *multierror.Error
	if r.fetcher != nil {
		r.fetcher.Close()
	}
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing channel: %w", err))
		}
	}
	if r.ownKV && r.kv != nil {
		if err := r.kv.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// seedEntities writes names as the entity list unless one is persisted
// already. It reports whether it wrote.
func seedEntities(ctx context.Context, st kv.Store, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	if _, ok, err := st.Get(ctx, state.KeyEntities); err != nil || ok {
		return false, err
	}
	s, err := state.Load(ctx, st)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		s.Add(n)
	}
	return true, state.Save(ctx, st, s)
}

// ID returns the instance id.
func (fw *Feedwatch) ID() string {
	return fw.id
}

// Port returns the configured HTTP port for the API server.
func (fw *Feedwatch) Port() int {
	return fw.port
}

// Entities returns a copy of the configured seed list.
func (fw *Feedwatch) Entities() []string {
	cp := make([]string, len(fw.entities))
	copy(cp, fw.entities)
	return cp
}

// Role returns the instance's current role, [RoleElecting] when it is not
// running.
func (fw *Feedwatch) Role() Role {
	c := fw.running.Load()
	if c == nil {
		return RoleElecting
	}
	return toRole(c.Role())
}

// Leader returns the id of the known leader, or "" when none is known.
func (fw *Feedwatch) Leader() string {
	c := fw.running.Load()
	if c == nil {
		return ""
	}
	return c.Leader()
}

func (fw *Feedwatch) notify(r feed.ActionRecord) {
	if len(fw.actionCallbacks) == 0 {
		return
	}
	a := toActivity(r)
	for _, cb := range fw.actionCallbacks {
		invokeCallbackSafe(func() { cb(a) }, "new action", fw.logger)
	}
}

func (fw *Feedwatch) roleChanged(from, to election.Role) {
	f, t := toRole(from), toRole(to)
	for _, cb := range fw.roleChangeCallbacks {
		invokeCallbackSafe(func() { cb(f, t) }, "role change", fw.logger)
	}
}

// invokeCallbackSafe calls a user callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(), name string, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked",
				"callback", name,
				"panic", r,
				"correlation_id", uuid.NewString(),
			)
		}
	}()
	cb()
}

func normalizeEntity(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}

// copyMap returns a shallow copy of the map, or nil if input is nil.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
