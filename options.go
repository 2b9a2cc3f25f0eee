package feedwatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Transports selectable with [WithTransport].
const (
	TransportLocal     = "local"
	TransportMulticast = "multicast"
)

// Store drivers selectable with [WithStore].
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// fwConfig holds mutable state during Feedwatch construction.
type fwConfig struct {
	instanceID string
	forumURL   string
	headers    map[string]string
	entities   []string
	port       int

	transport string
	busAddr   string
	hub       *Hub

	driver   string
	location string

	baseInterval     time.Duration
	maxJitter        *time.Duration
	errorBackoff     time.Duration
	rateLimitBackoff time.Duration
	maxFetchTimeout  time.Duration
	sweepDelay       time.Duration

	electionTimeout time.Duration
	heartbeat       time.Duration
	promotionAfter  time.Duration
	minTenure       *time.Duration

	retention     int
	notifyStagger time.Duration

	logger              *slog.Logger
	actionCallbacks     []func(Activity)
	roleChangeCallbacks []func(from, to Role)
}

// Option is a function that configures a [Feedwatch] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*fwConfig) error

// WithForum sets the base URL of the forum the monitored entities live on.
// Required.
//
// Example:
//
//	fw, err := feedwatch.New(
//	    feedwatch.WithForum("https://meta.discourse.org"),
//	)
func WithForum(baseURL string) Option {
	return func(cfg *fwConfig) error {
		if baseURL == "" {
			return errors.New("forum url cannot be empty")
		}
		cfg.forumURL = baseURL
		return nil
	}
}

// WithHeaders sets HTTP headers sent with every forum request.
// Arguments must be provided as key-value pairs.
//
// Example:
//
//	feedwatch.WithHeaders("User-Api-Key", key, "User-Api-Client-Id", client)
//
// Returns an error if an odd number of arguments is provided.
func WithHeaders(kv ...string) Option {
	return func(cfg *fwConfig) error {
		if len(kv)%2 != 0 {
			return errors.New("headers must be key-value pairs")
		}
		if cfg.headers == nil {
			cfg.headers = make(map[string]string, len(kv)/2)
		}
		for i := 0; i < len(kv); i += 2 {
			cfg.headers[kv[i]] = kv[i+1]
		}
		return nil
	}
}

// WithEntities seeds the monitored list. The seed is used only on a cold
// start, when the store holds no entity list yet; afterwards the list is
// changed through commands.
func WithEntities(names ...string) Option {
	return func(cfg *fwConfig) error {
		for _, n := range names {
			if n == "" {
				return errors.New("entity name cannot be empty")
			}
		}
		cfg.entities = append(cfg.entities, names...)
		return nil
	}
}

// WithInstanceID sets the id this instance uses on the bus. Ids must be
// unique within a group. Defaults to a random UUID.
func WithInstanceID(id string) Option {
	return func(cfg *fwConfig) error {
		if id == "" {
			return errors.New("instance id cannot be empty")
		}
		cfg.instanceID = id
		return nil
	}
}

// WithPort sets the HTTP port for the API server.
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *fwConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTransport selects the broadcast channel: [TransportLocal] keeps the
// instance alone (or with the instances of its [Hub]), [TransportMulticast]
// joins the UDP multicast group at addr. An empty addr uses the default
// group. Defaults to [TransportLocal].
func WithTransport(transport, addr string) Option {
	return func(cfg *fwConfig) error {
		switch transport {
		case TransportLocal, TransportMulticast:
		default:
			return fmt.Errorf("unknown transport %q", transport)
		}
		cfg.transport = transport
		cfg.busAddr = addr
		return nil
	}
}

// WithHub connects the instance to the other instances of h in this
// process. It implies [TransportLocal].
func WithHub(h *Hub) Option {
	return func(cfg *fwConfig) error {
		if h == nil {
			return errors.New("hub cannot be nil")
		}
		cfg.transport = TransportLocal
		cfg.hub = h
		return nil
	}
}

// WithStore selects the key-value store driver. location is the data
// directory for [DriverBadger] and the connection string for
// [DriverPostgres]. Defaults to [DriverMemory].
func WithStore(driver, location string) Option {
	return func(cfg *fwConfig) error {
		switch driver {
		case DriverMemory:
		case DriverBadger, DriverPostgres:
			if location == "" {
				return fmt.Errorf("store driver %s requires a location", driver)
			}
		default:
			return fmt.Errorf("unknown store driver %q", driver)
		}
		cfg.driver = driver
		cfg.location = location
		return nil
	}
}

// WithBaseInterval sets the polling cycle of the most active entities.
// Less active entities are polled at multiples of it. Defaults to 1 minute.
func WithBaseInterval(d time.Duration) Option {
	return func(cfg *fwConfig) error {
		if d <= 0 {
			return errors.New("base interval must be positive")
		}
		cfg.baseInterval = d
		return nil
	}
}

// WithJitter bounds the random delay added to every successful cycle.
// Zero disables jitter.
func WithJitter(d time.Duration) Option {
	return func(cfg *fwConfig) error {
		if d < 0 {
			return errors.New("jitter cannot be negative")
		}
		cfg.maxJitter = &d
		return nil
	}
}

// WithBackoff sets the delay after a failed poll and after a rate-limit
// response that carries no explicit cooldown.
func WithBackoff(onError, onRateLimit time.Duration) Option {
	return func(cfg *fwConfig) error {
		if onError <= 0 || onRateLimit <= 0 {
			return errors.New("backoffs must be positive")
		}
		cfg.errorBackoff = onError
		cfg.rateLimitBackoff = onRateLimit
		return nil
	}
}

// WithMaxFetchTimeout caps the timeout of a single remote lookup.
func WithMaxFetchTimeout(d time.Duration) Option {
	return func(cfg *fwConfig) error {
		if d <= 0 {
			return errors.New("max fetch timeout must be positive")
		}
		cfg.maxFetchTimeout = d
		return nil
	}
}

// WithSweepDelay sets the pause between consecutive lookups of a
// refresh-all sweep.
func WithSweepDelay(d time.Duration) Option {
	return func(cfg *fwConfig) error {
		if d <= 0 {
			return errors.New("sweep delay must be positive")
		}
		cfg.sweepDelay = d
		return nil
	}
}

// WithElectionTiming sets how long a leader check waits for an answer and
// the period of leader heartbeats.
//
// Returns an error unless 0 < timeout < heartbeat.
func WithElectionTiming(timeout, heartbeat time.Duration) Option {
	return func(cfg *fwConfig) error {
		if timeout <= 0 || heartbeat <= 0 {
			return errors.New("election timings must be positive")
		}
		if timeout >= heartbeat {
			return errors.New("election timeout must be shorter than the heartbeat")
		}
		cfg.electionTimeout = timeout
		cfg.heartbeat = heartbeat
		return nil
	}
}

// WithPromotion sets how long a focused follower waits before it takes
// over, and how long a new leader is left in place before that can
// happen. A zero minTenure disables the tenure guard.
func WithPromotion(after, minTenure time.Duration) Option {
	return func(cfg *fwConfig) error {
		if after <= 0 {
			return errors.New("promotion delay must be positive")
		}
		if minTenure < 0 {
			return errors.New("minimum tenure cannot be negative")
		}
		cfg.promotionAfter = after
		cfg.minTenure = &minTenure
		return nil
	}
}

// WithRetention sets how many actions are kept per entity. Defaults to 15.
func WithRetention(n int) Option {
	return func(cfg *fwConfig) error {
		if n <= 0 {
			return errors.New("retention must be positive")
		}
		cfg.retention = n
		return nil
	}
}

// WithNotifyStagger sets the pause between notifications found by the same
// poll. Defaults to 1 second.
func WithNotifyStagger(d time.Duration) Option {
	return func(cfg *fwConfig) error {
		if d <= 0 {
			return errors.New("notify stagger must be positive")
		}
		cfg.notifyStagger = d
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Feedwatch instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *fwConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithNewActionCallback registers a function to be called for every new
// action while system notifications are enabled.
//
// Each action reaches the callbacks at most once per process, on every
// instance of the group. Multiple callbacks may be registered; they execute
// in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. They run on the instance's
// event loop, and a blocking callback stalls coordination. Panics within
// callbacks are recovered and logged.
//
// Example:
//
//	fw, err := feedwatch.New(
//	    feedwatch.WithForum(url),
//	    feedwatch.WithNewActionCallback(func(a feedwatch.Activity) {
//	        log.Printf("%s: %s %s", a.Entity, a.Kind, a.Link)
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithNewActionCallback(cb func(Activity)) Option {
	return func(cfg *fwConfig) error {
		if cb == nil {
			return nil
		}
		cfg.actionCallbacks = append(cfg.actionCallbacks, cb)
		return nil
	}
}

// WithRoleChangeCallback registers a function to be called whenever the
// instance's role changes. The same rules as for
// [WithNewActionCallback] apply.
func WithRoleChangeCallback(cb func(from, to Role)) Option {
	return func(cfg *fwConfig) error {
		if cb == nil {
			return nil
		}
		cfg.roleChangeCallbacks = append(cfg.roleChangeCallbacks, cb)
		return nil
	}
}
