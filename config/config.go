// Package config provides YAML configuration parsing for feedwatch.
//
// This package enables running feedwatch as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//
//	forum:
//	  url: https://meta.discourse.org
//	  headers:
//	    User-Api-Key: ${FORUM_API_KEY:-}
//
//	entities: [alice, bob]
//
//	bus:
//	  transport: multicast
//	  addr: 239.77.77.77:7777
//
//	store:
//	  driver: badger
//	  path: ./data
//
//	schedule:
//	  base: 1m
//	  error_backoff: 5m
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Transports accepted in bus.transport.
const (
	TransportLocal     = "local"
	TransportMulticast = "multicast"
)

// Store drivers accepted in store.driver.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

const (
	defaultPort = 8080

	// minBaseInterval is the shortest allowed base cycle. Shorter cycles
	// would hammer the forum from every leader.
	minBaseInterval = 5 * time.Second

	maxRetention = 100
)

// ErrNoForum is returned when forum.url is missing.
var ErrNoForum = errors.New("forum.url is required")

// Config is the root configuration structure for feedwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// InstanceID identifies this instance on the bus. A random id is
	// generated when empty.
	InstanceID string `yaml:"instance_id"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	Forum ForumConfig `yaml:"forum"`

	// Entities seeds the monitored list on a cold start, when the store
	// holds no list yet.
	Entities []string `yaml:"entities"`

	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Election ElectionConfig `yaml:"election"`

	// Retention is the number of actions kept per entity. Defaults to 15.
	Retention int `yaml:"retention"`

	// NotifyStagger separates notifications found by the same poll.
	NotifyStagger Duration `yaml:"notify_stagger"`
}

// ForumConfig locates the forum the entities live on.
type ForumConfig struct {
	// URL is the forum base URL.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`
}

// BusConfig selects the broadcast channel between instances.
type BusConfig struct {
	// Transport is "local" (single process) or "multicast". Defaults to
	// multicast.
	Transport string `yaml:"transport"`

	// Addr is the multicast group address.
	Addr string `yaml:"addr"`
}

// StoreConfig selects the key-value store shared by instances.
type StoreConfig struct {
	// Driver is "memory", "badger" or "postgres". Defaults to memory.
	Driver string `yaml:"driver"`

	// Path is the badger data directory.
	Path string `yaml:"path"`

	// DSN is the postgres connection string. Supports environment
	// variable substitution.
	DSN string `yaml:"dsn"`
}

// ScheduleConfig holds the adaptive scheduling timings. Zero values keep
// the built-in defaults.
type ScheduleConfig struct {
	Base             Duration `yaml:"base"`
	MaxJitter        Duration `yaml:"max_jitter"`
	ErrorBackoff     Duration `yaml:"error_backoff"`
	RateLimitBackoff Duration `yaml:"rate_limit_backoff"`
	MaxFetchTimeout  Duration `yaml:"max_fetch_timeout"`
	SweepDelay       Duration `yaml:"sweep_delay"`
}

// ElectionConfig holds the leader election timings. Zero values keep the
// built-in defaults.
type ElectionConfig struct {
	Timeout        Duration `yaml:"timeout"`
	Heartbeat      Duration `yaml:"heartbeat"`
	PromotionAfter Duration `yaml:"promotion_after"`
	MinTenure      Duration `yaml:"min_tenure"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the instance id, forum URL, header
// values and the postgres DSN. Defaults are applied for Port (8080), the
// transport (multicast) and the store driver (memory). All validation
// problems are reported together.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = TransportMulticast
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	var result *multierror.Error

	expanded, err := expandEnvVars(c.InstanceID)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("instance_id: %w", err))
	}
	c.InstanceID = strings.TrimSpace(expanded)

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}

	result = multierror.Append(result, c.Forum.expandAndValidate()...)
	result = multierror.Append(result, c.validateEntities()...)
	result = multierror.Append(result, c.Bus.validate()...)
	result = multierror.Append(result, c.Store.expandAndValidate()...)
	result = multierror.Append(result, c.Schedule.validate()...)
	result = multierror.Append(result, c.Election.validate()...)

	if c.Retention < 0 || c.Retention > maxRetention {
		result = multierror.Append(result, fmt.Errorf("retention must be between 0 and %d, got %d", maxRetention, c.Retention))
	}
	if c.NotifyStagger < 0 {
		result = multierror.Append(result, fmt.Errorf("notify_stagger cannot be negative, got %s", c.NotifyStagger.Duration()))
	}

	return result.ErrorOrNil()
}

func (f *ForumConfig) expandAndValidate() []error {
	var errs []error

	if f.URL == "" {
		return append(errs, ErrNoForum)
	}
	expanded, err := expandEnvVars(f.URL)
	if err != nil {
		return append(errs, fmt.Errorf("forum.url: %w", err))
	}
	f.URL = expanded

	parsedURL, err := url.Parse(f.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("forum.url: invalid url: %w", err))
	case parsedURL.Scheme == "":
		errs = append(errs, errors.New("forum.url: url must have a scheme (http:// or https://)"))
	case parsedURL.Scheme != "http" && parsedURL.Scheme != "https":
		errs = append(errs, fmt.Errorf("forum.url: url scheme must be http or https, got %q", parsedURL.Scheme))
	case parsedURL.Host == "":
		errs = append(errs, errors.New("forum.url: url must have a host"))
	}

	for k, v := range f.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("forum.headers[%s]: %w", k, err))
			continue
		}
		f.Headers[k] = expanded
	}
	return errs
}

// validateEntities normalizes the seed list and rejects empty or duplicate
// names.
func (c *Config) validateEntities() []error {
	var errs []error
	seen := make(map[string]int, len(c.Entities))
	for i, raw := range c.Entities {
		name := NormalizeEntity(raw)
		if name == "" {
			errs = append(errs, fmt.Errorf("entities[%d]: name is required", i))
			continue
		}
		if first, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("entities[%d] (%s): duplicate of entities[%d]", i, name, first))
			continue
		}
		seen[name] = i
		c.Entities[i] = name
	}
	return errs
}

// NormalizeEntity trims whitespace and a leading "@" from a user name.
func NormalizeEntity(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}

func (b *BusConfig) validate() []error {
	switch b.Transport {
	case TransportLocal:
		return nil
	case TransportMulticast:
		if b.Addr == "" {
			return nil
		}
		host, _, err := net.SplitHostPort(b.Addr)
		if err != nil {
			return []error{fmt.Errorf("bus.addr: %w", err)}
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsMulticast() {
			return []error{fmt.Errorf("bus.addr: %q is not a multicast group", host)}
		}
		return nil
	default:
		return []error{fmt.Errorf("bus.transport must be %s or %s, got %q", TransportLocal, TransportMulticast, b.Transport)}
	}
}

func (s *StoreConfig) expandAndValidate() []error {
	switch s.Driver {
	case DriverMemory:
		return nil
	case DriverBadger:
		if s.Path == "" {
			return []error{errors.New("store.path is required for the badger driver")}
		}
		return nil
	case DriverPostgres:
		if s.DSN == "" {
			return []error{errors.New("store.dsn is required for the postgres driver")}
		}
		expanded, err := expandEnvVars(s.DSN)
		if err != nil {
			return []error{fmt.Errorf("store.dsn: %w", err)}
		}
		s.DSN = expanded
		return nil
	default:
		return []error{fmt.Errorf("store.driver must be %s, %s or %s, got %q",
			DriverMemory, DriverBadger, DriverPostgres, s.Driver)}
	}
}

func (s *ScheduleConfig) validate() []error {
	var errs []error
	if s.Base != 0 && s.Base.Duration() < minBaseInterval {
		errs = append(errs, fmt.Errorf("schedule.base must be at least %s, got %s", minBaseInterval, s.Base.Duration()))
	}
	errs = append(errs, nonNegative("schedule.max_jitter", s.MaxJitter)...)
	errs = append(errs, nonNegative("schedule.error_backoff", s.ErrorBackoff)...)
	errs = append(errs, nonNegative("schedule.rate_limit_backoff", s.RateLimitBackoff)...)
	if s.MaxFetchTimeout != 0 && s.MaxFetchTimeout.Duration() < time.Second {
		errs = append(errs, fmt.Errorf("schedule.max_fetch_timeout must be at least 1s if specified, got %s",
			s.MaxFetchTimeout.Duration()))
	}
	errs = append(errs, nonNegative("schedule.sweep_delay", s.SweepDelay)...)
	return errs
}

func (e *ElectionConfig) validate() []error {
	var errs []error
	errs = append(errs, nonNegative("election.timeout", e.Timeout)...)
	errs = append(errs, nonNegative("election.heartbeat", e.Heartbeat)...)
	errs = append(errs, nonNegative("election.promotion_after", e.PromotionAfter)...)
	errs = append(errs, nonNegative("election.min_tenure", e.MinTenure)...)
	if e.Timeout != 0 && e.Heartbeat != 0 && e.Timeout >= e.Heartbeat {
		errs = append(errs, fmt.Errorf("election.timeout (%s) must be shorter than election.heartbeat (%s)",
			e.Timeout.Duration(), e.Heartbeat.Duration()))
	}
	return errs
}

func nonNegative(field string, d Duration) []error {
	if d < 0 {
		return []error{fmt.Errorf("%s cannot be negative, got %s", field, d.Duration())}
	}
	return nil
}
