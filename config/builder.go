package config

import (
	"sort"

	"github.com/jpalmerr/feedwatch"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/schedule"
)

// Build converts parsed configuration into SDK options.
//
// Zero-valued timings are left out so the SDK defaults apply. The caller
// adds runtime-only options such as the logger.
func Build(cfg *Config) []feedwatch.Option {
	opts := []feedwatch.Option{
		feedwatch.WithForum(cfg.Forum.URL),
		feedwatch.WithPort(cfg.Port),
	}

	if cfg.InstanceID != "" {
		opts = append(opts, feedwatch.WithInstanceID(cfg.InstanceID))
	}
	if len(cfg.Forum.Headers) > 0 {
		opts = append(opts, feedwatch.WithHeaders(mapToKeyValuePairs(cfg.Forum.Headers)...))
	}
	if len(cfg.Entities) > 0 {
		opts = append(opts, feedwatch.WithEntities(cfg.Entities...))
	}

	opts = append(opts, feedwatch.WithTransport(cfg.Bus.Transport, cfg.Bus.Addr))

	switch cfg.Store.Driver {
	case DriverBadger:
		opts = append(opts, feedwatch.WithStore(feedwatch.DriverBadger, cfg.Store.Path))
	case DriverPostgres:
		opts = append(opts, feedwatch.WithStore(feedwatch.DriverPostgres, cfg.Store.DSN))
	default:
		opts = append(opts, feedwatch.WithStore(feedwatch.DriverMemory, ""))
	}

	opts = append(opts, scheduleOptions(cfg.Schedule)...)
	opts = append(opts, electionOptions(cfg.Election)...)

	if cfg.Retention > 0 {
		opts = append(opts, feedwatch.WithRetention(cfg.Retention))
	}
	if cfg.NotifyStagger > 0 {
		opts = append(opts, feedwatch.WithNotifyStagger(cfg.NotifyStagger.Duration()))
	}
	return opts
}

func scheduleOptions(s ScheduleConfig) []feedwatch.Option {
	var opts []feedwatch.Option
	if s.Base > 0 {
		opts = append(opts, feedwatch.WithBaseInterval(s.Base.Duration()))
	}
	if s.MaxJitter > 0 {
		opts = append(opts, feedwatch.WithJitter(s.MaxJitter.Duration()))
	}
	if s.ErrorBackoff > 0 || s.RateLimitBackoff > 0 {
		// WithBackoff sets both; fill the missing one from the defaults
		onError, onRateLimit := s.ErrorBackoff.Duration(), s.RateLimitBackoff.Duration()
		if onError == 0 {
			onError = schedule.DefaultErrorBackoff
		}
		if onRateLimit == 0 {
			onRateLimit = schedule.DefaultRateLimitBackoff
		}
		opts = append(opts, feedwatch.WithBackoff(onError, onRateLimit))
	}
	if s.MaxFetchTimeout > 0 {
		opts = append(opts, feedwatch.WithMaxFetchTimeout(s.MaxFetchTimeout.Duration()))
	}
	if s.SweepDelay > 0 {
		opts = append(opts, feedwatch.WithSweepDelay(s.SweepDelay.Duration()))
	}
	return opts
}

func electionOptions(e ElectionConfig) []feedwatch.Option {
	var opts []feedwatch.Option
	if e.Timeout > 0 || e.Heartbeat > 0 {
		timeout, heartbeat := e.Timeout.Duration(), e.Heartbeat.Duration()
		if timeout == 0 {
			timeout = election.DefaultElectionTimeout
		}
		if heartbeat == 0 {
			heartbeat = election.DefaultHeartbeatInterval
		}
		opts = append(opts, feedwatch.WithElectionTiming(timeout, heartbeat))
	}
	if e.PromotionAfter > 0 || e.MinTenure > 0 {
		after := e.PromotionAfter.Duration()
		if after == 0 {
			after = election.DefaultPromotionAfter
		}
		tenure := e.MinTenure.Duration()
		if tenure == 0 {
			tenure = election.DefaultMinTenure
		}
		opts = append(opts, feedwatch.WithPromotion(after, tenure))
	}
	return opts
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
