package coordinator

import (
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/armon/go-metrics"

	"github.com/jpalmerr/feedwatch/internal/bus"
	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/fetcher"
	"github.com/jpalmerr/feedwatch/internal/kv"
	"github.com/jpalmerr/feedwatch/internal/schedule"
	"github.com/jpalmerr/feedwatch/internal/store"
)

// Defaults for [Config].
const (
	DefaultFailureThreshold = 3
	DefaultNotifyStagger    = time.Second

	inboxSize   = 64
	sendTimeout = 2 * time.Second
)

// Config holds the tunables of a [Coordinator].
type Config struct {
	// ID identifies the instance on the bus. Required.
	ID string

	// Retention is the number of actions kept per entity.
	Retention int

	// DedupCapacity bounds the set of action ids already notified.
	DedupCapacity int

	// FailureThreshold is the number of consecutive failed polls after
	// which an entity moves to the error list.
	FailureThreshold int

	// NotifyStagger separates the announcements of actions found by the
	// same poll.
	NotifyStagger time.Duration

	Schedule schedule.Config
	Election election.Config
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = feed.DefaultRetention
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = feed.DefaultDedupCapacity
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.NotifyStagger < 0 {
		c.NotifyStagger = 0
	} else if c.NotifyStagger == 0 {
		c.NotifyStagger = DefaultNotifyStagger
	}
	return c
}

// Deps are the collaborators of a [Coordinator]. The coordinator does not
// close any of them.
type Deps struct {
	Channel bus.Channel
	Fetcher fetcher.Fetcher
	KV      kv.Store

	// View receives every snapshot and surfaced action. Defaults to a new
	// in-memory store.
	View store.Store

	// Metrics defaults to a sink that discards everything.
	Metrics metrics.MetricSink

	Logger *slog.Logger

	// Rand seeds election and scheduling jitter. Defaults to a time-seeded
	// source.
	Rand *rand.Rand

	// OnNotify is called on the event loop for every new action while
	// system notifications are enabled. It must not block.
	OnNotify func(feed.ActionRecord)

	// OnRoleChange is called on the event loop after every role change.
	OnRoleChange func(from, to election.Role)
}

var (
	ErrNoID      = errors.New("instance id is required")
	ErrNoChannel = errors.New("bus channel is required")
	ErrNoFetcher = errors.New("fetcher is required")
	ErrNoKV      = errors.New("kv store is required")
)

func (d Deps) validate(cfg Config) error {
	switch {
	case cfg.ID == "":
		return ErrNoID
	case d.Channel == nil:
		return ErrNoChannel
	case d.Fetcher == nil:
		return ErrNoFetcher
	case d.KV == nil:
		return ErrNoKV
	}
	return nil
}
