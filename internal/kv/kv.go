// Package kv provides the durable key-value store shared by instances.
//
// The store is authoritative only at cold start, before a snapshot from the
// leader arrives. Three backends exist: [Memory] for tests and single-process
// embedding, [Badger] for instances on one host, and [Postgres] for instances
// spread across hosts.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Store is the persistent key-value contract.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key. ok is false when the key does
	// not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Close releases the store's resources.
	Close() error
}

// Drivers accepted by [Open].
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by [Open] for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// Open creates a store for driver. location is the data directory for badger
// and the connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, driver, location string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBadger:
		return OpenBadger(location)
	case DriverPostgres:
		return OpenPostgres(ctx, location)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
