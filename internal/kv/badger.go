package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto"
)

// Badger is a [Store] backed by an embedded badger database with a
// ristretto read cache in front of it.
//
// Writes hold mu exclusively and flush the cache's write buffer so a value
// cached by a concurrent read can never outlive the write that replaced it.
type Badger struct {
	mu    sync.RWMutex
	db    *badger.DB
	cache *ristretto.Cache
}

// OpenBadger opens (or creates) a badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating read cache: %w", err)
	}

	return &Badger{db: db, cache: cache}, nil
}

func (b *Badger) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if v, ok := b.cache.Get(key); ok {
		return v.(string), true, nil
	}

	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %q: %w", key, err)
	}

	b.cache.Set(key, value, int64(len(value)))
	return value, true, nil
}

func (b *Badger) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cache.Wait()
	b.cache.Del(key)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	b.cache.Set(key, value, int64(len(value)))
	b.cache.Wait()
	return nil
}

func (b *Badger) Close() error {
	b.cache.Close()
	return b.db.Close()
}
