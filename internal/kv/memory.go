package kv

import (
	"context"
	"sync"
)

// Memory is an in-memory [Store].
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty [Memory] store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
