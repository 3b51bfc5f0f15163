package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a thread-safe in-process Backend
type Memory struct {
	Notifier

	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	// Return a copy to prevent external mutation of the stored bytes
	return append([]byte(nil), val...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	old := m.data[key]
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	m.Notify(Change{Key: key, OldValue: old, NewValue: append([]byte(nil), value...)})
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	old, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if ok {
		m.Notify(Change{Key: key, OldValue: old})
	}
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	old := m.data
	m.data = make(map[string][]byte)
	m.mu.Unlock()

	keys := make([]string, 0, len(old))
	for k := range old {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, Change{Key: k, OldValue: old[k]})
	}
	m.Notify(changes...)
	return nil
}

// Usage implements Sizer
func (m *Memory) Usage(_ context.Context) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u := Usage{Keys: len(m.data)}
	for k, v := range m.data {
		u.BytesInUse += int64(len(k) + len(v))
	}
	return u, nil
}

// Keys returns the stored keys in sorted order
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
