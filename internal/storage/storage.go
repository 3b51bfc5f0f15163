// Package storage defines the key-value backend the gamification core persists through.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by Get when a key has never been set or was removed.
var ErrKeyNotFound = errors.New("key not found")

// Backend is a single-document-per-key store. Values are opaque JSON bytes.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Subscribe registers fn for change notifications and returns a func that unregisters it.
	Subscribe(fn func(Change)) (unsubscribe func())
}

// Usage reports what a backend holds. Bytes counts keys and values.
type Usage struct {
	Keys       int   `json:"keys"`
	BytesInUse int64 `json:"bytesInUse"`
	// QuotaBytes is 0 when the backend has no quota
	QuotaBytes int64 `json:"quotaBytes"`
}

// Sizer is implemented by backends that can report their usage
type Sizer interface {
	Usage(ctx context.Context) (Usage, error)
}

// Change describes one mutation. OldValue/NewValue are nil when absent.
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Notifier fans change notifications out to subscribers. Backends embed it.
type Notifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Change)
}

// Subscribe registers fn and returns its unsubscribe func
func (n *Notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[int]func(Change))
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// Notify invokes every listener synchronously. It must not be called while
// holding the backend's own lock.
func (n *Notifier) Notify(changes ...Change) {
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}
