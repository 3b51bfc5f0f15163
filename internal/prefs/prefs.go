// Package prefs stores UI preferences that do not need encryption. Writes are
// debounced per key and the last write wins.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shalteor/zerotrace/internal/storage"
	"go.uber.org/zap"
)

const (
	KeyModel       = "zt:model"
	KeyPrivacy     = "zt:privacy"
	KeyTab         = "zt:tab"
	KeyToggles     = "zt:toggles"
	KeyUserProfile = "zt:userProfile"
	KeyPreferences = "zt:preferences"

	DefaultDebounce = 300 * time.Millisecond
)

var (
	ErrUnknownKey   = errors.New("unknown preference key")
	ErrInvalidValue = errors.New("preference value is not valid JSON")
)

// Defaults returns the value written for each key on first start
func Defaults() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		KeyModel:       json.RawMessage(`"gpt-3.5-turbo"`),
		KeyPrivacy:     json.RawMessage(`true`),
		KeyTab:         json.RawMessage(`"overview"`),
		KeyToggles:     json.RawMessage(`{}`),
		KeyUserProfile: json.RawMessage(`{"name":"Alex Chen","initials":"AC","isPro":true,"tagline":"Privacy-first, zero footprint."}`),
		KeyPreferences: json.RawMessage(`{"theme":"dark","language":"en","notifications":true,"autoSave":true}`),
	}
}

// IsKey reports whether key is a preference key
func IsKey(key string) bool {
	_, ok := Defaults()[key]
	return ok
}

// Keys returns the preference keys in sorted order
func Keys() []string {
	d := Defaults()
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type pendingWrite struct {
	value json.RawMessage
	timer *time.Timer
	seq   uint64
	done  bool
}

// Store is the debounced preferences store
type Store struct {
	backend storage.Backend
	delay   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	// seq is bumped by every Set, Remove and Import of a key. A pending write
	// whose seq is no longer current is dropped.
	seq map[string]uint64

	// writeMu orders backend writes so a stale write cannot land after a newer one
	writeMu sync.Mutex
}

// New creates a Store. A non-positive delay uses DefaultDebounce.
func New(backend storage.Backend, delay time.Duration, logger *zap.Logger) *Store {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]*pendingWrite),
		seq:     make(map[string]uint64),
	}
}

// Initialize writes defaults for keys that are absent
func (s *Store) Initialize(ctx context.Context) error {
	written := 0
	for key, value := range Defaults() {
		_, err := s.backend.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("failed to read preference %s: %w", key, err)
		}
		if err := s.backend.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to write default for %s: %w", key, err)
		}
		written++
	}

	if written > 0 {
		s.logger.Info("preferences initialized with defaults", zap.Int("keys", written))
	}
	return nil
}

// Get returns the value for key, preferring a write that is still pending
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if !IsKey(key) {
		return nil, ErrUnknownKey
	}

	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		v := append(json.RawMessage(nil), p.value...)
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Set schedules a write of value under key. A later Set for the same key
// before the delay elapses replaces this one.
func (s *Store) Set(key string, value json.RawMessage) error {
	if !IsKey(key) {
		return ErrUnknownKey
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	value = append(json.RawMessage(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
	}

	s.seq[key]++
	p := &pendingWrite{value: value, seq: s.seq[key]}
	p.timer = time.AfterFunc(s.delay, func() { s.fire(key, p) })
	s.pending[key] = p
	return nil
}

func (s *Store) fire(key string, p *pendingWrite) {
	if err := s.write(context.Background(), key, p); err != nil {
		s.logger.Error("failed to write preference", zap.String("key", key), zap.Error(err))
	}
}

// write stores p unless it was already written or a newer Set, Remove or
// Import of key has happened since it was scheduled.
func (s *Store) write(ctx context.Context, key string, p *pendingWrite) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	stale := p.done || s.seq[key] != p.seq
	p.done = true
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if stale {
		return nil
	}
	return s.backend.Set(ctx, key, p.value)
}

// Flush writes every pending value now
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make(map[string]*pendingWrite, len(s.pending))
	for k, p := range s.pending {
		p.timer.Stop()
		pending[k] = p
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := s.write(ctx, k, pending[k]); err != nil {
			errs = append(errs, fmt.Errorf("failed to write preference %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Remove deletes key and drops any pending write for it
func (s *Store) Remove(ctx context.Context, key string) error {
	if !IsKey(key) {
		return ErrUnknownKey
	}
	s.supersede(key)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.Remove(ctx, key)
}

// Clear removes every preference key. Other data in the backend is untouched.
func (s *Store) Clear(ctx context.Context) error {
	for _, key := range Keys() {
		if err := s.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove preference %s: %w", key, err)
		}
	}
	return nil
}

// supersede invalidates any pending or in-flight write of key
func (s *Store) supersede(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[key]++
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

// Export returns the current preference values as a JSON object
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	out := make(map[string]json.RawMessage)
	for _, key := range Keys() {
		v, err := s.Get(ctx, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return json.MarshalIndent(out, "", "  ")
}

// Import writes every preference key found in data immediately. Unknown keys
// are skipped.
func (s *Store) Import(ctx context.Context, data []byte) error {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !IsKey(key) {
			s.logger.Warn("skipping unknown preference key on import", zap.String("key", key))
			continue
		}
		s.supersede(key)
		s.writeMu.Lock()
		err := s.backend.Set(ctx, key, in[key])
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to import preference %s: %w", key, err)
		}
	}
	return nil
}

// OnChanged calls fn for every change to a preference key and returns a func
// that stops the notifications.
func (s *Store) OnChanged(fn func(storage.Change)) func() {
	return s.backend.Subscribe(func(c storage.Change) {
		if IsKey(c.Key) {
			fn(c)
		}
	})
}
