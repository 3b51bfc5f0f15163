// Package auditlog keeps a bounded record of outbound network requests.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/storage"
)

// Capacity is the number of entries kept; older entries are evicted first
const Capacity = 100

// Entry describes a request about to be, or just, sent
type Entry struct {
	Method        string
	URL           string
	Body          []byte
	UserInitiated bool
	Purpose       string
}

// Log persists entries under models.KeyOutboundLog
type Log struct {
	backend storage.Backend
	now     func() time.Time

	mu sync.Mutex
}

// New creates a Log. now may be nil.
func New(backend storage.Backend, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{backend: backend, now: now}
}

// Append records e and returns the stored entry. Only the SHA-256 of the body is kept.
func (l *Log) Append(ctx context.Context, e Entry) (*models.OutboundRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.list(ctx)
	if err != nil {
		return nil, err
	}

	req := models.OutboundRequest{
		ID:            uuid.NewString(),
		Timestamp:     l.now().UTC(),
		Method:        e.Method,
		URL:           e.URL,
		BodyHash:      crypto.HashBytes(e.Body),
		UserInitiated: e.UserInitiated,
		Purpose:       e.Purpose,
	}

	entries = append(entries, req)
	if err := l.save(ctx, entries); err != nil {
		return nil, err
	}

	return &req, nil
}

// List returns the entries oldest first
func (l *Log) List(ctx context.Context) ([]models.OutboundRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list(ctx)
}

// Replace overwrites the log, keeping at most the newest Capacity entries
func (l *Log) Replace(ctx context.Context, entries []models.OutboundRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(ctx, append([]models.OutboundRequest(nil), entries...))
}

// Clear removes every entry
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.backend.Remove(ctx, models.KeyOutboundLog); err != nil {
		return fmt.Errorf("failed to clear outbound log: %w", err)
	}
	return nil
}

func (l *Log) list(ctx context.Context) ([]models.OutboundRequest, error) {
	raw, err := l.backend.Get(ctx, models.KeyOutboundLog)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return []models.OutboundRequest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbound log: %w", err)
	}

	var entries []models.OutboundRequest
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode outbound log: %w", err)
	}
	if entries == nil {
		entries = []models.OutboundRequest{}
	}
	return entries, nil
}

func (l *Log) save(ctx context.Context, entries []models.OutboundRequest) error {
	if len(entries) > Capacity {
		entries = entries[len(entries)-Capacity:]
	}
	if entries == nil {
		entries = []models.OutboundRequest{}
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode outbound log: %w", err)
	}
	if err := l.backend.Set(ctx, models.KeyOutboundLog, raw); err != nil {
		return fmt.Errorf("failed to save outbound log: %w", err)
	}
	return nil
}
