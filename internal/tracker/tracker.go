// Package tracker is the entry point to the progress vault. Every operation
// runs under one mutex so state transitions never interleave.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shalteor/zerotrace/internal/auditlog"
	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/pin"
	"github.com/shalteor/zerotrace/internal/progress"
	"github.com/shalteor/zerotrace/internal/storage"
	"github.com/shalteor/zerotrace/internal/vault"
	"go.uber.org/zap"
)

var (
	ErrInvalidSession   = errors.New("invalid problem session")
	ErrImportValidation = errors.New("invalid import data format")
	ErrUsageUnavailable = errors.New("storage backend does not report usage")
)

// Tracker wires the PIN gate, the encrypted store, the progress engine and
// the outbound log over one storage backend.
type Tracker struct {
	backend storage.Backend
	gate    *pin.Gate
	vault   *vault.Store
	engine  *progress.Engine
	log     *auditlog.Log
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Tracker
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger sets the logger shared by all components
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides time.Now for all components
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a Tracker. Call Initialize before use.
func New(backend storage.Backend, opts ...Option) *Tracker {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	gate := pin.NewGate(backend, pin.WithClock(o.now), pin.WithLogger(o.logger.Named("pin")))

	return &Tracker{
		backend: backend,
		gate:    gate,
		vault:   vault.New(backend, gate, o.logger.Named("vault")),
		engine:  progress.NewEngine(),
		log:     auditlog.New(backend, o.now),
		logger:  o.logger,
		now:     o.now,
	}
}

// Initialize writes default privacy settings if none exist
func (t *Tracker) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.gate.EnsureSettings(ctx); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

// SetupPIN sets the first PIN or rotates the current one, re-encrypting stored state
func (t *Tracker) SetupPIN(ctx context.Context, p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.gate.Setup(ctx, p, t.vault.Reencrypt)
}

// VerifyPIN checks p and unlocks the session on success
func (t *Tracker) VerifyPIN(ctx context.Context, p string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.gate.Verify(ctx, p)
}

// HasPIN reports whether a PIN has been set up
func (t *Tracker) HasPIN(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.gate.HasPIN(ctx)
}

// Lock ends the session
func (t *Tracker) Lock() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gate.Lock()
}

// IsUnlocked reports whether a verified session is active
func (t *Tracker) IsUnlocked() bool {
	return t.gate.IsUnlocked()
}

// State returns a decrypted copy of the gamification state
func (t *Tracker) State(ctx context.Context) (*models.GamificationState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.vault.Read(ctx)
}

// UpdateState applies a shallow patch to the stored state
func (t *Tracker) UpdateState(ctx context.Context, patch vault.Patch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.vault.Write(ctx, patch)
}

// RecordProblemSession applies s to the stored state and persists the result.
// Observers are notified after the state has been written.
func (t *Tracker) RecordProblemSession(ctx context.Context, s models.ProblemSession) (*progress.Outcome, error) {
	if err := validateSession(s); err != nil {
		return nil, err
	}

	t.mu.Lock()
	out, err := t.record(ctx, s)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.engine.Notify(*out)
	return out, nil
}

func (t *Tracker) record(ctx context.Context, s models.ProblemSession) (*progress.Outcome, error) {
	now := t.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.SolvedAt.IsZero() {
		s.SolvedAt = now
	}
	if s.TestResults.Total > 0 && s.TestResults.SuccessRate == 0 {
		s.TestResults.SuccessRate = float64(s.TestResults.Passed) / float64(s.TestResults.Total) * 100
	}

	state, err := t.vault.Read(ctx)
	if err != nil {
		return nil, err
	}

	out := t.engine.Record(state, s, now)
	if err := t.vault.Replace(ctx, out.State); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	t.logger.Info("problem session recorded",
		zap.String("session_id", s.ID),
		zap.Int("experience_gained", out.ExperienceGained),
		zap.Int("achievements_unlocked", len(out.Unlocked)),
		zap.Int("level", out.State.Level),
	)
	return &out, nil
}

func validateSession(s models.ProblemSession) error {
	switch {
	case s.ProblemID == "":
		return fmt.Errorf("%w: problemId is required", ErrInvalidSession)
	case s.TestResults.Passed < 0 || s.TestResults.Total < 0:
		return fmt.Errorf("%w: test counts must not be negative", ErrInvalidSession)
	case s.TestResults.Passed > s.TestResults.Total:
		return fmt.Errorf("%w: passed exceeds total", ErrInvalidSession)
	case s.TimeSpent < 0:
		return fmt.Errorf("%w: timeSpent must not be negative", ErrInvalidSession)
	case s.Phase < 0:
		return fmt.Errorf("%w: phase must not be negative", ErrInvalidSession)
	}

	switch s.Difficulty {
	case models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard, models.DifficultyExpert:
		return nil
	default:
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidSession, s.Difficulty)
	}
}

// Subscribe registers obs for recorded-session outcomes
func (t *Tracker) Subscribe(obs progress.Observer) func() {
	return t.engine.Subscribe(obs)
}

// PrivacySettings returns the privacy settings without credential fields
func (t *Tracker) PrivacySettings(ctx context.Context) (*models.PrivacySettings, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	settings, err := t.gate.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return redact(settings), nil
}

// UpdatePrivacySettings applies the non-credential privacy fields of patch.
// Requires an unlocked session.
func (t *Tracker) UpdatePrivacySettings(ctx context.Context, patch *models.PrivacySettings) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.gate.SessionPIN(); err != nil {
		return err
	}
	return t.gate.UpdatePreferences(ctx, patch)
}

func redact(s *models.PrivacySettings) *models.PrivacySettings {
	c := *s
	c.PinHash = ""
	c.LockoutAttempts = 0
	c.LastLockoutTime = nil
	return &c
}

// LogOutbound records a network request made on the user's behalf
func (t *Tracker) LogOutbound(ctx context.Context, e auditlog.Entry) (*models.OutboundRequest, error) {
	req, err := t.log.Append(ctx, e)
	if err != nil {
		t.logger.Error("failed to log outbound request", zap.Error(err))
		return nil, err
	}
	return req, nil
}

// OutboundLog returns the logged requests oldest first
func (t *Tracker) OutboundLog(ctx context.Context) ([]models.OutboundRequest, error) {
	return t.log.List(ctx)
}

// ExportData returns the decrypted state and privacy settings. The PIN hash
// and lockout counters are never exported.
func (t *Tracker) ExportData(ctx context.Context) (*models.ExportDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.vault.Read(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := t.gate.Settings(ctx)
	if err != nil {
		return nil, err
	}
	privacy := redact(settings)

	privacy.OutboundRequestsLog, err = t.log.List(ctx)
	if err != nil {
		return nil, err
	}

	return &models.ExportDocument{
		Gamification: state,
		Privacy:      privacy,
		ExportDate:   t.now().UTC().Format(time.RFC3339),
		Version:      models.ExportVersion,
	}, nil
}

// DecodeExport parses an export document. Malformed JSON or a document
// missing either section yields ErrImportValidation.
func DecodeExport(data []byte) (*models.ExportDocument, error) {
	var doc models.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportValidation, err)
	}
	if err := validateExport(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateExport(doc *models.ExportDocument) error {
	if doc == nil || doc.Gamification == nil || doc.Privacy == nil {
		return ErrImportValidation
	}
	if doc.Gamification.Level > models.MaxLevel {
		return fmt.Errorf("%w: level exceeds %d", ErrImportValidation, models.MaxLevel)
	}
	return nil
}

// ImportData replaces the state with doc under the current session PIN and
// applies its privacy preferences and outbound log. Credentials are kept.
// Nothing is applied when validation fails, and a failed write restores the
// previous state, settings and log.
func (t *Tracker) ImportData(ctx context.Context, doc *models.ExportDocument) error {
	if err := validateExport(doc); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.gate.SessionPIN(); err != nil {
		return err
	}

	state := doc.Gamification.Clone()
	state.Normalize()

	prevSettings, err := t.gate.Settings(ctx)
	if err != nil {
		return err
	}
	snap, err := t.snapshot(ctx, models.KeyOutboundLog, models.KeyGamification)
	if err != nil {
		return err
	}

	if err := t.applyImport(ctx, doc, state); err != nil {
		if rerr := t.restore(ctx, snap, prevSettings); rerr != nil {
			t.logger.Error("failed to roll back import", zap.Error(rerr))
			return errors.Join(err, rerr)
		}
		t.logger.Warn("import rolled back", zap.Error(err))
		return err
	}

	t.logger.Info("data imported",
		zap.String("version", doc.Version),
		zap.Int("sessions", len(state.ProblemSessions)),
	)
	return nil
}

// applyImport writes the encrypted state last so a failure before it leaves
// the old envelope in place.
func (t *Tracker) applyImport(ctx context.Context, doc *models.ExportDocument, state *models.GamificationState) error {
	if err := t.gate.UpdatePreferences(ctx, doc.Privacy); err != nil {
		return fmt.Errorf("failed to import privacy settings: %w", err)
	}
	if doc.Privacy.OutboundRequestsLog != nil {
		if err := t.log.Replace(ctx, doc.Privacy.OutboundRequestsLog); err != nil {
			return fmt.Errorf("failed to import outbound log: %w", err)
		}
	}
	if err := t.vault.Replace(ctx, state); err != nil {
		return fmt.Errorf("failed to import state: %w", err)
	}
	return nil
}

// snapshot returns the raw values of keys; absent keys map to nil
func (t *Tracker) snapshot(ctx context.Context, keys ...string) (map[string][]byte, error) {
	snap := make(map[string][]byte, len(keys))
	for _, key := range keys {
		raw, err := t.backend.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			snap[key] = nil
		case err != nil:
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		default:
			snap[key] = raw
		}
	}
	return snap, nil
}

func (t *Tracker) restore(ctx context.Context, snap map[string][]byte, settings *models.PrivacySettings) error {
	var errs []error
	for key, raw := range snap {
		var err error
		if raw == nil {
			err = t.backend.Remove(ctx, key)
			if errors.Is(err, storage.ErrKeyNotFound) {
				err = nil
			}
		} else {
			err = t.backend.Set(ctx, key, raw)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", key, err))
		}
	}
	if err := t.gate.UpdatePreferences(ctx, settings); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore privacy settings: %w", err))
	}
	return errors.Join(errs...)
}

// StorageUsage reports how much the backend holds
func (t *Tracker) StorageUsage(ctx context.Context) (*storage.Usage, error) {
	sizer, ok := t.backend.(storage.Sizer)
	if !ok {
		return nil, ErrUsageUnavailable
	}

	u, err := sizer.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ClearAllData removes the state, the outbound log and the PIN, then writes
// default privacy settings again.
func (t *Tracker) ClearAllData(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.vault.Clear(ctx); err != nil {
		return err
	}
	if err := t.log.Clear(ctx); err != nil {
		return err
	}
	if err := t.gate.Reset(ctx); err != nil {
		return err
	}
	if err := t.gate.EnsureSettings(ctx); err != nil {
		return err
	}

	t.logger.Warn("all data cleared")
	return nil
}
