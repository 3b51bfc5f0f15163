package pin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/storage"
	"go.uber.org/zap"
)

const (
	MinPINLength  = 6
	MaxAttempts   = 5
	LockoutWindow = 15 * time.Minute
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNoPinSet      = errors.New("no PIN has been set")
	ErrSessionLocked = errors.New("PIN not verified. Please verify PIN first")
	ErrLockedOut     = errors.New("too many failed attempts")
)

// LockedOutError is returned while verification is refused. Remaining is the
// time left in the lockout window.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("too many failed attempts, try again in %s", e.Remaining.Round(time.Second))
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// RotateFunc re-encrypts stored state from oldPIN to newPIN. oldPIN is empty
// when no PIN existed before.
type RotateFunc func(ctx context.Context, oldPIN, newPIN string) error

// Gate owns the PIN hash, the lockout policy and the in-memory session PIN.
// The session PIN is never persisted.
type Gate struct {
	backend storage.Backend
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	sessionPIN   string
	unlocked     bool
	lastActivity time.Time
	autoLock     time.Duration
}

// Option configures a Gate
type Option func(*Gate)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a locked gate over backend
func NewGate(backend storage.Backend, opts ...Option) *Gate {
	g := &Gate{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureSettings writes default privacy settings if none are stored
func (g *Gate) EnsureSettings(ctx context.Context) error {
	_, err := g.backend.Get(ctx, models.KeyPrivacySettings)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("failed to read privacy settings: %w", err)
	}
	g.logger.Info("initializing privacy settings with defaults")
	return g.saveSettings(ctx, models.DefaultPrivacySettings())
}

// Settings returns the stored privacy settings, or defaults if none are stored
func (g *Gate) Settings(ctx context.Context) (*models.PrivacySettings, error) {
	raw, err := g.backend.Get(ctx, models.KeyPrivacySettings)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return models.DefaultPrivacySettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read privacy settings: %w", err)
	}

	settings := models.DefaultPrivacySettings()
	if err := json.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("failed to decode privacy settings: %w", err)
	}
	return settings, nil
}

func (g *Gate) saveSettings(ctx context.Context, settings *models.PrivacySettings) error {
	// The outbound log has its own key; never duplicate it here
	s := *settings
	s.OutboundRequestsLog = nil

	raw, err := json.Marshal(&s)
	if err != nil {
		return fmt.Errorf("failed to encode privacy settings: %w", err)
	}
	if err := g.backend.Set(ctx, models.KeyPrivacySettings, raw); err != nil {
		return fmt.Errorf("failed to save privacy settings: %w", err)
	}
	return nil
}

// HasPIN reports whether a PIN has been set up
func (g *Gate) HasPIN(ctx context.Context) (bool, error) {
	settings, err := g.Settings(ctx)
	if err != nil {
		return false, err
	}
	return settings.PinHash != "", nil
}

// Setup sets or rotates the PIN. Rotating requires an unlocked session.
// rotate runs before the new hash is stored, so a failed re-encryption leaves
// the old PIN in force. On success the session is unlocked with the new PIN.
func (g *Gate) Setup(ctx context.Context, pin string, rotate RotateFunc) error {
	if len(pin) < MinPINLength {
		return fmt.Errorf("%w: PIN must be at least %d digits", ErrValidation, MinPINLength)
	}

	settings, err := g.Settings(ctx)
	if err != nil {
		return err
	}

	var oldPIN string
	if settings.PinHash != "" {
		oldPIN, err = g.SessionPIN()
		if err != nil {
			return err
		}
	}

	if rotate != nil {
		if err := rotate(ctx, oldPIN, pin); err != nil {
			return fmt.Errorf("failed to re-encrypt state: %w", err)
		}
	}

	settings.PinHash = crypto.Hash(pin)
	settings.LockoutAttempts = 0
	settings.LastLockoutTime = nil

	if err := g.saveSettings(ctx, settings); err != nil {
		return err
	}

	g.unlock(pin, settings.AutoLockTimeout)
	g.logger.Info("PIN configured", zap.Bool("rotated", oldPIN != ""))
	return nil
}

// Verify checks pin against the stored hash under the lockout policy
func (g *Gate) Verify(ctx context.Context, pin string) (bool, error) {
	settings, err := g.Settings(ctx)
	if err != nil {
		return false, err
	}
	if settings.PinHash == "" {
		return false, ErrNoPinSet
	}

	now := g.now()

	if settings.LockoutAttempts >= MaxAttempts {
		if settings.LastLockoutTime != nil {
			elapsed := now.Sub(*settings.LastLockoutTime)
			if elapsed < LockoutWindow {
				return false, &LockedOutError{Remaining: LockoutWindow - elapsed}
			}
		}
		// Window elapsed
		settings.LockoutAttempts = 0
		settings.LastLockoutTime = nil
		if err := g.saveSettings(ctx, settings); err != nil {
			return false, err
		}
	}

	if crypto.ConstantTimeEqual(crypto.Hash(pin), settings.PinHash) {
		settings.LockoutAttempts = 0
		settings.LastLockoutTime = nil
		if err := g.saveSettings(ctx, settings); err != nil {
			return false, err
		}
		g.unlock(pin, settings.AutoLockTimeout)
		return true, nil
	}

	settings.LockoutAttempts++
	settings.LastLockoutTime = &now
	if err := g.saveSettings(ctx, settings); err != nil {
		return false, err
	}

	g.logger.Warn("PIN verification failed", zap.Int("attempts", settings.LockoutAttempts))

	if settings.LockoutAttempts >= MaxAttempts {
		return false, &LockedOutError{Remaining: LockoutWindow}
	}
	return false, nil
}

// UpdatePreferences applies the non-credential privacy fields of patch.
// PIN hash and lockout counters are never taken from patch.
func (g *Gate) UpdatePreferences(ctx context.Context, patch *models.PrivacySettings) error {
	settings, err := g.Settings(ctx)
	if err != nil {
		return err
	}

	if patch.AutoLockTimeout >= 0 {
		settings.AutoLockTimeout = patch.AutoLockTimeout
	}
	settings.EnableAnalytics = patch.EnableAnalytics
	settings.EnableProgressSharing = patch.EnableProgressSharing

	if err := g.saveSettings(ctx, settings); err != nil {
		return err
	}

	g.mu.Lock()
	g.autoLock = time.Duration(settings.AutoLockTimeout) * time.Minute
	g.mu.Unlock()
	return nil
}

func (g *Gate) unlock(pin string, autoLockMinutes int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sessionPIN = pin
	g.unlocked = true
	g.lastActivity = g.now()
	g.autoLock = time.Duration(autoLockMinutes) * time.Minute
}

// SessionPIN returns the verified PIN of the active session and refreshes the
// inactivity timer. It locks the gate if the auto-lock timeout has passed.
func (g *Gate) SessionPIN() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.unlocked {
		return "", ErrSessionLocked
	}

	now := g.now()
	if g.autoLock > 0 && now.Sub(g.lastActivity) > g.autoLock {
		g.lockLocked()
		g.logger.Info("session auto-locked after inactivity")
		return "", ErrSessionLocked
	}

	g.lastActivity = now
	return g.sessionPIN, nil
}

// IsUnlocked reports whether a session is active without refreshing it
func (g *Gate) IsUnlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.unlocked {
		return false
	}
	return g.autoLock <= 0 || g.now().Sub(g.lastActivity) <= g.autoLock
}

// Lock discards the session PIN
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lockLocked()
}

// Reset removes the stored settings, including the PIN hash, and locks the
// gate. The next EnsureSettings call writes defaults again.
func (g *Gate) Reset(ctx context.Context) error {
	g.Lock()
	if err := g.backend.Remove(ctx, models.KeyPrivacySettings); err != nil {
		return fmt.Errorf("failed to remove privacy settings: %w", err)
	}
	g.logger.Info("PIN and privacy settings reset")
	return nil
}

// lockLocked must be called with g.mu held
func (g *Gate) lockLocked() {
	g.sessionPIN = ""
	g.unlocked = false
}
