package pin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/storage"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupGate(t *testing.T) (*Gate, *fakeClock, *storage.Memory) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	backend := storage.NewMemory()
	g := NewGate(backend, WithClock(clock.Now))
	if err := g.EnsureSettings(context.Background()); err != nil {
		t.Fatalf("failed to ensure settings: %v", err)
	}
	return g, clock, backend
}

func TestSetupValidation(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	for _, p := range []string{"", "1", "12345"} {
		if err := g.Setup(ctx, p, nil); !errors.Is(err, ErrValidation) {
			t.Errorf("Setup(%q): expected ErrValidation, got %v", p, err)
		}
	}

	has, err := g.HasPIN(ctx)
	if err != nil {
		t.Fatalf("HasPIN failed: %v", err)
	}
	if has {
		t.Error("rejected PIN must not be stored")
	}
}

func TestSetupThenVerify(t *testing.T) {
	g, _, backend := setupGate(t)
	ctx := context.Background()

	pins := []string{"123456", "correct horse battery", "000000"}
	for _, p := range pins {
		t.Run(p, func(t *testing.T) {
			// Rotation needs an unlocked session, which Setup leaves behind
			if err := g.Setup(ctx, p, nil); err != nil {
				t.Fatalf("setup failed: %v", err)
			}
			g.Lock()

			ok, err := g.Verify(ctx, p)
			if err != nil || !ok {
				t.Fatalf("expected correct PIN to verify, got %v %v", ok, err)
			}

			ok, err = g.Verify(ctx, p+"x")
			if err != nil || ok {
				t.Errorf("expected wrong PIN to fail, got %v %v", ok, err)
			}
		})
	}

	// Only the hash is persisted
	raw, _ := backend.Get(ctx, models.KeyPrivacySettings)
	for _, p := range pins {
		if strings.Contains(string(raw), `"`+p+`"`) {
			t.Errorf("plaintext PIN %q found in stored settings", p)
		}
	}
}

func TestVerifyWithoutPIN(t *testing.T) {
	g, _, _ := setupGate(t)

	if _, err := g.Verify(context.Background(), "123456"); !errors.Is(err, ErrNoPinSet) {
		t.Errorf("expected ErrNoPinSet, got %v", err)
	}
}

func TestLockout(t *testing.T) {
	g, clock, _ := setupGate(t)
	ctx := context.Background()

	if err := g.Setup(ctx, "123456", nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	g.Lock()

	for i := 1; i < MaxAttempts; i++ {
		ok, err := g.Verify(ctx, "999999")
		if ok || err != nil {
			t.Fatalf("attempt %d: expected plain failure, got %v %v", i, ok, err)
		}
	}

	// 5th wrong attempt crosses the threshold
	_, err := g.Verify(ctx, "999999")
	var lockErr *LockedOutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockedOutError on 5th failure, got %v", err)
	}

	// 6th call refuses even the correct PIN
	clock.Advance(time.Minute)
	ok, err := g.Verify(ctx, "123456")
	if ok || !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected lockout for correct PIN, got %v %v", ok, err)
	}
	if !errors.As(err, &lockErr) || lockErr.Remaining != LockoutWindow-time.Minute {
		t.Errorf("unexpected remaining time: %v", err)
	}
	if g.IsUnlocked() {
		t.Error("gate unlocked during lockout")
	}

	// After the window the correct PIN works and resets the counter
	clock.Advance(LockoutWindow)
	ok, err = g.Verify(ctx, "123456")
	if err != nil || !ok {
		t.Fatalf("expected success after window, got %v %v", ok, err)
	}

	settings, err := g.Settings(ctx)
	if err != nil {
		t.Fatalf("failed to read settings: %v", err)
	}
	if settings.LockoutAttempts != 0 || settings.LastLockoutTime != nil {
		t.Errorf("lockout counters not reset: %+v", settings)
	}
}

func TestSuccessResetsAttempts(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	g.Setup(ctx, "123456", nil)
	g.Lock()

	g.Verify(ctx, "000000")
	g.Verify(ctx, "000000")
	if ok, _ := g.Verify(ctx, "123456"); !ok {
		t.Fatal("expected success")
	}

	settings, _ := g.Settings(ctx)
	if settings.LockoutAttempts != 0 {
		t.Errorf("expected 0 attempts, got %d", settings.LockoutAttempts)
	}
}

func TestSessionPIN(t *testing.T) {
	g, clock, _ := setupGate(t)
	ctx := context.Background()

	if _, err := g.SessionPIN(); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked before setup, got %v", err)
	}

	g.Setup(ctx, "123456", nil)
	p, err := g.SessionPIN()
	if err != nil || p != "123456" {
		t.Fatalf("expected session PIN, got %q %v", p, err)
	}

	g.Lock()
	if _, err := g.SessionPIN(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked after Lock, got %v", err)
	}

	// Default auto-lock is 30 minutes of inactivity
	g.Verify(ctx, "123456")
	clock.Advance(29 * time.Minute)
	if _, err := g.SessionPIN(); err != nil {
		t.Fatalf("session expired too early: %v", err)
	}
	clock.Advance(31 * time.Minute)
	if _, err := g.SessionPIN(); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected auto-lock, got %v", err)
	}
}

func TestRotationRequiresSession(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	var calls [][2]string
	rotate := func(_ context.Context, oldPIN, newPIN string) error {
		calls = append(calls, [2]string{oldPIN, newPIN})
		return nil
	}

	if err := g.Setup(ctx, "123456", rotate); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := g.Setup(ctx, "654321", rotate); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	if len(calls) != 2 || calls[0] != [2]string{"", "123456"} || calls[1] != [2]string{"123456", "654321"} {
		t.Errorf("unexpected rotate calls: %v", calls)
	}

	g.Lock()
	if err := g.Setup(ctx, "111111", rotate); !errors.Is(err, ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked when rotating while locked, got %v", err)
	}
}

func TestFailedRotationKeepsOldPIN(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	g.Setup(ctx, "123456", nil)

	boom := errors.New("disk full")
	err := g.Setup(ctx, "654321", func(context.Context, string, string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected rotate error, got %v", err)
	}

	g.Lock()
	if ok, _ := g.Verify(ctx, "123456"); !ok {
		t.Error("old PIN no longer verifies after failed rotation")
	}
}

func TestUpdatePreferencesKeepsCredential(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	g.Setup(ctx, "123456", nil)

	patch := &models.PrivacySettings{
		PinHash:               "attacker-hash",
		LockoutAttempts:       3,
		AutoLockTimeout:       5,
		EnableAnalytics:       false,
		EnableProgressSharing: true,
	}
	if err := g.UpdatePreferences(ctx, patch); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	settings, _ := g.Settings(ctx)
	if settings.PinHash == "attacker-hash" || settings.LockoutAttempts != 0 {
		t.Errorf("credential fields were overwritten: %+v", settings)
	}
	if settings.AutoLockTimeout != 5 || settings.EnableAnalytics || !settings.EnableProgressSharing {
		t.Errorf("preferences not applied: %+v", settings)
	}
}

func TestReset(t *testing.T) {
	g, _, _ := setupGate(t)
	ctx := context.Background()

	g.Setup(ctx, "123456", nil)
	if err := g.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	if g.IsUnlocked() {
		t.Error("gate still unlocked after reset")
	}
	if has, _ := g.HasPIN(ctx); has {
		t.Error("PIN still set after reset")
	}

	// A fresh setup needs no session afterwards
	if err := g.Setup(ctx, "654321", nil); err != nil {
		t.Errorf("setup after reset failed: %v", err)
	}
}
