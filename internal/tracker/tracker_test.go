package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shalteor/zerotrace/internal/auditlog"
	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/pin"
	"github.com/shalteor/zerotrace/internal/progress"
	"github.com/shalteor/zerotrace/internal/storage"
	"github.com/shalteor/zerotrace/internal/vault"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func setupTracker(t *testing.T) (*Tracker, *clock, *storage.Memory) {
	t.Helper()

	c := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	backend := storage.NewMemory()
	tr := New(backend, WithClock(c.now))
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	return tr, c, backend
}

func newSession(problemID string) models.ProblemSession {
	return models.ProblemSession{
		ProblemID:   problemID,
		Difficulty:  models.DifficultyEasy,
		Language:    "go",
		TimeSpent:   30_000,
		Phase:       2,
		TestResults: models.TestResults{Passed: 2, Total: 3},
	}
}

func TestLockedOperations(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()

	if _, err := tr.State(ctx); !errors.Is(err, pin.ErrSessionLocked) {
		t.Errorf("State: expected ErrSessionLocked, got %v", err)
	}
	if _, err := tr.RecordProblemSession(ctx, newSession("p1")); !errors.Is(err, pin.ErrSessionLocked) {
		t.Errorf("RecordProblemSession: expected ErrSessionLocked, got %v", err)
	}
	if _, err := tr.ExportData(ctx); !errors.Is(err, pin.ErrSessionLocked) {
		t.Errorf("ExportData: expected ErrSessionLocked, got %v", err)
	}
}

func TestStreakAcrossDays(t *testing.T) {
	tr, c, _ := setupTracker(t)
	ctx := context.Background()

	if err := tr.SetupPIN(ctx, "123456"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	tests := []struct {
		date        time.Time
		wantCurrent int
	}{
		{time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), 1},
		{time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), 2},
		{time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), 1},
	}

	for _, tt := range tests {
		c.t = tt.date
		// Keep the session alive across days
		tr.Lock()
		if ok, err := tr.VerifyPIN(ctx, "123456"); !ok || err != nil {
			t.Fatalf("verify failed: %v %v", ok, err)
		}

		out, err := tr.RecordProblemSession(ctx, newSession("p"))
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
		if out.State.Streak.CurrentStreak != tt.wantCurrent {
			t.Errorf("%s: current streak %d, want %d", tt.date.Format("2006-01-02"), out.State.Streak.CurrentStreak, tt.wantCurrent)
		}
	}

	state, err := tr.State(ctx)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if state.Streak.LongestStreak != 2 || state.Streak.TotalSolved != 3 || len(state.ProblemSessions) != 3 {
		t.Errorf("unexpected persisted streak: %+v", state.Streak)
	}
}

func TestRecordAssignsIDAndNotifies(t *testing.T) {
	tr, c, _ := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")

	var outcomes []progress.Outcome
	tr.Subscribe(func(o progress.Outcome) {
		// Observers run after persistence and may call back into the tracker
		if _, err := tr.State(ctx); err != nil {
			t.Errorf("state from observer failed: %v", err)
		}
		outcomes = append(outcomes, o)
	})

	out, err := tr.RecordProblemSession(ctx, newSession("p1"))
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if out.Session.ID == "" || !out.Session.SolvedAt.Equal(c.t) {
		t.Errorf("session not completed: %+v", out.Session)
	}
	if len(outcomes) != 1 || len(outcomes[0].Unlocked) == 0 {
		t.Fatalf("expected one outcome with unlocks, got %+v", outcomes)
	}
	if outcomes[0].Unlocked[0].Achievement.ID != models.AchievementFirstProblem {
		t.Errorf("unexpected unlock %s", outcomes[0].Unlocked[0].Achievement.ID)
	}
}

func TestRecordValidation(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")

	tests := []struct {
		name   string
		mutate func(*models.ProblemSession)
	}{
		{"missing problem id", func(s *models.ProblemSession) { s.ProblemID = "" }},
		{"negative passed", func(s *models.ProblemSession) { s.TestResults.Passed = -1 }},
		{"passed above total", func(s *models.ProblemSession) { s.TestResults.Passed = 4 }},
		{"negative time", func(s *models.ProblemSession) { s.TimeSpent = -5 }},
		{"unknown difficulty", func(s *models.ProblemSession) { s.Difficulty = "trivial" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession("p")
			tt.mutate(&s)
			if _, err := tr.RecordProblemSession(ctx, s); !errors.Is(err, ErrInvalidSession) {
				t.Errorf("expected ErrInvalidSession, got %v", err)
			}
		})
	}

	state, _ := tr.State(ctx)
	if len(state.ProblemSessions) != 0 {
		t.Error("invalid sessions were recorded")
	}
}

func TestPINRotationKeepsState(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()

	tr.SetupPIN(ctx, "123456")
	tr.RecordProblemSession(ctx, newSession("p1"))

	if err := tr.SetupPIN(ctx, "654321"); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	tr.Lock()
	if ok, _ := tr.VerifyPIN(ctx, "123456"); ok {
		t.Fatal("old PIN still verifies")
	}
	if ok, err := tr.VerifyPIN(ctx, "654321"); !ok || err != nil {
		t.Fatalf("new PIN rejected: %v %v", ok, err)
	}

	state, err := tr.State(ctx)
	if err != nil {
		t.Fatalf("state unreadable after rotation: %v", err)
	}
	if len(state.ProblemSessions) != 1 {
		t.Errorf("expected 1 session after rotation, got %d", len(state.ProblemSessions))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()

	tr.SetupPIN(ctx, "123456")
	for i := 0; i < 3; i++ {
		tr.RecordProblemSession(ctx, newSession("p"))
	}
	tr.LogOutbound(ctx, auditlog.Entry{Method: "POST", URL: "https://example.com", Body: []byte("x"), Purpose: "chat-completion"})

	doc, err := tr.ExportData(ctx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if doc.Version != models.ExportVersion || doc.ExportDate == "" {
		t.Errorf("unexpected export metadata: %s %s", doc.Version, doc.ExportDate)
	}
	if doc.Privacy.PinHash != "" {
		t.Error("PIN hash exported")
	}
	if len(doc.Privacy.OutboundRequestsLog) != 1 {
		t.Errorf("expected outbound log in export, got %d entries", len(doc.Privacy.OutboundRequestsLog))
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want, _ := tr.State(ctx)

	// Import into a fresh install with a different PIN
	other, _, _ := setupTracker(t)
	other.SetupPIN(ctx, "999999")

	decoded, err := DecodeExport(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := other.ImportData(ctx, decoded); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	got, err := other.State(ctx)
	if err != nil {
		t.Fatalf("state after import failed: %v", err)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("state differs after round trip:\n got %s\nwant %s", gotJSON, wantJSON)
	}

	log, _ := other.OutboundLog(ctx)
	if len(log) != 1 {
		t.Errorf("expected imported outbound log, got %d entries", len(log))
	}

	// The importing install keeps its own PIN
	other.Lock()
	if ok, _ := other.VerifyPIN(ctx, "999999"); !ok {
		t.Error("import replaced the local PIN")
	}
}

func TestImportValidation(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")
	tr.RecordProblemSession(ctx, newSession("p1"))

	inputs := map[string]string{
		"malformed":       `{"gamification":`,
		"missing privacy": `{"gamification":{"level":7},"version":"1.0.0"}`,
		"missing state":   `{"privacy":{"autoLockTimeout":5}}`,
		"level too high":  `{"gamification":{"level":500},"privacy":{"autoLockTimeout":5}}`,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeExport([]byte(in)); !errors.Is(err, ErrImportValidation) {
				t.Errorf("DecodeExport: expected ErrImportValidation, got %v", err)
			}
		})
	}

	doc := &models.ExportDocument{Gamification: &models.GamificationState{Level: 7}}
	if err := tr.ImportData(ctx, doc); !errors.Is(err, ErrImportValidation) {
		t.Fatalf("ImportData: expected ErrImportValidation, got %v", err)
	}

	state, _ := tr.State(ctx)
	if state.Level != 1 || len(state.ProblemSessions) != 1 {
		t.Errorf("state changed by rejected import: %+v", state)
	}
}

// failingBackend rejects writes to one key once armed
type failingBackend struct {
	*storage.Memory
	failKey string
	armed   bool
}

func (b *failingBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.armed && key == b.failKey {
		return errors.New("disk full")
	}
	return b.Memory.Set(ctx, key, value)
}

func TestImportRollback(t *testing.T) {
	keys := []string{models.KeyPrivacySettings, models.KeyOutboundLog, models.KeyGamification}

	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			ctx := context.Background()
			backend := &failingBackend{Memory: storage.NewMemory(), failKey: key}
			tr := New(backend)
			if err := tr.Initialize(ctx); err != nil {
				t.Fatalf("failed to initialize: %v", err)
			}
			tr.SetupPIN(ctx, "123456")
			tr.RecordProblemSession(ctx, newSession("p1"))
			tr.LogOutbound(ctx, auditlog.Entry{Method: "POST", URL: "https://example.com", Body: []byte("x")})

			before, _ := tr.State(ctx)
			beforeJSON, _ := json.Marshal(before)

			imported := models.DefaultState()
			imported.Level = 9
			doc := &models.ExportDocument{
				Gamification: imported,
				Privacy: &models.PrivacySettings{
					AutoLockTimeout:     5,
					OutboundRequestsLog: []models.OutboundRequest{},
				},
				Version: models.ExportVersion,
			}

			backend.armed = true
			if err := tr.ImportData(ctx, doc); err == nil {
				t.Fatal("expected import to fail")
			}
			backend.armed = false

			after, err := tr.State(ctx)
			if err != nil {
				t.Fatalf("state after failed import: %v", err)
			}
			afterJSON, _ := json.Marshal(after)
			if string(afterJSON) != string(beforeJSON) {
				t.Errorf("state changed by failed import:\n got %s\nwant %s", afterJSON, beforeJSON)
			}

			settings, _ := tr.PrivacySettings(ctx)
			if settings.AutoLockTimeout != models.DefaultPrivacySettings().AutoLockTimeout {
				t.Errorf("privacy settings changed by failed import: autoLockTimeout %d", settings.AutoLockTimeout)
			}

			log, _ := tr.OutboundLog(ctx)
			if len(log) != 1 {
				t.Errorf("outbound log changed by failed import: %d entries", len(log))
			}
		})
	}
}

func TestUpdateState(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")

	points := 42
	if err := tr.UpdateState(ctx, vault.Patch{TotalPoints: &points}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	state, _ := tr.State(ctx)
	if state.TotalPoints != 42 || state.Level != 1 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestWrongPINSurfacesDecryptionError(t *testing.T) {
	tr, _, backend := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")
	tr.RecordProblemSession(ctx, newSession("p1"))

	// Replace the envelope with one sealed under another PIN
	env, _ := crypto.Encrypt(models.DefaultState(), "000000")
	raw, _ := json.Marshal(env)
	backend.Set(ctx, models.KeyGamification, raw)

	if _, err := tr.State(ctx); !errors.Is(err, crypto.ErrDecryption) {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestClearAllData(t *testing.T) {
	tr, _, backend := setupTracker(t)
	ctx := context.Background()
	tr.SetupPIN(ctx, "123456")
	tr.RecordProblemSession(ctx, newSession("p1"))
	tr.LogOutbound(ctx, auditlog.Entry{Method: "GET", URL: "https://example.com"})

	if err := tr.ClearAllData(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if tr.IsUnlocked() {
		t.Error("session survived clear")
	}
	if has, _ := tr.HasPIN(ctx); has {
		t.Error("PIN survived clear")
	}
	if _, err := backend.Get(ctx, models.KeyGamification); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("state survived clear: %v", err)
	}
	if log, _ := tr.OutboundLog(ctx); len(log) != 0 {
		t.Errorf("outbound log survived clear: %d entries", len(log))
	}

	settings, err := tr.PrivacySettings(ctx)
	if err != nil || settings.AutoLockTimeout != 30 {
		t.Errorf("defaults not restored: %v %+v", err, settings)
	}
}

func TestPrivacySettings(t *testing.T) {
	tr, _, _ := setupTracker(t)
	ctx := context.Background()

	patch := &models.PrivacySettings{AutoLockTimeout: 10}
	if err := tr.UpdatePrivacySettings(ctx, patch); !errors.Is(err, pin.ErrSessionLocked) {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}

	tr.SetupPIN(ctx, "123456")
	if err := tr.UpdatePrivacySettings(ctx, patch); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	settings, _ := tr.PrivacySettings(ctx)
	if settings.AutoLockTimeout != 10 || settings.EnableAnalytics {
		t.Errorf("unexpected settings: %+v", settings)
	}
	if settings.PinHash != "" {
		t.Error("PIN hash exposed")
	}
}
