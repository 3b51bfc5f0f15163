// Package vault persists the gamification state as a single encrypted envelope.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/storage"
	"go.uber.org/zap"
)

// ErrOrphanedState is returned when an envelope exists but no PIN is known to open it
var ErrOrphanedState = errors.New("encrypted state exists without a PIN; clear data to start over")

// SessionSource supplies the verified PIN of the active session
type SessionSource interface {
	SessionPIN() (string, error)
}

// Patch is a shallow update: non-nil fields replace the top-level field as a whole
type Patch struct {
	Achievements    []models.Achievement
	Streak          *models.Streak
	ProblemSessions []models.ProblemSession
	ProgressStats   *models.ProgressStats
	TotalPoints     *int
	Level           *int
	Experience      *int
}

// Apply writes the set fields of p into state
func (p Patch) Apply(state *models.GamificationState) {
	if p.Achievements != nil {
		state.Achievements = p.Achievements
	}
	if p.Streak != nil {
		state.Streak = *p.Streak
	}
	if p.ProblemSessions != nil {
		state.ProblemSessions = p.ProblemSessions
	}
	if p.ProgressStats != nil {
		state.ProgressStats = *p.ProgressStats
	}
	if p.TotalPoints != nil {
		state.TotalPoints = *p.TotalPoints
	}
	if p.Level != nil {
		state.Level = *p.Level
	}
	if p.Experience != nil {
		state.Experience = *p.Experience
	}
}

// Store is the encrypted state store. It never keeps plaintext state between calls.
type Store struct {
	backend storage.Backend
	session SessionSource
	logger  *zap.Logger
}

// New creates a Store. logger may be nil.
func New(backend storage.Backend, session SessionSource, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, session: session, logger: logger}
}

// Read decrypts and returns the current state. With no envelope stored it
// returns the default state; a wrong PIN yields crypto.ErrDecryption.
func (s *Store) Read(ctx context.Context) (*models.GamificationState, error) {
	pin, err := s.session.SessionPIN()
	if err != nil {
		return nil, err
	}
	return s.read(ctx, pin)
}

// Write merges patch into the current state and persists the result
func (s *Store) Write(ctx context.Context, patch Patch) error {
	pin, err := s.session.SessionPIN()
	if err != nil {
		return err
	}

	state, err := s.read(ctx, pin)
	if err != nil {
		return err
	}

	patch.Apply(state)
	return s.write(ctx, pin, state)
}

// Replace overwrites the stored state with state
func (s *Store) Replace(ctx context.Context, state *models.GamificationState) error {
	pin, err := s.session.SessionPIN()
	if err != nil {
		return err
	}
	return s.write(ctx, pin, state)
}

// Reencrypt moves the stored state from oldPIN to newPIN with one write.
// An absent envelope is treated as the default state.
func (s *Store) Reencrypt(ctx context.Context, oldPIN, newPIN string) error {
	var (
		state *models.GamificationState
		err   error
	)

	if oldPIN == "" {
		exists, err := s.exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return ErrOrphanedState
		}
		state = models.DefaultState()
	} else {
		state, err = s.read(ctx, oldPIN)
		if err != nil {
			return err
		}
	}

	if err := s.write(ctx, newPIN, state); err != nil {
		return err
	}

	s.logger.Info("state re-encrypted under new PIN")
	return nil
}

// Clear removes the stored envelope
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, models.KeyGamification); err != nil {
		return fmt.Errorf("failed to remove state: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context) (bool, error) {
	_, err := s.backend.Get(ctx, models.KeyGamification)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state: %w", err)
	}
	return true, nil
}

func (s *Store) read(ctx context.Context, pin string) (*models.GamificationState, error) {
	raw, err := s.backend.Get(ctx, models.KeyGamification)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return models.DefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, crypto.ErrDecryption
	}

	var state models.GamificationState
	if err := crypto.Decrypt(&env, pin, &state); err != nil {
		return nil, err
	}
	// Fill whatever the stored document lacks
	state.Normalize()

	return &state, nil
}

func (s *Store) write(ctx context.Context, pin string, state *models.GamificationState) error {
	env, err := crypto.Encrypt(state, pin)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	// Single overwrite of the envelope key
	if err := s.backend.Set(ctx, models.KeyGamification, raw); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
