package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shalteor/zerotrace/internal/models"
	"github.com/shalteor/zerotrace/internal/tracker"
	"github.com/shalteor/zerotrace/internal/vault"
)

// StatePatch is the JSON form of vault.Patch. Absent fields are left unchanged.
type StatePatch struct {
	Achievements    []models.Achievement    `json:"achievements,omitempty"`
	Streak          *models.Streak          `json:"streak,omitempty"`
	ProblemSessions []models.ProblemSession `json:"problemSessions,omitempty"`
	ProgressStats   *models.ProgressStats   `json:"progressStats,omitempty"`
	TotalPoints     *int                    `json:"totalPoints,omitempty"`
	Level           *int                    `json:"level,omitempty"`
	Experience      *int                    `json:"experience,omitempty"`
}

func (p StatePatch) toVault() vault.Patch {
	return vault.Patch{
		Achievements:    p.Achievements,
		Streak:          p.Streak,
		ProblemSessions: p.ProblemSessions,
		ProgressStats:   p.ProgressStats,
		TotalPoints:     p.TotalPoints,
		Level:           p.Level,
		Experience:      p.Experience,
	}
}

// RecordSessionResponse reports everything one recorded session changed
type RecordSessionResponse struct {
	Session          models.ProblemSession           `json:"session"`
	Streak           models.StreakUpdate             `json:"streak"`
	Unlocked         []models.AchievementUnlockEvent `json:"unlocked"`
	LevelUps         []models.LevelUpEvent           `json:"levelUps"`
	ExperienceGained int                             `json:"experienceGained"`
	State            *models.GamificationState       `json:"state"`
}

// HandleGetState implements GET /v1/state
func (s *Server) HandleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.tracker.State(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// HandlePatchState implements PATCH /v1/state
func (s *Server) HandlePatchState(w http.ResponseWriter, r *http.Request) {
	var patch StatePatch
	if err := DecodeJSON(r, &patch); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Level != nil && (*patch.Level < 1 || *patch.Level > models.MaxLevel) {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("level must be between 1 and %d", models.MaxLevel))
		return
	}
	if patch.Experience != nil && *patch.Experience < 0 {
		WriteError(w, http.StatusBadRequest, "experience must not be negative")
		return
	}

	if err := s.tracker.UpdateState(r.Context(), patch.toVault()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.HandleGetState(w, r)
}

// HandleRecordSession implements POST /v1/sessions
func (s *Server) HandleRecordSession(w http.ResponseWriter, r *http.Request) {
	var session models.ProblemSession
	if err := DecodeJSON(r, &session); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := s.tracker.RecordProblemSession(r.Context(), session)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := RecordSessionResponse{
		Session:          out.Session,
		Streak:           out.Streak,
		Unlocked:         out.Unlocked,
		LevelUps:         out.LevelUps,
		ExperienceGained: out.ExperienceGained,
		State:            out.State,
	}
	if resp.Unlocked == nil {
		resp.Unlocked = []models.AchievementUnlockEvent{}
	}
	if resp.LevelUps == nil {
		resp.LevelUps = []models.LevelUpEvent{}
	}

	WriteJSON(w, http.StatusCreated, resp)
}

// HandleExport implements GET /v1/export
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.tracker.ExportData(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	name := fmt.Sprintf("zerotrace-export-%s.json", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	WriteJSON(w, http.StatusOK, doc)
}

// HandleImport implements POST /v1/import
func (s *Server) HandleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	doc, err := tracker.DecodeExport(data)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.tracker.ImportData(r.Context(), doc); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleClearData implements DELETE /v1/data. The PIN is removed too, so the
// current session ends.
func (s *Server) HandleClearData(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.ClearAllData(r.Context()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.endSession()
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetPrivacy implements GET /v1/privacy
func (s *Server) HandleGetPrivacy(w http.ResponseWriter, r *http.Request) {
	settings, err := s.tracker.PrivacySettings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	settings.OutboundRequestsLog = nil
	WriteJSON(w, http.StatusOK, settings)
}

// HandleUpdatePrivacy implements PUT /v1/privacy. Fields absent from the
// body keep their current values.
func (s *Server) HandleUpdatePrivacy(w http.ResponseWriter, r *http.Request) {
	req, err := s.tracker.PrivacySettings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := DecodeJSON(r, req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AutoLockTimeout < 0 {
		WriteError(w, http.StatusBadRequest, "autoLockTimeout must not be negative")
		return
	}

	if err := s.tracker.UpdatePrivacySettings(r.Context(), req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.HandleGetPrivacy(w, r)
}

// HandleStorageUsage implements GET /v1/storage
func (s *Server) HandleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.tracker.StorageUsage(r.Context())
	if errors.Is(err, tracker.ErrUsageUnavailable) {
		WriteError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, usage)
}

// HandleOutboundLog implements GET /v1/outbound-log
func (s *Server) HandleOutboundLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tracker.OutboundLog(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}
