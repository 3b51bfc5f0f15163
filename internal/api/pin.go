package api

import (
	"net/http"
	"strings"

	"github.com/shalteor/zerotrace/internal/pin"
	"go.uber.org/zap"
)

type SetupPINRequest struct {
	PIN        string `json:"pin"`
	ConfirmPIN string `json:"confirmPin"`
}

type VerifyPINRequest struct {
	PIN string `json:"pin"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

type PINStatusResponse struct {
	HasPIN   bool `json:"hasPin"`
	Unlocked bool `json:"unlocked"`
}

// HandlePINStatus implements GET /v1/pin/status
func (s *Server) HandlePINStatus(w http.ResponseWriter, r *http.Request) {
	has, err := s.tracker.HasPIN(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, PINStatusResponse{HasPIN: has, Unlocked: s.tracker.IsUnlocked()})
}

// HandlePINSetup implements POST /v1/pin/setup. Changing an existing PIN
// requires the token of the current session.
func (s *Server) HandlePINSetup(w http.ResponseWriter, r *http.Request) {
	var req SetupPINRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PIN != req.ConfirmPIN {
		WriteError(w, http.StatusBadRequest, "PINs do not match")
		return
	}
	if len(req.PIN) < pin.MinPINLength {
		WriteError(w, http.StatusBadRequest, "PIN must be at least 6 digits")
		return
	}

	has, err := s.tracker.HasPIN(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if has && !s.hasCurrentToken(r) {
		WriteError(w, http.StatusUnauthorized, "current session required to change PIN")
		return
	}

	if err := s.tracker.SetupPIN(r.Context(), req.PIN); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.respondToken(w, http.StatusCreated)
}

func (s *Server) hasCurrentToken(r *http.Request) bool {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	claims, err := s.jwt.ValidateToken(parts[1])
	if err != nil {
		return false
	}
	return s.isCurrentSession(claims.SessionID)
}

// HandlePINVerify implements POST /v1/pin/verify
func (s *Server) HandlePINVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyPINRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := s.tracker.VerifyPIN(r.Context(), req.PIN)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusUnauthorized, "invalid PIN")
		return
	}

	s.respondToken(w, http.StatusOK)
}

func (s *Server) respondToken(w http.ResponseWriter, status int) {
	token, err := s.issueToken()
	if err != nil {
		s.logger.Error("failed to sign session token", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	WriteJSON(w, status, TokenResponse{
		Token:     token,
		ExpiresIn: int(s.jwt.Expiration.Seconds()),
	})
}

// HandlePINLock implements POST /v1/pin/lock
func (s *Server) HandlePINLock(w http.ResponseWriter, r *http.Request) {
	s.tracker.Lock()
	s.endSession()
	w.WriteHeader(http.StatusNoContent)
}
