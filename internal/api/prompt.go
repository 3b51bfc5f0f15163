package api

import (
	"errors"
	"net/http"

	"github.com/shalteor/zerotrace/internal/llm"
	"go.uber.org/zap"
)

type PromptRequest struct {
	Prompt string `json:"prompt"`
}

type PromptResponse struct {
	Response string `json:"response"`
}

const quotaMessage = "Quota exceeded. Please check your plan and billing details or wait for the next reset."

// HandlePrompt implements POST /prompt. Upstream failures are not retried.
func (s *Server) HandlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := s.llm.Complete(r.Context(), req.Prompt)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, PromptResponse{Response: answer})
	case errors.Is(err, llm.ErrEmptyPrompt):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, llm.ErrQuotaExceeded):
		WriteError(w, http.StatusPaymentRequired, quotaMessage)
	default:
		s.logger.Warn("completion failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
