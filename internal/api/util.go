package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/llm"
	"github.com/shalteor/zerotrace/internal/pin"
	"github.com/shalteor/zerotrace/internal/prefs"
	"github.com/shalteor/zerotrace/internal/storage"
	"github.com/shalteor/zerotrace/internal/tracker"
	"github.com/shalteor/zerotrace/internal/vault"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; imports are the largest payload
const maxBodyBytes = 8 << 20

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// DecodeJSON decodes JSON from request body
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var lockErr *pin.LockedOutError

	switch {
	case errors.As(err, &lockErr):
		secs := int(math.Ceil(lockErr.Remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		WriteJSON(w, http.StatusLocked, ErrorResponse{Error: "too many failed attempts", RetryAfterSeconds: secs})
	case errors.Is(err, pin.ErrSessionLocked):
		WriteError(w, http.StatusLocked, "session locked")
	case errors.Is(err, pin.ErrNoPinSet):
		WriteError(w, http.StatusConflict, "no PIN has been set")
	case errors.Is(err, vault.ErrOrphanedState):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crypto.ErrDecryption):
		WriteError(w, http.StatusForbidden, "decryption failed")
	case errors.Is(err, pin.ErrValidation),
		errors.Is(err, tracker.ErrInvalidSession),
		errors.Is(err, tracker.ErrImportValidation),
		errors.Is(err, prefs.ErrInvalidValue),
		errors.Is(err, llm.ErrEmptyPrompt):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prefs.ErrUnknownKey), errors.Is(err, storage.ErrKeyNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
