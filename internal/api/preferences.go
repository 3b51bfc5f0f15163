package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// preferenceKey accepts both "zt:tab" and "tab"
func preferenceKey(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if !strings.HasPrefix(key, "zt:") {
		key = "zt:" + key
	}
	return key
}

// HandleExportPreferences implements GET /v1/preferences
func (s *Server) HandleExportPreferences(w http.ResponseWriter, r *http.Request) {
	data, err := s.prefs.Export(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleImportPreferences implements POST /v1/preferences/import
func (s *Server) HandleImportPreferences(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := s.prefs.Import(r.Context(), data); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetPreference implements GET /v1/preferences/{key}
func (s *Server) HandleGetPreference(w http.ResponseWriter, r *http.Request) {
	value, err := s.prefs.Get(r.Context(), preferenceKey(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, value)
}

// HandleSetPreference implements PUT /v1/preferences/{key}. The write is
// debounced; the response does not wait for it.
func (s *Server) HandleSetPreference(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := s.prefs.Set(preferenceKey(r), json.RawMessage(data)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleDeletePreference implements DELETE /v1/preferences/{key}
func (s *Server) HandleDeletePreference(w http.ResponseWriter, r *http.Request) {
	if err := s.prefs.Remove(r.Context(), preferenceKey(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
