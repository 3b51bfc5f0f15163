package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/shalteor/zerotrace/internal/middleware"
	"github.com/shalteor/zerotrace/internal/prefs"
	"github.com/shalteor/zerotrace/internal/tracker"
	"go.uber.org/zap"
)

// Completer answers a single prompt
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options configures a Server
type Options struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	tracker *tracker.Tracker
	prefs   *prefs.Store
	llm     Completer
	jwt     *middleware.JWTConfig
	hub     *Hub
	origins []string
	logger  *zap.Logger

	// Only the token of the most recent unlock is accepted
	mu        sync.Mutex
	sessionID string

	unsubscribe []func()
}

// NewServer creates the API server and subscribes it to progress and
// preference notifications. Call Close to unsubscribe.
func NewServer(tr *tracker.Tracker, p *prefs.Store, c Completer, jwtConfig *middleware.JWTConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		tracker: tr,
		prefs:   p,
		llm:     c,
		jwt:     jwtConfig,
		origins: opts.AllowedOrigins,
		logger:  logger,
	}
	s.hub = NewHub(logger.Named("events"))

	s.unsubscribe = append(s.unsubscribe, tr.Subscribe(s.publishOutcome))
	if p != nil {
		s.unsubscribe = append(s.unsubscribe, p.OnChanged(s.publishPreferenceChange))
	}

	return s
}

// Close unsubscribes from notifications and disconnects event clients
func (s *Server) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.hub.Close()
}

// Router sets up the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(chimw.RequestSize(maxBodyBytes))

	// Chat proxy
	r.Post("/prompt", s.HandlePrompt)

	r.Route("/v1", func(r chi.Router) {
		// PIN routes (public)
		r.Route("/pin", func(r chi.Router) {
			r.Get("/status", s.HandlePINStatus)
			r.Post("/setup", s.HandlePINSetup)
			r.Post("/verify", s.HandlePINVerify)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.jwt.AuthMiddleware)
			r.Use(s.requireCurrentSession)

			r.Post("/pin/lock", s.HandlePINLock)

			r.Get("/state", s.HandleGetState)
			r.Patch("/state", s.HandlePatchState)
			r.Post("/sessions", s.HandleRecordSession)

			r.Get("/export", s.HandleExport)
			r.Post("/import", s.HandleImport)
			r.Delete("/data", s.HandleClearData)

			r.Get("/privacy", s.HandleGetPrivacy)
			r.Put("/privacy", s.HandleUpdatePrivacy)
			r.Get("/outbound-log", s.HandleOutboundLog)
			r.Get("/storage", s.HandleStorageUsage)

			r.Get("/preferences", s.HandleExportPreferences)
			r.Post("/preferences/import", s.HandleImportPreferences)
			r.Get("/preferences/{key}", s.HandleGetPreference)
			r.Put("/preferences/{key}", s.HandleSetPreference)
			r.Delete("/preferences/{key}", s.HandleDeletePreference)

			r.Get("/events", s.HandleEvents)
		})
	})

	return r
}

// requireCurrentSession rejects tokens issued for an earlier unlock
func (s *Server) requireCurrentSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, err := middleware.GetSessionIDFromContext(r.Context())
		if err != nil || !s.isCurrentSession(sid) {
			WriteError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isCurrentSession(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sid != "" && sid == s.sessionID
}

// issueToken starts a new API session, invalidating earlier tokens
func (s *Server) issueToken() (string, error) {
	sid := uuid.NewString()
	token, err := s.jwt.GenerateToken(sid)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessionID = sid
	s.mu.Unlock()

	s.closeStreams(sid)
	return token, nil
}

// endSession invalidates the current token and its event streams
func (s *Server) endSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()

	s.closeStreams("")
}

// closeStreams disconnects event streams opened under any session but sid
func (s *Server) closeStreams(sid string) {
	if n := s.hub.DisconnectExcept(sid); n > 0 {
		s.logger.Debug("closed event streams of ended session", zap.Int("streams", n))
	}
}

// originAllowed matches origin against the configured list. A single "*" in
// a pattern matches any run of characters.
func originAllowed(patterns []string, origin string) bool {
	for _, p := range patterns {
		if p == "*" || p == origin {
			return true
		}
		if i := strings.IndexByte(p, '*'); i >= 0 {
			prefix, suffix := p[:i], p[i+1:]
			if len(origin) >= len(prefix)+len(suffix) && strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}
