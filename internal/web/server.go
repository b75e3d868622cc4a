// Package web serves the import wizard as a JSON API.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/logging"
	"github.com/JonMunkholm/importwizard/internal/web/middleware"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// Pinger is implemented by backing stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Client  importsvc.SessionClient
	Manager *wizard.Manager
	Planner wizard.Planner
	Bounds  importsvc.BatchBounds

	// Checks are reported by /health, keyed by name. Optional.
	Checks map[string]Pinger
}

// Server is the HTTP server for the wizard API.
type Server struct {
	deps     Deps
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	validate *validator.Validate

	limiter       *middleware.RateLimiter
	uploadLimiter *middleware.RateLimiter
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, cfg *config.Config) *Server {
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		router:   chi.NewRouter(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if cfg.Rate.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.Rate.RequestsPerMinute)
		s.uploadLimiter = middleware.NewRateLimiter(cfg.Rate.UploadLimit)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)

	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}

// setupRoutes configures all HTTP routes. Every route is bounded by the
// request timeout except full-file validation, which may run as long as the
// Import Service allows an execution to.
func (s *Server) setupRoutes() {
	timeout := chimw.Timeout(s.cfg.Server.RequestTimeout)

	s.router.With(timeout).Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.Security))

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			// Catalogue
			r.Get("/models", s.handleListModels)
			r.Get("/models/{model}", s.handleModelMetadata)
			r.Get("/import-config", s.handleImportConfig)
			r.Post("/batch-plan", s.handleBatchPlan)

			// Execution history
			r.Get("/history", s.handleHistory)

			r.Post("/wizards", s.handleCreateWizard)
		})

		// Wizards
		r.Route("/wizards/{id}", func(r chi.Router) {
			r.Use(s.withWizard)

			r.With(s.longRunning).Post("/validate", s.handleValidate)

			r.Group(func(r chi.Router) {
				r.Use(timeout)

				r.Get("/", s.handleGetWizard)
				r.Delete("/", s.handleDeleteWizard)

				r.Post("/model", s.handleSelectModel)
				r.With(s.uploadLimit).Post("/upload", s.handleUpload)
				r.Put("/mappings", s.handleUpdateMappings)
				r.Patch("/settings", s.handleUpdateSettings)
				r.Post("/step", s.handleGoToStep)

				r.Get("/suggestions", s.handleSuggestions)
				r.Post("/suggestions/apply", s.handleApplySuggestions)

				r.Post("/preview", s.handlePreview)
				r.Post("/preview/batches/{n}", s.handleBatchPreview)
				r.Get("/batch-plan", s.handleWizardBatchPlan)

				r.With(s.uploadLimit).Post("/execute", s.handleExecute)
				r.Post("/cancel", s.handleCancel)
				r.Post("/reset", s.handleReset)
			})
		})
	})
}

// longRunning bounds a request by the Import Service execute timeout and
// pushes the connection's write deadline past it.
func (s *Server) longRunning(next http.Handler) http.Handler {
	d := s.cfg.ImportService.ExecuteTimeout
	if d <= 0 {
		d = s.cfg.Server.RequestTimeout
	}
	limited := chimw.Timeout(d)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d + time.Minute))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			logging.FromContext(r.Context()).Warn("failed to extend write deadline", "error", err)
		}
		limited.ServeHTTP(w, r)
	})
}

// uploadLimit applies the stricter limiter to expensive routes.
func (s *Server) uploadLimit(next http.Handler) http.Handler {
	if s.uploadLimiter == nil {
		return next
	}
	return s.uploadLimiter.Middleware(next)
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// RunJanitors sweeps rate limiter state until ctx is done.
func (s *Server) RunJanitors(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	go s.uploadLimiter.Run(ctx)
	s.limiter.Run(ctx)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses. The API serves
// no HTML, so nothing may be framed or loaded.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

// withWizard resolves {id} once for every wizard route.
func (s *Server) withWizard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		o, err := s.deps.Manager.Get(id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		ctx := logging.WithWizard(r.Context(), id)
		ctx = context.WithValue(ctx, ctxKey{}, o)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func wizardFrom(r *http.Request) *wizard.Orchestrator {
	return r.Context().Value(ctxKey{}).(*wizard.Orchestrator)
}
