// Package api is the admin HTTP surface over the project registry.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/database/models"
	"github.com/flowpbx/vmrouter/internal/dnc"
	"github.com/flowpbx/vmrouter/internal/registry"
)

// Registry is the subset of *registry.Registry the API drives.
type Registry interface {
	Projects() []*models.Project
	Project(id string) (*models.Project, error)
	CreateProject(ctx context.Context, in registry.NewProject) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) ([]string, error)
	AddDID(ctx context.Context, projectID, number string) error
	RemoveDID(ctx context.Context, projectID, number string) error
	ArchiveDID(ctx context.Context, projectID, number string) error
	SetDIDEndDate(ctx context.Context, projectID, number string, end *time.Time) error
	UpdateProject(ctx context.Context, id string, u registry.ProjectUpdate) (*models.Project, error)
	BulkAddDIDs(ctx context.Context, projectID string, dids []registry.BulkDID) (registry.BulkResult, error)
	AddProjectNote(ctx context.Context, projectID, text, author string) (models.Note, error)
	DeleteProjectNote(ctx context.Context, projectID, noteID string) error
	Settings() models.Settings
	UpdateSettings(ctx context.Context, fn func(*models.Settings) error) (models.Settings, error)
	FindVoicemail(id string) (models.Voicemail, string, error)
	MarkVoicemailRead(ctx context.Context, id string) (bool, error)
	AddVoicemailNote(ctx context.Context, id, text, author string) (models.Note, error)
	DialplanFlags(did string) map[string]string
}

// AudioStore reads and deletes stored voicemail audio.
type AudioStore interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Remove(ctx context.Context, ref string) error
}

// DNCRegistry is the do-not-call list. *dnc.Store implements it.
type DNCRegistry interface {
	Add(ctx context.Context, e dnc.Entry) (bool, error)
	Contains(ctx context.Context, number string) (bool, error)
}

// GlobalSetter sets PBX dialplan globals. *pbx.Commander implements it.
type GlobalSetter interface {
	SetGlobal(ctx context.Context, name, value string) error
}

// VoicemailSharer mails a voicemail with its recording attached.
// *notify.Email implements it.
type VoicemailSharer interface {
	ShareVoicemail(ctx context.Context, project *models.Project, vm models.Voicemail, recipients []string, sharedBy, message string) error
}

// Deps are the collaborators behind the handlers. SystemConfig, DNC, PBX,
// Sharer and Metrics may be nil.
type Deps struct {
	Registry     Registry
	Audio        AudioStore
	AdminUsers   database.AdminUserRepository
	SystemConfig database.SystemConfigRepository
	DNC          DNCRegistry
	PBX          GlobalSetter
	Sharer       VoicemailSharer
	Metrics      http.Handler
}

// Options configure the HTTP layer.
type Options struct {
	JWTSecret   []byte
	CORSOrigins []string
	APILimit    middleware.RateLimitConfig
	LoginLimit  middleware.RateLimitConfig
}

// Server holds handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	deps    Deps
	secret  []byte
	logger  *slog.Logger
	nowFunc func() time.Time

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.APILimit.Rate == 0 {
		opts.APILimit = middleware.APIRateLimitConfig()
	}
	if opts.LoginLimit.Rate == 0 {
		opts.LoginLimit = middleware.LoginRateLimitConfig()
	}
	logger = logger.With("subsystem", "api")

	s := &Server{
		router:       chi.NewRouter(),
		deps:         deps,
		secret:       opts.JWTSecret,
		logger:       logger,
		nowFunc:      time.Now,
		apiLimiter:   middleware.NewIPRateLimiter(opts.APILimit, logger),
		loginLimiter: middleware.NewIPRateLimiter(opts.LoginLimit, logger),
	}
	s.routes(opts.CORSOrigins)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(corsOrigins []string) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.CORS(corsOrigins))

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)

		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))
			r.Use(middleware.RequireAuth(s.secret, s.logger))

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.handleListProjects)
				r.Post("/", s.handleCreateProject)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetProject)
					r.Patch("/", s.handleUpdateProject)
					r.Delete("/", s.handleDeleteProject)
					r.Post("/notes", s.handleAddProjectNote)
					r.Delete("/notes/{noteId}", s.handleDeleteProjectNote)
					r.Post("/dids", s.handleAddDID)
					r.Post("/dids/bulk", s.handleBulkAddDIDs)
					r.Route("/dids/{did}", func(r chi.Router) {
						r.Delete("/", s.handleRemoveDID)
						r.Post("/archive", s.handleArchiveDID)
						r.Put("/end-date", s.handleSetDIDEndDate)
					})
				})
			})

			r.Post("/auth/change-password", s.handleChangePassword)

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)

			r.Route("/voicemails/{id}", func(r chi.Router) {
				r.Get("/audio", s.handleVoicemailAudio)
				r.Put("/read", s.handleMarkVoicemailRead)
				r.Post("/notes", s.handleAddVoicemailNote)
				r.Post("/dnc", s.handleVoicemailDNC)
				r.Post("/share", s.handleShareVoicemail)
			})

			r.Get("/dids/{did}/flags", s.handleDIDFlags)
			r.Get("/numbers/{number}/meta", s.handleNumberMeta)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within 15 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.apiLimiter.Run(ctx) })
	g.Go(func() error { return s.loginLimiter.Run(ctx) })
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		s.logger.Info("http server stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
