package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dumpsys/internal/auth"
	"github.com/mattjoyce/dumpsys/internal/events"
	"github.com/mattjoyce/dumpsys/internal/gateway"
	"github.com/mattjoyce/dumpsys/internal/history"
)

// Gateway is the dump surface the server exposes.
type Gateway interface {
	Insert(ctx context.Context, name string) (bool, error)
	Remove(name string) error
	Dump(ctx context.Context, name string, args []string) (*gateway.Result, error)
	Services() []string
	Len() int
	Pending() int
	History(ctx context.Context, service string, limit int) ([]*history.Entry, error)
	HistoryEntry(ctx context.Context, id string) (*history.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey grants every scope.
	APIKey string
	Tokens []auth.Token
}

type Server struct {
	config    Config
	gw        Gateway
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

type Option func(*Server)

// WithEvents enables GET /events.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.events = hub }
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func New(config Config, gw Gateway, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		config:    config,
		gw:        gw,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeServicesRead)).Get("/services", s.handleListServices)
		r.With(s.requireScopes(auth.ScopeServicesRW)).Put("/services/{name}", s.handleInsertService)
		r.With(s.requireScopes(auth.ScopeServicesRW)).Delete("/services/{name}", s.handleRemoveService)
		r.With(s.requireScopes(auth.ScopeDump)).Post("/services/{name}/dump", s.handleDump)
		r.With(s.requireScopes(auth.ScopeHistoryRead)).Get("/history", s.handleListHistory)
		r.With(s.requireScopes(auth.ScopeHistoryRead)).Get("/history/{id}", s.handleGetHistory)
		if s.events != nil {
			r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.Allows(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
