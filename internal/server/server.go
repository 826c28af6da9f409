// Package server is the composition root: it builds every dependency from
// the config, wires handlers to routes and runs the HTTP server.
//
// DEPENDENCY CHAIN:
//
//	config → secret.Box → sqlite.DB ─┬→ TokenManager ─→ Publisher ─┐
//	         provider.XClient ────────┼→ LinkService ──────────────┼→ handlers → chi
//	                                  └→ AccountService ───────────┘
//
// Each layer only receives what it needs. Services get repository
// interfaces, handlers get services.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/postlink/internal/auth"
	"github.com/sakif/postlink/internal/config"
	"github.com/sakif/postlink/internal/handler"
	"github.com/sakif/postlink/internal/metrics"
	"github.com/sakif/postlink/internal/middleware"
	"github.com/sakif/postlink/internal/provider"
	sqliteRepo "github.com/sakif/postlink/internal/repository/sqlite"
	"github.com/sakif/postlink/internal/secret"
	"github.com/sakif/postlink/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database connection and closes it on shutdown, after
// in-flight requests have finished.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New opens the database and wires every route.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	box, err := secret.NewBox(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating token box: %w", err)
	}

	db, err := sqliteRepo.New(cfg.DBPath, box)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	if err := cfg.Provider.Validate(); err != nil {
		// Not fatal: linking reports it per request, the rest still works.
		logger.Warn("provider not configured, linking will fail", slog.String("error", err.Error()))
	}

	return s, nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                       → liveness + DB ping
//	GET    /metrics                       → Prometheus (METRICS_ENABLED)
//	GET    /auth/x/login                  → direct link (app JWT)
//	GET    /auth/x/link?session=          → cross-device link, device B
//	GET    /auth/x/callback               → X redirects back here
//	POST   /api/link-sessions             → create cross-device session
//	GET    /api/link-sessions/{id}        → poll session
//	GET    /api/accounts                  → list linked accounts
//	POST   /api/accounts/{id}/primary     → set primary
//	DELETE /api/accounts/{id}             → unlink
//	POST   /api/accounts/{id}/posts       → publish one post
//	POST   /api/accounts/{id}/threads     → publish a chain
//
// MIDDLEWARE ORDER MATTERS:
// RequestID first so the logger can print it; Recoverer inside the logger so
// a panic still produces a logged 500.
func (s *Server) setupRoutes() error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return err
	}
	cookies, err := auth.NewPendingCookies(cfg.CookieSecret, cfg.CookieSecure)
	if err != nil {
		return err
	}

	x := provider.NewXClient(cfg.Provider, cfg.HTTPTimeout)

	tokenManager := service.NewTokenManager(s.db, x, cfg.RefreshMargin, s.logger)
	linkService := service.NewLinkService(s.db, s.db, x, cfg.LinkSessionTTL, s.logger)
	accountService := service.NewAccountService(s.db, s.logger)
	publisher := service.NewPublisher(tokenManager, x, cfg.PublishDelay, s.logger)

	linkHandler := handler.NewLinkHandler(linkService, cookies, cfg.Pages, cfg.AppBaseURL, s.logger)
	accountHandler := handler.NewAccountHandler(accountService, publisher, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	if cfg.MetricsEnabled {
		s.router.Use(metrics.Middleware)
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/healthz", healthHandler.HandleHealth)

	requireAuth := auth.RequireAuth(tokens)

	s.router.Route("/auth/x", func(r chi.Router) {
		r.With(requireAuth).Get("/login", linkHandler.HandleLogin)
		r.Get("/link", linkHandler.HandleCrossDevice)
		r.Get("/callback", linkHandler.HandleCallback)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/link-sessions", linkHandler.HandleCreateSession)
		r.Get("/link-sessions/{id}", linkHandler.HandleSessionStatus)

		r.Get("/accounts", accountHandler.HandleList)
		r.Post("/accounts/{id}/primary", accountHandler.HandleSetPrimary)
		r.Delete("/accounts/{id}", accountHandler.HandleUnlink)
		r.Post("/accounts/{id}/posts", accountHandler.HandlePublish)
		r.Post("/accounts/{id}/threads", accountHandler.HandlePublishChain)
	})

	return nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully: stop accepting connections, let in-flight requests finish
// (30s), close the database.
//
// WriteTimeout is generous because a 25 item chain with a 1s delay between
// posts legitimately takes most of a minute.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
