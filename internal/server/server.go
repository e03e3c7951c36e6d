package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayhq/copilot-gateway/internal/adapters"
	"github.com/relayhq/copilot-gateway/internal/auth"
	"github.com/relayhq/copilot-gateway/internal/config"
	"github.com/relayhq/copilot-gateway/internal/handlers"
	"github.com/relayhq/copilot-gateway/internal/middleware"
	"github.com/relayhq/copilot-gateway/internal/pipeline"
	"github.com/relayhq/copilot-gateway/internal/transport"
)

// Server is the HTTP Server & Router (component M, SPEC_FULL §4.12): it
// wires the five endpoints of spec.md §6.1 to adapters served through the
// Request Pipeline, behind a logging/recovery middleware chain.
type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: configManager,
		logger: logger,
	}
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	
	// Setup routes
	mux := s.setupRoutes()
	
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr)

	// Start server in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	cfg := s.config.Get()

	authProvider := auth.NewProvider(cfg.TokenPath, s.logger)
	modelProvider := auth.NewModelProvider(authProvider)
	transportClient := transport.New(60 * time.Second)
	headers := transport.Headers{
		CopilotIntegrationID: cfg.CopilotIntegrationID,
		EditorVersion:        cfg.EditorInfo,
		EditorPluginVersion:  cfg.EditorPluginInfo,
	}

	pl := pipeline.New(authProvider, modelProvider, transportClient, headers, s.logger)
	registry := adapters.NewDefaultRegistry()

	healthHandler := handlers.NewHealthHandler(s.logger)
	tagsHandler := handlers.NewTagsHandler(modelProvider, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.logger)
	defaultChain := middlewareSet.DefaultChain()

	mux := http.NewServeMux()
	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("GET /api/tags", defaultChain.Handler(tagsHandler))
	mux.Handle("POST /api/chat", defaultChain.Handler(pl.HandlerFor(registry.MustGet("ollama"))))
	mux.Handle("POST /v1/chat/completions", defaultChain.Handler(pl.HandlerFor(registry.MustGet("openai"))))
	mux.Handle("POST /v1/messages", defaultChain.Handler(pl.HandlerFor(registry.MustGet("anthropic"))))
	mux.Handle("POST /v1/response", defaultChain.Handler(pl.HandlerFor(registry.MustGet("responses"))))
	mux.Handle("POST /v1/response/compact", defaultChain.Handler(pl.HandlerFor(registry.MustGet("responses"))))

	return mux
}