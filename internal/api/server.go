package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"marketbot/internal/config"
)

// Server runs the HTTP/WebSocket status surface.
type Server struct {
	cfg      config.APIConfig
	provider StatusProvider
	stream   *Stream
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, provider StatusProvider, cycles CycleSource, logger *slog.Logger) *Server {
	stream := NewStream(logger)
	handlers := NewHandlers(provider, cycles, cfg, stream, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/cycles", handlers.HandleCycles)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		stream:   stream,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the event consumer and the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start() error {
	go s.consumeEvents()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents relays orchestrator events to the stream subscribers.
func (s *Server) consumeEvents() {
	events := s.provider.Events()
	if events == nil {
		return
	}
	for evt := range events {
		s.stream.Publish(evt)
	}
}
