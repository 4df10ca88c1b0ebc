package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"spiketrader/internal/config"
	"spiketrader/internal/registry"
)

// Server runs the HTTP/WebSocket control surface for the dashboard and
// operator tooling.
type Server struct {
	cfg      config.DashboardConfig
	registry *registry.Registry
	bus      *registry.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server wired to reg for bot state and bus for
// broadcast fan-out.
func NewServer(cfg config.DashboardConfig, reg *registry.Registry, bus *registry.Bus, logger *slog.Logger) *Server {
	hub := NewHub(bus, logger)
	handlers := NewHandlers(reg, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	mux.HandleFunc("GET /api/bots", handlers.HandleListBots)
	mux.HandleFunc("POST /api/bots", handlers.HandleCreateBot)
	mux.HandleFunc("GET /api/bots/{bot_id}", handlers.HandleGetBot)
	mux.HandleFunc("PUT /api/bots/{bot_id}", handlers.HandleUpdateBot)
	mux.HandleFunc("DELETE /api/bots/{bot_id}", handlers.HandleDeleteBot)
	mux.HandleFunc("GET /api/bots/{bot_id}/activity", handlers.HandleBotActivity)
	mux.HandleFunc("GET /api/bots/{bot_id}/chart-data", handlers.HandleChartData)
	mux.HandleFunc("GET /api/bots/{bot_id}/orderbook", handlers.HandleOrderBook)
	mux.HandleFunc("GET /api/bots/{bot_id}/target", handlers.HandleTarget)
	mux.HandleFunc("GET /api/bots/{bot_id}/spike-status", handlers.HandleSpikeStatus)
	mux.HandleFunc("POST /api/bots/{bot_id}/start", handlers.HandleStartBot)
	mux.HandleFunc("POST /api/bots/{bot_id}/stop", handlers.HandleStopBot)
	mux.HandleFunc("POST /api/bots/{bot_id}/pause", handlers.HandlePauseBot)
	mux.HandleFunc("POST /api/bots/{bot_id}/resume", handlers.HandleResumeBot)
	mux.HandleFunc("POST /api/bots/{bot_id}/trade", handlers.HandleManualTrade)
	mux.HandleFunc("POST /api/bots/{bot_id}/close", handlers.HandleManualClose)

	mux.HandleFunc("GET /api/settings", handlers.HandleGetSettings)
	mux.HandleFunc("PUT /api/settings", handlers.HandlePutSettings)
	mux.HandleFunc("GET /api/profiles", handlers.HandleListProfiles)
	mux.HandleFunc("POST /api/kill", handlers.HandleKillSwitch)

	mux.Handle("/", http.FileServer(http.Dir("web")))

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	handler := rateLimitMiddleware(limiter, mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		hub:      hub,
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "api-server"),
	}
}

// rateLimitMiddleware throttles mutating requests with a shared token
// bucket; reads (GET) and the WebSocket upgrade pass through untouched since
// a slow dashboard poller shouldn't starve an operator issuing a kill switch.
func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting up to cfg.ExitGrace (or 10s if
// unset) for in-flight requests and WebSocket connections to drain.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	grace := s.cfg.ExitGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	return s.server.Shutdown(ctx)
}
