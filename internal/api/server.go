// Package api exposes health, poll control and rate-limit administration over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bronisync/internal/config"
	"bronisync/internal/models"
	"bronisync/internal/ratelimit"
	"bronisync/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// PollControl is the scheduler surface used by the API.
type PollControl interface {
	Enabled() bool
	SetEnabled(enabled bool)
	Interval() time.Duration
	State(ctx context.Context) models.PollState
	TriggerNow(ctx context.Context) (scheduler.Outcome, error)
}

// RetryLister lists queued deliveries.
type RetryLister interface {
	Items(ctx context.Context) ([]models.RetryItem, error)
}

// RateLimiter is the limiter surface used by the API.
type RateLimiter interface {
	Allow(ctx context.Context, action, actor string) ratelimit.Result
	Inspect(ctx context.Context, key string, maxAttempts, windowSeconds int) (models.RateLimitState, ratelimit.Result)
	Reset(ctx context.Context, key string) error
	Rule(action string) ratelimit.Rule
}

// HTTPMetrics counts served requests per route.
type HTTPMetrics interface {
	IncHTTP(endpoint string)
}

type Deps struct {
	Poller  PollControl
	Retries RetryLister
	Limiter RateLimiter
	Metrics HTTPMetrics
	Logger  *zerolog.Logger
}

// HTTPServer serves the public health check and the admin API.
type HTTPServer struct {
	router  *chi.Mux
	server  *http.Server
	auth    *HTTPAuth
	poller  PollControl
	retries RetryLister
	limiter RateLimiter
	metrics HTTPMetrics
	log     zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps) *HTTPServer {
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = deps.Logger.With().Str("component", "http").Logger()
	}

	s := &HTTPServer{
		router:  chi.NewRouter(),
		auth:    NewHTTPAuth(cfg.Auth),
		poller:  deps.Poller,
		retries: deps.Retries,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		log:     log,
	}

	r := s.router
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.logging)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)
		r.Get("/poll/state", s.handlePollState)
		r.Put("/poll/enabled", s.handlePollEnabled)
		r.Post("/poll/trigger", s.handleTrigger)
		r.Get("/retry", s.handleRetryItems)
		r.Get("/ratelimit/{key}", s.handleRateLimitInspect)
		r.Delete("/ratelimit/{key}", s.handleRateLimitReset)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// trigger waits for a whole poll cycle
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
