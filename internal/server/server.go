// Package server provides the HTTP server and routing for the platform.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/collector"
	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/experiments"
	"github.com/quantlab-cn/quantlab/internal/llm"
	"github.com/quantlab-cn/quantlab/internal/plans"
	"github.com/quantlab-cn/quantlab/internal/regime"
	"github.com/quantlab-cn/quantlab/internal/reliability"
	"github.com/quantlab-cn/quantlab/internal/scheduler"
	"github.com/quantlab-cn/quantlab/internal/signals"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Config     *config.Config
	Log        zerolog.Logger
	DB         *database.DB
	Runner     *experiments.Runner
	ExpRepo    *experiments.Repository
	Strategies *strategy.Repository
	Signals    *signals.Engine
	Collector  *collector.Collector
	Regimes    *regime.Service
	PlansRepo  *plans.Repository
	Engine     *backtest.Engine
	Pipeline   *scheduler.Pipeline
	Reports    *scheduler.ReportsRepository
	LLM        *llm.Client
	Backup     *reliability.Service
}

// Server is the HTTP front of the platform.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps

	startedAt time.Time
}

// New builds the server and its route table.
func New(deps Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       deps.Log.With().Str("component", "server").Logger(),
		deps:      deps,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", deps.Config.Port),
		Handler: s.router,
		// No WriteTimeout: SSE streams stay open for the life of an
		// experiment.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Post("/", s.handleCreateExperiment)
			r.Post("/retry-pending", s.handleRetryPending)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExperiment)
				r.Delete("/", s.handleDeleteExperiment)
				r.Get("/stream", s.handleExperimentStream)
				r.Post("/retry", s.handleRetryExperiment)
				r.Post("/strategies/{sid}/promote", s.handlePromoteCandidate)
			})
		})

		r.Route("/signals", func(r chi.Router) {
			r.Get("/today", s.handleTodaySignals)
			r.Post("/generate-stream", s.handleGenerateSignalsStream)
		})

		r.Post("/backtest/run", s.handleBacktestRun)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
		})
		r.Get("/positions", s.handleListPositions)

		r.Get("/regimes", s.handleListRegimes)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/latest", s.handleLatestReport)
			r.Get("/{date}", s.handleReportByDate)
		})

		r.Post("/pipeline/trigger", s.handlePipelineTrigger)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", s.handleChat)
			r.Post("/reset", s.handleChatReset)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Post("/backup", s.handleBackup)
		})
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("write json response")
	}
}

// writeError writes a JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody parses a JSON request body into dst. An empty body is not
// an error; dst keeps its zero values.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
