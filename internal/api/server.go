// Package api serves the read-only operations surface: loop status,
// the position book, regime history, and prometheus metrics. It never
// accepts orders or mutates trading state; control stays with the
// scheduler and the kill switch.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/events"
	"github.com/tradenova/trading-core/internal/positions"
	"github.com/tradenova/trading-core/internal/regime"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/internal/scheduler"
	"github.com/tradenova/trading-core/internal/workers"
)

const (
	defaultAddr  = "127.0.0.1:8090"
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// StatusSource reports the trading loop's observable state.
type StatusSource interface {
	Status() scheduler.Status
}

// Deps are the components the server reads from. All fields are
// required; handlers take snapshots and never hold locks across writes.
type Deps struct {
	Scheduler StatusSource
	Clock     *clock.Clock
	Risk      *risk.Manager
	Positions *positions.Manager
	Regimes   *regime.Classifier
	Ensemble  *ensemble.Ensemble
	Pool      *workers.Pool
	Bus       *events.Bus
}

// Server is the ops HTTP server.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	deps       Deps
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	started    time.Time
}

// New builds the server and wires its routes. The router is usable
// immediately via Router even when the server is disabled.
func New(logger *zap.Logger, cfg config.ServerConfig, deps Deps) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler(s.router)

	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/regime/{symbol}", s.handleRegime).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Router returns the fully wired handler, CORS included, for embedding
// in tests or an external listener.
func (s *Server) Router() http.Handler {
	return s.handler
}

// Start serves until Shutdown. A disabled server returns immediately so
// callers can always spawn it.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("ops server disabled")
		return nil
	}

	s.logger.Info("ops server listening", zap.String("addr", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Scheduler.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"state":    st.State,
		"degraded": st.Degraded,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock.Now()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler": s.deps.Scheduler.Status(),
		"market": map[string]interface{}{
			"phase":     s.deps.Clock.Phase(now),
			"open":      s.deps.Clock.IsOpen(now),
			"timestamp": now,
		},
		"risk":   s.deps.Risk.Stats(now),
		"agents": s.deps.Ensemble.AgentStats(),
		"pool":   s.deps.Pool.Stats(),
		"events": s.deps.Bus.Stats(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	book := s.deps.Positions.Book()
	open := book.Snapshot()
	closed := book.ClosedTrades()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":        open,
		"openCount":   len(open),
		"closed":      closed,
		"closedCount": len(closed),
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	current := s.deps.Regimes.Current(symbol)
	if current == nil {
		s.writeError(w, http.StatusNotFound, "no regime observed for "+symbol)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"current": current,
		"history": s.deps.Regimes.History(symbol),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
