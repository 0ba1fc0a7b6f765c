// Package dashboard serves the engine's status API and Prometheus
// endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"smacross/internal/models"
	"smacross/internal/storage"
)

// StateReader is the bot-state surface the status API exposes.
type StateReader interface {
	KillSwitchActive() (bool, error)
	CircuitBreakerState() (models.CircuitBreakerState, error)
	CircuitBreakerCount() (int, error)
	TradingHalted() (bool, error)
	BrokerHealth() (models.BrokerHealth, error)
	GetDailyPnl() (float64, error)
	GetDailyTradeCount() (int, error)
	ListRecentReports(limit int) ([]storage.ReconciliationReport, error)
}

// Tracker is the position surface the status API exposes.
type Tracker interface {
	List() []*models.Position
}

// Config tunes the HTTP server.
type Config struct {
	Listen    string
	AuthToken string
}

// Server is the status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	state     StateReader
	tracker   Tracker
	logger    *logrus.Logger
	listen    string
	authToken string
}

// NewServer creates the status server. gatherer feeds /metrics.
func NewServer(cfg Config, state StateReader, tracker Tracker,
	gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		state:     state,
		tracker:   tracker,
		logger:    logger,
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/state", s.handleState)
	s.router.Get("/api/reports", s.handleReports)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Starting status server on %s", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// PositionView is the JSON shape of one tracked position.
type PositionView struct {
	Symbol                string   `json:"symbol"`
	Side                  string   `json:"side"`
	Qty                   string   `json:"qty"`
	EntryPrice            float64  `json:"entry_price"`
	EntryTime             string   `json:"entry_time"`
	ExtremePrice          float64  `json:"extreme_price"`
	TrailingStopPrice     *float64 `json:"trailing_stop_price,omitempty"`
	TrailingStopActivated bool     `json:"trailing_stop_activated"`
	PendingExit           bool     `json:"pending_exit"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	tracked := s.tracker.List()
	views := make([]PositionView, 0, len(tracked))
	for _, p := range tracked {
		views = append(views, PositionView{
			Symbol:                p.Symbol,
			Side:                  string(p.Side),
			Qty:                   p.Qty.String(),
			EntryPrice:            p.EntryPrice,
			EntryTime:             p.EntryTime.UTC().Format(time.RFC3339),
			ExtremePrice:          p.ExtremePrice,
			TrailingStopPrice:     p.TrailingStopPrice,
			TrailingStopActivated: p.TrailingStopActivated,
			PendingExit:           p.PendingExit,
		})
	}
	s.writeJSON(w, views)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := map[string]interface{}{}

	if killSwitch, err := s.state.KillSwitchActive(); err == nil {
		state["kill_switch"] = killSwitch
	}
	if breaker, err := s.state.CircuitBreakerState(); err == nil {
		state["circuit_breaker_state"] = string(breaker)
	}
	if count, err := s.state.CircuitBreakerCount(); err == nil {
		state["circuit_breaker_count"] = count
	}
	if halted, err := s.state.TradingHalted(); err == nil {
		state["trading_halted"] = halted
	}
	if health, err := s.state.BrokerHealth(); err == nil {
		state["broker_health"] = string(health)
	}
	if pnl, err := s.state.GetDailyPnl(); err == nil {
		state["daily_pnl"] = pnl
	}
	if trades, err := s.state.GetDailyTradeCount(); err == nil {
		state["daily_trade_count"] = trades
	}
	state["open_positions"] = len(s.tracker.List())

	s.writeJSON(w, state)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.state.ListRecentReports(20)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list reconciliation reports")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, reports)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
