// Package ops provides the operational HTTP surface: liveness,
// Prometheus metrics, and the last-tick status document.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/internal/whale"
	"github.com/maestrohq/trading-core/pkg/types"
)

// Metrics holds the process counters exported at /metrics.
type Metrics struct {
	TicksTotal     prometheus.Counter
	UnitsSucceeded prometheus.Counter
	UnitsFailed    prometheus.Counter
	UnitsSkipped   prometheus.Counter
	TickDuration   prometheus.Histogram
}

// NewMetrics registers the core metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading_core",
			Name:      "ticks_total",
			Help:      "Completed heartbeat ticks.",
		}),
		UnitsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading_core",
			Name:      "units_succeeded_total",
			Help:      "Per-user units that completed the full pipeline.",
		}),
		UnitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading_core",
			Name:      "units_failed_total",
			Help:      "Per-user units that failed or were cancelled.",
		}),
		UnitsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading_core",
			Name:      "units_skipped_total",
			Help:      "Per-user units skipped because trading is disabled.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading_core",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one heartbeat tick.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	reg.MustRegister(m.TicksTotal, m.UnitsSucceeded, m.UnitsFailed, m.UnitsSkipped, m.TickDuration)
	return m
}

// ObserveTick records one tick summary.
func (m *Metrics) ObserveTick(sum types.TickSummary) {
	m.TicksTotal.Inc()
	m.UnitsSucceeded.Add(float64(sum.Success))
	m.UnitsFailed.Add(float64(sum.Errors))
	m.UnitsSkipped.Add(float64(sum.Skipped))
	m.TickDuration.Observe(sum.Duration.Seconds())
}

// ServerConfig wires the ops endpoints.
type ServerConfig struct {
	Addr     string
	Gatherer prometheus.Gatherer
	// Agents is the registered strategy roster echoed by /status.
	Agents []string
	// Whale, when set, enables the flow ingestion endpoint. Flows
	// arrive from an external feed; nothing inside the core emits them.
	Whale *whale.Engine
}

// Server exposes the ops endpoints.
type Server struct {
	logger *zap.Logger
	store  store.Store
	agents []string
	whale  *whale.Engine
	http   *http.Server
}

// NewServer builds the ops server.
func NewServer(logger *zap.Logger, st store.Store, cfg ServerConfig) *Server {
	s := &Server{
		logger: logger.Named("ops"),
		store:  st,
		agents: cfg.Agents,
		whale:  cfg.Whale,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.whale != nil {
		r.HandleFunc("/tenants/{tenant}/users/{user}/whale-flows",
			s.handleWhaleFlow).Methods(http.MethodPost)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the /status payload: the last tick, the published
// per-symbol regimes, and the strategy roster.
type statusResponse struct {
	LastTick *types.TickSummary   `json:"lastTick,omitempty"`
	Regimes  []types.MarketRegime `json:"regimes,omitempty"`
	Agents   []string             `json:"agents"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Agents: s.agents}

	var sum types.TickSummary
	switch err := s.store.Get(r.Context(), store.TickSummaryDoc, &sum); {
	case err == nil:
		resp.LastTick = &sum
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Error("status read failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}

	if docs, err := s.store.List(r.Context(), store.RegimeCollection); err == nil {
		for _, doc := range docs {
			var reg types.MarketRegime
			if err := doc.Decode(&reg); err == nil {
				resp.Regimes = append(resp.Regimes, reg)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleWhaleFlow ingests one institutional print for a user. The
// engine scores it and persists it under the tenant's subtree.
func (s *Server) handleWhaleFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tid, uid := vars["tenant"], vars["user"]

	var flow types.WhaleFlow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed flow"})
		return
	}
	if flow.Underlying == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "underlying required"})
		return
	}

	view := store.ForTenant(s.store, tid)
	if err := s.whale.Record(r.Context(), view, tid, uid, flow); err != nil {
		s.logger.Error("flow ingestion failed",
			zap.String("tid", tid), zap.String("uid", uid), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "flow not recorded"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
