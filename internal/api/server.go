// Package api serves the analyzer's stats over HTTP and its liveness over
// the standard gRPC health protocol.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"LBTrafficGuard/internal/config"
	core "LBTrafficGuard/internal/core/model"
	"LBTrafficGuard/internal/stats"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultAttackLimit = 100
	defaultTopSources  = 10
)

// StatsSource is the read side of the stats aggregator.
type StatsSource interface {
	Snapshot(now time.Time) stats.Snapshot
	Recent(limit int) []core.AttackEvent
	TopSources(n int) []stats.SourceCount
}

// Server holds the dependencies of the API handlers.
type Server struct {
	cfg     config.APIConfig
	stats   StatsSource
	clock   func() time.Time
	running func() bool

	registry *prometheus.Registry
	health   *health.Server
}

// NewServer creates the API. clock supplies snapshot time and running
// reports whether the pipeline is accepting packets.
func NewServer(cfg config.APIConfig, src StatsSource, collector prometheus.Collector, clock func() time.Time, running func() bool) (*Server, error) {
	if clock == nil {
		clock = time.Now
	}
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if c == nil {
			continue
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return &Server{
		cfg:      cfg,
		stats:    src,
		clock:    clock,
		running:  running,
		registry: reg,
		health:   health.NewServer(),
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/attacks", s.attacksHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/attacks/top", s.topHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot(s.clock()))
}

func (s *Server) attacksHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultAttackLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t := r.URL.Query().Get("type")
	if t == "" {
		events := s.stats.Recent(limit)
		writeJSON(w, http.StatusOK, map[string]any{"attacks": events, "count": len(events)})
		return
	}
	// The limit applies to the matching events, newest last.
	all := s.stats.Recent(0)
	events := all[:0:0]
	for _, ev := range all {
		if string(ev.Type) == t {
			events = append(events, ev)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"attacks": events, "count": len(events)})
}

func (s *Server) topHandler(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultTopSources)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.stats.TopSources(n)})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if s.running != nil && !s.running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// UpdateHealth publishes the pipeline state on the gRPC health service.
func (s *Server) UpdateHealth() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if s.running != nil && !s.running() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Health returns the gRPC health service.
func (s *Server) Health() grpc_health_v1.HealthServer {
	return s.health
}

// Serve runs the HTTP server, and the gRPC health server when an address is
// configured, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 2)

	go func() {
		log.Info("API server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("could not listen on %s: %w", httpServer.Addr, err)
		}
	}()

	var grpcServer *grpc.Server
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
		go func() {
			log.Info("gRPC health server starting", "addr", s.cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errs <- fmt.Errorf("grpc server failed: %w", err)
			}
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	s.UpdateHealth()

	var err error
loop:
	for {
		select {
		case <-ticker.C:
			s.UpdateHealth()
		case err = <-errs:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	log.Info("API server shutting down...")
	s.health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("server forced to shutdown: %w", serr)
	}
	return err
}
