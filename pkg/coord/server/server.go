package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/coord"
	gql "github.com/ridemesh/ridemesh/pkg/graphql"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/replicator"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// Server is the coordinator HTTP server. It embeds the transaction log, the
// GLOBAL replica store, the health monitor, the recovery scanner and the
// change replicator.
type Server struct {
	config      *config.CoordConfig
	coordinator *coord.Coordinator
	queryRouter *coord.QueryRouter
	health      *coord.HealthMonitor
	scanner     *coord.RecoveryScanner
	replicator  *replicator.Replicator
	txlog       *txlog.Log
	global      *store.Store
	router      *chi.Mux
	httpSrv     *http.Server
	startTime   time.Time
	collector   *metrics.Collector
	exporter    *metrics.PrometheusExporter

	loopCancel context.CancelFunc
}

// New creates a coordinator server from its configuration.
func New(cfg *config.CoordConfig) (*Server, error) {
	regions := make(map[ride.Region]*client.Regional, len(cfg.RegionEndpoints))
	for name, endpoint := range cfg.RegionEndpoints {
		reg, err := ride.ParseRegion(name)
		if err != nil {
			return nil, fmt.Errorf("region_endpoints: %w", err)
		}
		regions[reg] = client.NewRegional(endpoint)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no region endpoints configured")
	}

	mode, err := replicator.ParseMode(cfg.ReplicatorMode)
	if err != nil {
		return nil, err
	}

	tl, err := txlog.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}

	global, err := store.Open(ride.RegionGlobal, cfg.DataDir)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("failed to open global store: %w", err)
	}

	collector := metrics.NewCollector()
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutMS) * time.Millisecond
	hm := coord.NewHealthMonitor(regions, time.Duration(cfg.HealthPollIntervalSeconds)*time.Second, probeTimeout, collector)
	coordinator := coord.NewCoordinator(
		regions, tl, hm, collector,
		time.Duration(cfg.PrepareDeadlineMS)*time.Millisecond,
		time.Duration(cfg.CommitDeadlineMS)*time.Millisecond,
	)
	queryRouter := coord.NewQueryRouter(regions, global, collector)
	scanner := coord.NewRecoveryScanner(coordinator, time.Duration(cfg.RecoveryGraceSeconds)*time.Second)
	repl := replicator.New(regions, global, collector, mode, cfg.Reseed)

	srv := &Server{
		config:      cfg,
		coordinator: coordinator,
		queryRouter: queryRouter,
		health:      hm,
		scanner:     scanner,
		replicator:  repl,
		txlog:       tl,
		global:      global,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
		collector:   collector,
		exporter:    metrics.NewPrometheusExporter(collector),
	}

	srv.setupMiddleware()
	if err := srv.setupRoutes(probeTimeout); err != nil {
		tl.Close()
		global.Close()
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return srv, nil
}

// setupMiddleware configures HTTP middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableLogging {
		s.router.Use(middleware.Logger)
	}

	s.router.Use(s.requestSizeLimitMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(probeTimeout time.Duration) error {
	h := NewHandlers(s.coordinator, s.queryRouter, s.txlog, probeTimeout)

	s.router.Get("/", s.handleServiceInfo)
	s.router.Get("/_metrics", s.handlePrometheusMetrics)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Post("/handoff", h.Handoff)
		r.Post("/rides/search", h.SearchRides)
		r.Get("/stats/all", h.AllStats)
		r.Get("/health/all", h.AllHealth)
		r.Get("/transactions/history", h.TransactionHistory)
		r.Get("/transactions/{txId}", h.GetTransaction)
	})

	if s.config.EnableGraphQL {
		graphqlHandler, err := gql.NewHandler(s.queryRouter, s.txlog)
		if err != nil {
			return fmt.Errorf("failed to create GraphQL handler: %w", err)
		}
		s.router.Post("/graphql", graphqlHandler.ServeHTTP)
		log.Info("GraphQL API enabled at /graphql")
	}

	return nil
}

// handleServiceInfo handles GET /
func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "ridemesh-coord",
		"regions":        s.health.Snapshot(),
		"transactions":   s.txlog.Len(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// handlePrometheusMetrics handles the Prometheus metrics endpoint
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.exporter.WriteMetrics(w); err != nil {
		http.Error(w, fmt.Sprintf("Error writing metrics: %v", err), http.StatusInternalServerError)
	}
}

// requestSizeLimitMiddleware limits request body size
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// Router exposes the chi mux, used by tests to mount the server in httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// HealthMonitor exposes the health monitor, used by operators and tests to
// force a region's flag.
func (s *Server) HealthMonitor() *coord.HealthMonitor {
	return s.health
}

// startLoops launches the supervised background tasks: health polling,
// recovery scanning and change replication.
func (s *Server) startLoops(ctx context.Context) {
	go s.health.Start(ctx)
	go s.scanner.Start(ctx)
	s.replicator.Start(ctx)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	log.WithFields(log.Fields{
		"addr":    s.httpSrv.Addr,
		"regions": len(s.config.RegionEndpoints),
		"data":    s.config.DataDir,
	}).Info("Coordinator starting")

	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.startLoops(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.WithField("signal", sig).Info("Received shutdown signal")
		return s.Shutdown()
	}
}

// Shutdown stops the background loops, the HTTP server and the embedded
// stores, in that order.
func (s *Server) Shutdown() error {
	log.Info("Shutting down coordinator")

	if s.loopCancel != nil {
		s.loopCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}

	if err := s.txlog.Close(); err != nil {
		log.WithError(err).Error("Transaction log close error")
	}
	if err := s.global.Close(); err != nil {
		log.WithError(err).Error("Global store close error")
		return err
	}

	log.Info("Coordinator shutdown complete")
	return nil
}
