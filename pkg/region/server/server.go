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

	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// Server is the regional participant HTTP server.
type Server struct {
	config      *config.RegionConfig
	participant *region.Participant
	store       *store.Store
	router      *chi.Mux
	httpSrv     *http.Server
	startTime   time.Time
	collector   *metrics.Collector
	exporter    *metrics.PrometheusExporter
	feedManager *FeedManager

	loopCancel context.CancelFunc
}

// New creates a regional participant server: it opens the region's store,
// builds the participant over it and wires the HTTP surface.
func New(cfg *config.RegionConfig) (*Server, error) {
	reg, err := ride.ParseRegion(cfg.Region)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(reg, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	participant, err := region.NewParticipant(st, cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}

	collector := metrics.NewCollector()

	srv := &Server{
		config:      cfg,
		participant: participant,
		store:       st,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
		collector:   collector,
		exporter:    metrics.NewPrometheusExporter(collector),
		feedManager: NewFeedManager(),
	}

	srv.setupMiddleware()
	srv.setupRoutes()

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
func (s *Server) setupRoutes() {
	h := NewHandlers(s.participant, s.collector)

	s.router.Get("/", s.handleServiceInfo)
	s.router.Get("/health", h.GetHealth)
	s.router.Get("/stats", h.GetStats)
	s.router.Get("/_metrics", s.handlePrometheusMetrics)

	s.router.Route("/rides", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Post("/", h.CreateRide)
		r.Get("/", h.ListRides)
		r.Get("/{rideId}", h.GetRide)
		r.Put("/{rideId}", h.UpdateRide)
		r.Delete("/{rideId}", h.DeleteRide)
	})

	s.router.Route("/2pc", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Post("/prepare", h.Prepare)
		r.Post("/commit", h.Commit)
		r.Post("/abort", h.Abort)
	})

	s.router.Get("/changes/stream", h.ChangeFeed(s.feedManager))
}

// handleServiceInfo handles GET /
func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "ridemesh-region",
		"region":         s.participant.Region(),
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

// Participant exposes the underlying participant.
func (s *Server) Participant() *region.Participant {
	return s.participant
}

// startLoops runs the periodic store snapshot and the stale lock sweeper.
func (s *Server) startLoops(ctx context.Context) {
	if s.config.SnapshotIntervalSeconds > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(s.config.SnapshotIntervalSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.store.Snapshot(); err != nil {
						log.WithError(err).Error("Periodic snapshot failed")
					}
				}
			}
		}()
	}

	if s.config.RecoveryGraceSeconds > 0 {
		grace := time.Duration(s.config.RecoveryGraceSeconds) * time.Second
		go func() {
			ticker := time.NewTicker(grace)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if swept := s.participant.SweepStale(grace); swept > 0 {
						log.WithField("swept", swept).Warn("Released stale prepared transactions")
					}
				}
			}
		}()
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	log.WithFields(log.Fields{
		"region": s.participant.Region(),
		"addr":   s.httpSrv.Addr,
		"data":   s.config.DataDir,
	}).Info("Regional server starting")

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

// Shutdown gracefully shuts down the server, closes feeds and persists the
// store.
func (s *Server) Shutdown() error {
	log.Info("Shutting down regional server")

	if s.loopCancel != nil {
		s.loopCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}

	if err := s.feedManager.Close(); err != nil {
		log.WithError(err).Warn("Error closing change feed connections")
	}

	if err := s.participant.Close(); err != nil {
		log.WithError(err).Error("Participant close error")
	}
	if err := s.store.Close(); err != nil {
		log.WithError(err).Error("Store close error")
		return err
	}

	log.Info("Regional server shutdown complete")
	return nil
}
