// Package api exposes the ingestion and feed endpoints over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"threatcloud/audit"
	"threatcloud/config"
	"threatcloud/feed"
	"threatcloud/ingest"

	"threatcloud/core"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server hosts the HTTP surface: collaborator ingestion, egress feeds, the
// indicator query API, audit review, and Prometheus metrics.
type Server struct {
	router      *mux.Router
	server      *http.Server
	ingest      *ingest.Service
	distributor *feed.Distributor
	indicators  core.IndicatorStorage
	audit       *audit.Logger
	limiter     *clientLimiter
	logger      *zap.SugaredLogger
}

// NewServer creates the API server and wires all routes.
func NewServer(cfg *config.Config, ingestSvc *ingest.Service, distributor *feed.Distributor, indicators core.IndicatorStorage, auditLog *audit.Logger, logger *zap.SugaredLogger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		ingest:      ingestSvc,
		distributor: distributor,
		indicators:  indicators,
		audit:       auditLog,
		limiter:     newClientLimiter(cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.Burst, logger),
		logger:      logger,
	}

	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Collaborator ingestion
	v1.HandleFunc("/ingest/guard", s.handleIngestGuard).Methods(http.MethodPost)
	v1.HandleFunc("/ingest/trap", s.handleIngestTrap).Methods(http.MethodPost)

	// Egress feeds
	v1.HandleFunc("/feeds/blocklist.txt", s.handleBlocklist).Methods(http.MethodGet)
	v1.HandleFunc("/feeds/iocs", s.handleIoCFeed).Methods(http.MethodGet)
	v1.HandleFunc("/feeds/agent-bundle", s.handleAgentBundle).Methods(http.MethodGet)

	// Indicator queries
	v1.HandleFunc("/indicators/lookup", s.handleLookup).Methods(http.MethodGet)
	v1.HandleFunc("/indicators", s.handleSearch).Methods(http.MethodGet)
	v1.HandleFunc("/indicators/{id}", s.handleGetIndicator).Methods(http.MethodGet)

	// Audit review
	v1.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
