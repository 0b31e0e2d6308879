package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/services"
	"example.com/backstage/services/eventflo/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, events *services.EventService, m *metrics.Metrics, tracer tracing.Tracer, checks map[string]HealthCheck) (*Server, error) {
	if err := registerValidators(); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), Logger())
	if cfg.CorsEnabled {
		router.Use(CORS(cfg.CorsOrigins))
	}
	if tracer != nil {
		if app := tracer.Application(); app != nil {
			router.Use(nrgin.Middleware(app))
		}
	}

	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	metricsHandler := NewMetricsHandler(m, checks)
	router.GET("/health", metricsHandler.GetHealth)
	if cfg.MetricsEnabled {
		router.GET("/metrics", metricsHandler.GetMetrics)
	}

	NewEventHandler(events).RegisterRoutes(router.Group("/api/v1"))

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Timeout,
		},
	}, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	return nil
}
