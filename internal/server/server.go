// Package server wires the agent together: middleware stack, health and
// metrics endpoints, and the websocket gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/config"
	"github.com/vibepilot/vibepilot/internal/logging"
	"github.com/vibepilot/vibepilot/internal/middleware"
	"github.com/vibepilot/vibepilot/internal/monitoring"
	"github.com/vibepilot/vibepilot/internal/terminal"
	"github.com/vibepilot/vibepilot/internal/ws"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	gateway *ws.Gateway
	manager *terminal.Manager
	metrics *monitoring.Metrics
	logger  *logging.Logger
	cfg     *config.Config
}

// New creates a server instance from configuration.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	manager := terminal.NewManager(cfg.Session.Shell, cfg.Session.BufferSize, logger.Logger)
	gateway := ws.NewGateway(manager, metrics, ws.Config{
		STUNServer:    cfg.Transport.STUNServer,
		UploadDir:     cfg.Transfer.UploadDir,
		OrphanTimeout: cfg.Session.OrphanTimeout,
		Version:       Version,
	}, logger.Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
		// Backstop across all clients at 10x the per-IP budget.
		router.Use(middleware.GlobalRateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond * 10,
			Burst:             cfg.RateLimit.Burst * 10,
		}))
	}

	router.GET("/health", healthHandler(manager))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/ws", middleware.Auth(cfg.Auth.Token), gateway.Handle)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		router:  router,
		http:    &http.Server{Addr: addr, Handler: router},
		gateway: gateway,
		manager: manager,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}, nil
}

// Logger exposes the server's logger for the entrypoint.
func (s *Server) Logger() *logging.Logger {
	return s.logger
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts serving and blocks until the listener closes.
func (s *Server) Run() error {
	s.logger.Info("agent listening",
		zap.String("addr", s.http.Addr),
		zap.String("version", Version),
	)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close drains HTTP connections and destroys orphaned sessions.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.gateway.Close()
	for _, info := range s.manager.List() {
		if destroyErr := s.manager.Destroy(info.ID); destroyErr != nil {
			s.logger.Warn("destroying session on shutdown",
				zap.String("session_id", info.ID),
				zap.Error(destroyErr),
			)
		}
	}
	return err
}
