// Package gateway is the HTTP intake surface: it authenticates webhook
// deliveries, rate-limits them, deduplicates alerts into durable jobs
// and hands them to the queue.
package gateway

import (
	"context"
	"net/http"
	"time"

	"tradehook/internal/config"
	"tradehook/internal/core"
	"tradehook/internal/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the intake HTTP server.
type Server struct {
	store   core.IStore
	queue   core.IQueue
	limiter core.IRateLimiter
	checker *health.Manager
	cfg     config.WebhookConfig
	logger  core.ILogger

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the gin engine and routes.
func NewServer(listenAddr, metricsPath string, store core.IStore, q core.IQueue, limiter core.IRateLimiter, checker *health.Manager, cfg config.WebhookConfig, logger core.ILogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:   store,
		queue:   q,
		limiter: limiter,
		checker: checker,
		cfg:     cfg,
		logger:  logger.WithField("component", "gateway"),
		engine:  engine,
	}

	engine.POST("/webhook/tv/:path", s.handleWebhook)
	engine.GET("/health", s.handleHealth)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	engine.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              listenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Gateway listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checker.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
