// Package server exposes health, metrics and manual poll triggering over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poller is the subset of poll.Monitor the server drives.
type Poller interface {
	Trigger(marketplace string) error
	Marketplaces() []listing.Marketplace
}

// Config holds server configuration.
type Config struct {
	Poller   Poller
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Addr     string
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger
	router *gin.Engine
	server *http.Server
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		poller: cfg.Poller,
		logger: cfg.Logger,
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.POST("/pollz", s.handlePoll)

	s.router = router
	// Configure server with timeouts to prevent resource exhaustion
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handlePoll(c *gin.Context) {
	marketplace := c.Query("marketplace")
	s.logger.Info("Poll endpoint triggered", "marketplace", marketplace)

	if err := s.poller.Trigger(marketplace); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	triggered := s.poller.Marketplaces()
	if marketplace != "" {
		triggered = []listing.Marketplace{listing.Marketplace(marketplace)}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered", "marketplaces": triggered})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
