// Package api exposes batch tracking and integrity over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"supply-integrity/internal/chain"
	"supply-integrity/internal/config"
	"supply-integrity/internal/logging"
	"supply-integrity/internal/metrics"
	"supply-integrity/internal/realtime"
	"supply-integrity/internal/service"
)

// ChainReader is the read-only contract view; *chain.Reader implements it.
type ChainReader interface {
	CurrentBatchID(ctx context.Context) (*big.Int, error)
	GetBatch(ctx context.Context, batchID *big.Int) (chain.OnchainBatch, error)
	EventHistory(ctx context.Context, batchID *big.Int) ([]chain.Event, error)
}

// Server wires the HTTP routes to the tracker service.
type Server struct {
	cfg    config.HTTPConfig
	svc    *service.Service
	chain  ChainReader
	hub    *realtime.Hub
	router *gin.Engine
	logger zerolog.Logger
}

// New builds the router. reader and hub may be nil; the routes that need
// them then answer 503.
func New(cfg config.HTTPConfig, svc *service.Service, reader ChainReader, hub *realtime.Hub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		chain:  reader,
		hub:    hub,
		router: gin.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	s.router.Use(corsMiddleware(s.cfg.CORSOrigin))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.GinMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api/ws", s.handleWebSocket)

	batches := s.router.Group("/api/batches")
	{
		batches.GET("", s.listBatches)
		batches.POST("", s.registerBatch)
		batches.GET("/current-id", s.currentBatchID)
		batches.GET("/:id", s.getBatch)
		batches.POST("/:id/ready", s.markReady)
		batches.POST("/:id/transfers", s.addTransfer)
		batches.GET("/:id/history", s.history)
		batches.GET("/:id/integrity", s.integrity)
		batches.GET("/:id/chain-history", s.chainHistory)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed == "*" || origin == allowed) {
			if allowed == "*" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+logging.RequestIDHeader)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime streaming disabled"})
		return
	}
	s.hub.HandleWebSocket(c.Writer, c.Request)
}
