package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker"
	"github.com/gin-gonic/gin"
)

const checkTimeout = 2 * time.Second

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// WorkerStatus is the part of the worker the probes read
type WorkerStatus interface {
	Running() bool
	Stats() worker.Stats
}

// Server exposes liveness, readiness and counters over HTTP
type Server struct {
	server *http.Server
	status WorkerStatus
	checks map[string]Check
	logger *slog.Logger
}

// NewServer creates the probe server. checks are run on every readiness probe.
func NewServer(port int, status WorkerStatus, checks map[string]Check, logger *slog.Logger) *Server {
	s := &Server{
		status: status,
		checks: checks,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the probes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(s.logger))

	r.GET("/healthz", s.liveness)
	r.GET("/readyz", s.readiness)
	r.GET("/stats", s.stats)

	return r
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "hls-worker",
		"worker_id": s.status.Stats().WorkerID,
	})
}

func (s *Server) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	ready := s.status.Running()
	results := make(gin.H, len(s.checks)+1)
	if ready {
		results["worker"] = "ok"
	} else {
		results["worker"] = "not running"
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			ready = false
			results[name] = err.Error()
			s.logger.Warn("Readiness check failed",
				slog.String("check", name),
				slog.Any("error", err),
			)
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": results,
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Stats())
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting health server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for open probes up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// loggerMiddleware logs probe requests at debug level
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
