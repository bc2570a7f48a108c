// Package api is the naming manager's read-only HTTP admin surface:
// liveness, cluster status, registry and directory listings, and the
// Prometheus exposition endpoint. Document traffic never flows here; the
// framed TCP protocol is the only data path.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/nm"
)

// Server serves the admin HTTP endpoints alongside the control listener.
// It is created stopped; Start blocks until the context is cancelled.
type Server struct {
	server       *http.Server
	cfg          config.APIConfig
	shutdownOnce sync.Once
}

// NewServer builds the admin server over a running naming manager.
func NewServer(cfg config.APIConfig, n *nm.Server, m *metrics.Metrics) *Server {
	router := NewRouter(n, m)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{server: server, cfg: cfg}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("admin API shutdown signal received")
		// The cancelled ctx would abort the drain immediately; shut down on
		// a fresh deadline instead.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin API failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("admin API shutdown error: %w", err)
			logger.Error("admin API shutdown error", "error", err)
		} else {
			logger.Info("admin API stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the configured HTTP port.
func (s *Server) Port() int {
	return s.cfg.Port
}
