// Package server provides HTTP server lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/punchcardhq/punchcard/internal/core/config"
)

// HTTPServer manages HTTP server lifecycle.
type HTTPServer struct {
	server *http.Server
	config *config.ServerConfig
}

// NewHTTPServer creates the HTTP server around a fully wired router.
func NewHTTPServer(cfg *config.ServerConfig, router *gin.Engine) (*HTTPServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}

	return &HTTPServer{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
		},
		config: cfg,
	}, nil
}

// Start serves HTTP requests. Blocks until Shutdown is called; a clean
// shutdown returns nil.
func (s *HTTPServer) Start(ctx context.Context) error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests with a 30-second cap, then forces close.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
