// Package api is the HTTP surface of the photo cache.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oriys/photocache/internal/cacheaside"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/observability"
	"github.com/oriys/photocache/internal/pool"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Cache     *cacheaside.Handler
	Origin    cacheaside.Fetcher
	Registry  *pool.Registry
	AccessLog *logging.Logger // nil uses logging.Default()
}

// NewHandler builds the routed, traced handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	h := &Handler{
		Cache:     cfg.Cache,
		Origin:    cfg.Origin,
		Registry:  cfg.Registry,
		AccessLog: cfg.AccessLog,
	}
	if h.AccessLog == nil {
		h.AccessLog = logging.Default()
	}
	h.RegisterRoutes(mux)

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer binds cfg.Addr and serves in the background. Bind errors
// are returned; later serve errors are logged.
func StartHTTPServer(cfg ServerConfig) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	logging.Op().Info("HTTP server listening", "addr", ln.Addr().String())
	return server, ln.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}
