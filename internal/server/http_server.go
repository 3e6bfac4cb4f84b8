package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer configures the HTTP server with production timeouts. The
// write timeout stays unset because WebSocket connections outlive any
// reasonable response deadline; per-frame deadlines are enforced in the
// write pump.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// StartServer begins listening and blocks until the server exits.
func StartServer(server *http.Server) error {
	return server.ListenAndServe()
}

// ShutdownServer stops the HTTP listener, waiting up to timeout for in-flight
// requests.
func ShutdownServer(server *http.Server, timeout time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
		return err
	}
	return nil
}
