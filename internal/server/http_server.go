package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/Tyrowin/roomrelay/internal/config"
	"go.uber.org/zap"
)

// CreateServer creates an HTTP server for handler using the configured
// address and timeouts.
func CreateServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// StartHub starts the hub's event loop in a separate goroutine. It should be
// called before the HTTP server starts accepting connections.
func StartHub(hub *Hub, logger *zap.SugaredLogger) {
	go hub.Run()
	logger.Infow("hub started and ready to relay rooms")
}

// StartServer listens until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server, logger *zap.SugaredLogger) error {
	logger.Infow("server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting new connections and waits for in-flight
// requests until ctx expires. Hijacked WebSocket connections are not
// tracked by the server; the hub closes those.
func ShutdownServer(ctx context.Context, server *http.Server, logger *zap.SugaredLogger) error {
	logger.Infow("shutting down HTTP server")

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorw("HTTP server shutdown error", "error", err)
		return err
	}

	logger.Infow("HTTP server shutdown completed")
	return nil
}
