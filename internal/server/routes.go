package server

import (
	"net/http"
	"time"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// MetricsSource serves a metrics endpoint.
type MetricsSource interface {
	Handler() http.Handler
}

// SetupRoutes builds the HTTP router: the relay endpoint at / (upgrades
// only) and /ws, health at /healthz, and optionally metrics and the test
// page. metrics may be nil.
func SetupRoutes(cfg *config.Config, hub *Hub, metrics MetricsSource, logger *zap.SugaredLogger) http.Handler {
	h := newHandlers(hub, newOriginPolicy(cfg.HTTP.AllowedOrigins, logger), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", h.root)
	r.Get("/ws", h.webSocket)
	r.Get("/healthz", h.health)

	if cfg.Metrics.Enabled && metrics != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, metrics.Handler())
	}
	if cfg.Debug.TestPage {
		r.Get("/test", h.testPage)
	}

	return r
}

// requestLogger logs each completed request with zap. WebSocket sessions are
// logged when the upgrade handler returns, not when the session ends.
func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			}

			switch {
			case ww.Status() >= 500:
				logger.Errorw("request completed with server error", fields...)
			case ww.Status() >= 400:
				logger.Warnw("request completed with client error", fields...)
			default:
				logger.Debugw("request completed", fields...)
			}
		})
	}
}
