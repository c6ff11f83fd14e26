// logging.go — структурированное логирование HTTP-запросов.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestLogger возвращает middleware логирования запросов через slog.
// Health и metrics endpoints логируются только на уровне Debug:
// постоянные probes Kubernetes засоряют журнал.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.String("duration", time.Since(start).String()),
				slog.String("remote_addr", r.RemoteAddr),
			}

			if isProbePath(r.URL.Path) {
				logger.Debug("HTTP запрос", attrs...)
				return
			}
			logger.Info("HTTP запрос", attrs...)
		})
	}
}

// isProbePath — пути, опрашиваемые Kubernetes и Prometheus.
func isProbePath(path string) bool {
	switch path {
	case "/health/live", "/health/ready", "/metrics":
		return true
	}
	return false
}
