package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request on arrival and again on completion. The
// completion line carries the user the auth gate resolved (the metadata
// struct is shared down the chain) and the handling time; for WebSocket
// upgrades that time spans the connection's whole lifetime.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)

			start := time.Now()
			next.ServeHTTP(w, r)

			var userID string
			if ok {
				userID = reqMeta.UserID
			}
			logger.Info("Request completed",
				slog.String("uri", r.RequestURI),
				slog.String("userID", userID),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
