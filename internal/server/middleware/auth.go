package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
)

// NewAuthMiddleware gates the handshake: the bearer token is verified against
// the external identity collaborator and the resolved user must exist and be
// activated. Rejections happen before any connection state is created.
func NewAuthMiddleware(logger *slog.Logger, verifier identity.Verifier, directory identity.Directory) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("Handshake missing bearer token", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Warn("Invalid token presented",
					slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, found, err := directory.FetchUser(r.Context(), userID)
			if err != nil {
				logger.Error("User directory lookup failed",
					slog.String("userID", userID), slog.Any("error", err))
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			if !found {
				logger.Warn("Token subject unknown to directory", slog.String("userID", userID))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !user.IsActivated {
				logger.Warn("Unactivated account refused", slog.String("userID", userID))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			reqMeta.UserID = user.ID
			reqMeta.DisplayName = user.DisplayName
			reqMeta.PhoneNumber = user.PhoneNumber
			reqMeta.DMsEnabled = user.DMsEnabled
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter for browser WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
