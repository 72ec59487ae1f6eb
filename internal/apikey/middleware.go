package apikey

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/store"
)

type contextKey string

const apiKeyContextKey contextKey = "apikey"

// FromContext returns the API key record attached to the request context.
func FromContext(ctx context.Context) *store.APIKeyRecord {
	if v, ok := ctx.Value(apiKeyContextKey).(*store.APIKeyRecord); ok {
		return v
	}
	return nil
}

// extractKey pulls the credential from Authorization: Bearer (OpenAI
// style) or x-api-key (Anthropic style).
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
	return r.Header.Get("x-api-key")
}

// AuthMiddleware validates API keys on incoming requests. Both bearer
// tokens and x-api-key headers are accepted on every route.
func AuthMiddleware(mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			token := extractKey(r)
			if token == "" {
				slog.Warn("api key auth: missing credential", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				writeAuthError(w, "invalid_api_key", "authorization required")
				return
			}

			rec, err := mgr.Validate(r.Context(), token)
			if err != nil {
				code := "invalid_api_key"
				if errors.Is(err, ErrKeyDisabled) {
					code = "api_key_disabled"
				}
				slog.Warn("api key auth: validation failed", slog.String("ip", clientIP), slog.String("path", r.URL.Path), slog.String("error", err.Error()))
				writeAuthError(w, code, "invalid or disabled api key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
