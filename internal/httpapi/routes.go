// Package httpapi mounts the gateway's inbound HTTP surface: the
// OpenAI/Anthropic proxy endpoints, the admin API, and operational routes.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/apikey"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/store"
)

type Dependencies struct {
	Proxy   *proxy.Service
	Store   store.Store
	Metrics *metrics.Registry

	// API key management (nil disables client auth).
	APIKeyMgr *apikey.Manager

	// AdminToken guards /admin/v1. Empty disables the admin API.
	AdminToken string

	// Events powers the admin SSE stream (nil disables the route).
	Events *events.Bus

	// RateLimiter guards the proxy endpoints (nil disables limiting).
	RateLimiter *ratelimit.Limiter
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthHandler(d))

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}
		r.Post("/chat/completions", ProxyHandler(d, "openai", "/v1/chat/completions"))
		r.Post("/completions", ProxyHandler(d, "openai", "/v1/completions"))
		r.Post("/embeddings", ProxyHandler(d, "openai", "/v1/embeddings"))
		r.Post("/messages", ProxyHandler(d, "anthropic", "/v1/messages"))
	})

	if d.AdminToken != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(adminAuth(d.AdminToken))

			r.Get("/providers", ProvidersListHandler(d))
			r.Post("/providers", ProvidersCreateHandler(d))
			r.Put("/providers/{id}", ProvidersUpdateHandler(d))
			r.Delete("/providers/{id}", ProvidersDeleteHandler(d))

			r.Get("/mappings", MappingsListHandler(d))
			r.Post("/mappings", MappingsUpsertHandler(d))
			r.Put("/mappings/{id}", MappingsUpdateHandler(d))
			r.Delete("/mappings/{id}", MappingsDeleteHandler(d))

			r.Get("/mappings/{id}/bindings", BindingsListHandler(d))
			r.Post("/bindings", BindingsCreateHandler(d))
			r.Put("/bindings/{id}", BindingsUpdateHandler(d))
			r.Delete("/bindings/{id}", BindingsDeleteHandler(d))

			r.Get("/apikeys", APIKeysListHandler(d))
			r.Post("/apikeys", APIKeysCreateHandler(d))
			r.Patch("/apikeys/{id}", APIKeysPatchHandler(d))
			r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

			r.Get("/logs", LogsListHandler(d))
			r.Get("/stats", StatsHandler(d))
			if d.Events != nil {
				r.Get("/events", EventsHandler(d))
			}
		})
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// HealthHandler reports readiness: the store must answer a trivial query.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.Store.ListMappings(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}
}

// adminAuth requires a bearer token matching the configured admin token,
// compared in constant time.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				jsonError(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jsonError writes a JSON-encoded error response with the given status code.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
