package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestSetupEnabledReturnsShutdown(t *testing.T) {
	// No collector is listening; export is batched and async, so Setup
	// itself must still succeed and shutdown must respect the deadline.
	shutdown, err := Setup(Config{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		ServiceName: "modelrelay-test",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestMiddlewarePassesThrough(t *testing.T) {
	var hits int
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if hits != 1 {
		t.Fatalf("inner handler hits = %d, want 1", hits)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHTTPTransportDefaultsBase(t *testing.T) {
	if HTTPTransport(nil) == nil {
		t.Fatal("HTTPTransport(nil) = nil")
	}
	if HTTPTransport(http.DefaultTransport) == nil {
		t.Fatal("HTTPTransport(base) = nil")
	}
}
