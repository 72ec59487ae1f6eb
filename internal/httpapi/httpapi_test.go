package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/apikey"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

const testAdminToken = "test-admin-token"

type fakeForwarder struct {
	mu      sync.Mutex
	calls   int
	respond func(target upstream.Target, path string, body []byte) *upstream.Response
}

func (f *fakeForwarder) Forward(ctx context.Context, target upstream.Target, path, method string, headers http.Header, body []byte, stream bool) *upstream.Response {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(target, path, body)
}

type testEnv struct {
	router   chi.Router
	store    *store.SQLiteStore
	mgr      *apikey.Manager
	fw       *fakeForwarder
	bus      *events.Bus
	svc      *proxy.Service
	plainKey string
}

func newTestEnv(t *testing.T, fw *fakeForwarder) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if fw == nil {
		fw = &fakeForwarder{respond: func(upstream.Target, string, []byte) *upstream.Response {
			return upstream.NewSyntheticResponse(http.StatusOK, []byte(`{}`), nil)
		}}
	}
	mgr := apikey.NewManager(s)
	plaintext, _, err := mgr.Generate(context.Background(), "test-client")
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	svc := proxy.NewService(s, fw, tokenizer.New(), nil, nil, proxy.Config{MaxAttempts: 2})
	bus := events.NewBus()
	svc.SetEventBus(bus)

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Proxy:      svc,
		Store:      s,
		APIKeyMgr:  mgr,
		AdminToken: testAdminToken,
		Events:     bus,
	})
	return &testEnv{router: r, store: s, mgr: mgr, fw: fw, bus: bus, svc: svc, plainKey: plaintext}
}

func (e *testEnv) seedRoute(t *testing.T, model, protocol, targetModel string) {
	t.Helper()
	ctx := context.Background()
	p := &router.Provider{Name: "prov-" + protocol, BaseURL: "http://upstream.local", Protocol: protocol, APIKey: "sk-upstream", Active: true}
	if err := e.store.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	m := &router.ModelMapping{RequestedModel: model, Strategy: "round_robin", Active: true}
	if err := e.store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	b := &router.Binding{MappingID: m.ID, ProviderID: p.ID, TargetModel: targetModel, Weight: 1, Active: true}
	if err := e.store.CreateBinding(ctx, b); err != nil {
		t.Fatalf("create binding: %v", err)
	}
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func chatBody(model string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "status").String(); got != "ok" {
		t.Fatalf("status field = %q, want ok", got)
	}
}

func TestProxyChatCompletions(t *testing.T) {
	fw := &fakeForwarder{respond: func(target upstream.Target, path string, body []byte) *upstream.Response {
		if target.APIKey != "sk-upstream" {
			t.Errorf("target api key = %q", target.APIKey)
		}
		if got := gjson.GetBytes(body, "model").String(); got != "gpt-4o" {
			t.Errorf("forwarded model = %q, want gpt-4o", got)
		}
		resp := `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`
		return upstream.NewSyntheticResponse(http.StatusOK, []byte(resp), nil)
	}}
	env := newTestEnv(t, fw)
	env.seedRoute(t, "fast", "openai", "gpt-4o")

	w := env.do(http.MethodPost, "/v1/chat/completions", env.plainKey, chatBody("fast"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if trace := w.Header().Get("X-Trace-ID"); len(trace) != 32 {
		t.Fatalf("X-Trace-ID = %q, want 32 hex chars", trace)
	}
	if got := w.Header().Get("X-Target-Model"); got != "gpt-4o" {
		t.Fatalf("X-Target-Model = %q", got)
	}
	if got := gjson.Get(w.Body.String(), "choices.0.message.content").String(); got != "hi" {
		t.Fatalf("content = %q", got)
	}
}

func TestProxyRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedRoute(t, "fast", "openai", "gpt-4o")

	w := env.do(http.MethodPost, "/v1/chat/completions", "", chatBody("fast"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.code").String(); got != "invalid_api_key" {
		t.Fatalf("error code = %q", got)
	}
}

func TestProxyErrorEnvelopes(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("openai shape", func(t *testing.T) {
		w := env.do(http.MethodPost, "/v1/chat/completions", env.plainKey, chatBody("unknown"))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		if got := gjson.Get(w.Body.String(), "error.code").String(); got != "model_not_found" {
			t.Fatalf("error.code = %q", got)
		}
		if w.Header().Get("X-Trace-ID") == "" {
			t.Fatal("missing X-Trace-ID on error response")
		}
	})

	t.Run("anthropic shape", func(t *testing.T) {
		body := map[string]any{
			"model":      "unknown",
			"max_tokens": 16,
			"messages":   []map[string]any{{"role": "user", "content": "hello"}},
		}
		w := env.do(http.MethodPost, "/v1/messages", env.plainKey, body)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		out := w.Body.String()
		if gjson.Get(out, "type").String() != "error" {
			t.Fatalf("top-level type = %q, want error", gjson.Get(out, "type").String())
		}
		if got := gjson.Get(out, "error.type").String(); got != "model_not_found" {
			t.Fatalf("error.type = %q", got)
		}
	})
}

func TestProxyStreaming(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}],\"usage\":{\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	fw := &fakeForwarder{respond: func(target upstream.Target, path string, body []byte) *upstream.Response {
		r := upstream.NewSyntheticResponse(http.StatusOK, nil, nil)
		r.Stream = io.NopCloser(strings.NewReader(sse))
		return r
	}}
	env := newTestEnv(t, fw)
	env.seedRoute(t, "fast", "openai", "gpt-4o")

	body := chatBody("fast")
	body["stream"] = true
	w := env.do(http.MethodPost, "/v1/chat/completions", env.plainKey, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, `"content":"he"`) || !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("unexpected stream body: %s", out)
	}

	logs, err := env.store.ListLogs(context.Background(), store.LogFilter{})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || !logs[0].Stream || logs[0].OutputTokens != 2 {
		t.Fatalf("unexpected log record: %+v", logs)
	}
}

// brokenStream yields its payload, then fails with a non-EOF error on the
// next read, like an upstream connection reset mid-stream.
type brokenStream struct {
	data *strings.Reader
	err  error
}

func (b *brokenStream) Read(p []byte) (int, error) {
	n, err := b.data.Read(p)
	if err == io.EOF {
		return n, b.err
	}
	return n, err
}

func (b *brokenStream) Close() error { return nil }

func TestProxyStreamingUpstreamErrorStillTerminates(t *testing.T) {
	sse := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hel\"}}\n\n"
	fw := &fakeForwarder{respond: func(target upstream.Target, path string, body []byte) *upstream.Response {
		r := upstream.NewSyntheticResponse(http.StatusOK, nil, nil)
		r.Stream = &brokenStream{data: strings.NewReader(sse), err: errors.New("connection reset by peer")}
		return r
	}}
	env := newTestEnv(t, fw)
	env.seedRoute(t, "fast", "anthropic", "claude-3")

	body := chatBody("fast")
	body["stream"] = true
	w := env.do(http.MethodPost, "/v1/chat/completions", env.plainKey, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	// The client must still receive a terminator after the upstream dies.
	out := w.Body.String()
	if !strings.Contains(out, `"content":"hel"`) {
		t.Fatalf("delta missing from stream: %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("truncated stream not terminated: %s", out)
	}

	logs, err := env.store.ListLogs(context.Background(), store.LogFilter{})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || !strings.Contains(logs[0].Error, "connection reset") {
		t.Fatalf("stream error not recorded: %+v", logs)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(http.MethodGet, "/admin/v1/providers", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}
	if w := env.do(http.MethodGet, "/admin/v1/providers", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", w.Code)
	}
	if w := env.do(http.MethodGet, "/admin/v1/providers", testAdminToken, nil); w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", w.Code)
	}
}

func TestAdminProviderCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	create := env.do(http.MethodPost, "/admin/v1/providers", testAdminToken, map[string]any{
		"name": "openai-main", "base_url": "https://api.openai.com", "protocol": "openai",
		"api_key": "sk-secret", "active": true,
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", create.Code, create.Body.String())
	}
	id := gjson.Get(create.Body.String(), "id").Int()
	if id == 0 {
		t.Fatal("create returned no id")
	}
	if strings.Contains(create.Body.String(), "sk-secret") {
		t.Fatal("create response leaked the provider api key")
	}

	list := env.do(http.MethodGet, "/admin/v1/providers", testAdminToken, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list: status = %d", list.Code)
	}
	if strings.Contains(list.Body.String(), "sk-secret") {
		t.Fatal("list response leaked the provider api key")
	}

	update := env.do(http.MethodPut, fmt.Sprintf("/admin/v1/providers/%d", id), testAdminToken, map[string]any{
		"name": "openai-main", "base_url": "https://eu.api.openai.com", "protocol": "openai", "active": true,
	})
	if update.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", update.Code, update.Body.String())
	}
	// Omitted api_key keeps the stored credential.
	p, err := env.store.GetProvider(context.Background(), id)
	if err != nil || p == nil {
		t.Fatalf("get provider: %v", err)
	}
	if p.APIKey != "sk-secret" || p.BaseURL != "https://eu.api.openai.com" {
		t.Fatalf("provider after update: %+v", p)
	}

	del := env.do(http.MethodDelete, fmt.Sprintf("/admin/v1/providers/%d", id), testAdminToken, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", del.Code)
	}
}

func TestAdminProviderValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/admin/v1/providers", testAdminToken, map[string]any{
		"name": "bad", "base_url": "http://x", "protocol": "grpc",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad protocol: status = %d", w.Code)
	}
	w = env.do(http.MethodPut, "/admin/v1/providers/9999", testAdminToken, map[string]any{
		"name": "ghost", "base_url": "http://x", "protocol": "openai",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing provider: status = %d", w.Code)
	}
}

func TestAdminMappingsAndBindings(t *testing.T) {
	env := newTestEnv(t, nil)

	prov := env.do(http.MethodPost, "/admin/v1/providers", testAdminToken, map[string]any{
		"name": "anthropic-main", "base_url": "https://api.anthropic.com", "protocol": "anthropic", "active": true,
	})
	provID := gjson.Get(prov.Body.String(), "id").Int()

	mapping := env.do(http.MethodPost, "/admin/v1/mappings", testAdminToken, map[string]any{
		"requested_model": "smart", "active": true,
	})
	if mapping.Code != http.StatusCreated {
		t.Fatalf("create mapping: status = %d, body %s", mapping.Code, mapping.Body.String())
	}
	mapID := gjson.Get(mapping.Body.String(), "id").Int()
	if got := gjson.Get(mapping.Body.String(), "strategy").String(); got != "round_robin" {
		t.Fatalf("default strategy = %q", got)
	}

	bad := env.do(http.MethodPost, "/admin/v1/mappings", testAdminToken, map[string]any{
		"requested_model": "broken", "matching_rules": `{"rules":[{"field":"headers.x-tier","operator":"nope"}]}`,
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("invalid rules accepted: status = %d", bad.Code)
	}

	binding := env.do(http.MethodPost, "/admin/v1/bindings", testAdminToken, map[string]any{
		"mapping_id": mapID, "provider_id": provID, "target_model": "claude-sonnet-4-5", "active": true,
	})
	if binding.Code != http.StatusCreated {
		t.Fatalf("create binding: status = %d, body %s", binding.Code, binding.Body.String())
	}
	if got := gjson.Get(binding.Body.String(), "weight").Int(); got != 1 {
		t.Fatalf("default weight = %d, want 1", got)
	}

	list := env.do(http.MethodGet, fmt.Sprintf("/admin/v1/mappings/%d/bindings", mapID), testAdminToken, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list bindings: status = %d", list.Code)
	}
	var bindings []router.Binding
	if err := json.Unmarshal(list.Body.Bytes(), &bindings); err != nil {
		t.Fatalf("decode bindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].TargetModel != "claude-sonnet-4-5" {
		t.Fatalf("bindings = %+v", bindings)
	}
}

func TestAPIKeyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedRoute(t, "fast", "openai", "gpt-4o")

	create := env.do(http.MethodPost, "/admin/v1/apikeys", testAdminToken, map[string]any{"name": "ci"})
	if create.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", create.Code, create.Body.String())
	}
	out := create.Body.String()
	plaintext := gjson.Get(out, "key").String()
	id := gjson.Get(out, "id").Int()
	if !strings.HasPrefix(plaintext, "mr_") {
		t.Fatalf("key = %q, want mr_ prefix", plaintext)
	}

	list := env.do(http.MethodGet, "/admin/v1/apikeys", testAdminToken, nil)
	if strings.Contains(list.Body.String(), plaintext) {
		t.Fatal("list response leaked a plaintext key")
	}
	if !strings.Contains(list.Body.String(), gjson.Get(out, "key_prefix").String()) {
		t.Fatal("list response missing key prefix")
	}

	// The fresh key works until disabled.
	if w := env.do(http.MethodPost, "/v1/chat/completions", plaintext, chatBody("fast")); w.Code != http.StatusOK {
		t.Fatalf("fresh key rejected: status = %d", w.Code)
	}
	patch := env.do(http.MethodPatch, fmt.Sprintf("/admin/v1/apikeys/%d", id), testAdminToken, map[string]any{"active": false})
	if patch.Code != http.StatusOK {
		t.Fatalf("patch: status = %d", patch.Code)
	}
	if w := env.do(http.MethodPost, "/v1/chat/completions", plaintext, chatBody("fast")); w.Code != http.StatusUnauthorized {
		t.Fatalf("disabled key accepted: status = %d", w.Code)
	}

	del := env.do(http.MethodDelete, fmt.Sprintf("/admin/v1/apikeys/%d", id), testAdminToken, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", del.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedRoute(t, "fast", "openai", "gpt-4o")

	w := env.do(http.MethodPost, "/v1/chat/completions", env.plainKey, chatBody("fast"))
	trace := w.Header().Get("X-Trace-ID")

	logs := env.do(http.MethodGet, "/admin/v1/logs?trace_id="+trace, testAdminToken, nil)
	if logs.Code != http.StatusOK {
		t.Fatalf("logs: status = %d", logs.Code)
	}
	var recs []store.RequestLog
	if err := json.Unmarshal(logs.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(recs) != 1 || recs[0].TraceID != trace || recs[0].RequestedModel != "fast" {
		t.Fatalf("logs = %+v", recs)
	}

	if bad := env.do(http.MethodGet, "/admin/v1/logs?since=yesterday", testAdminToken, nil); bad.Code != http.StatusBadRequest {
		t.Fatalf("bad since accepted: status = %d", bad.Code)
	}
}
