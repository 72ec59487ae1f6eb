// Package upstream issues provider-bound HTTP calls and measures them.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const anthropicVersion = "2023-06-01"

// Target describes where a request is forwarded and how to authenticate.
type Target struct {
	BaseURL  string
	Protocol string // "openai" or "anthropic"
	APIKey   string
}

// Response is the outcome of one upstream attempt. Network-level failures are
// reported with Status 0 and Err set; callers treat them like 5xx.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte        // buffered responses
	Stream  io.ReadCloser // streaming responses; nil otherwise
	Err     error

	timing *timing
}

// Success reports whether the attempt completed with a non-error status.
func (r *Response) Success() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 400
}

// Transient reports whether the failure class warrants a same-provider retry.
func (r *Response) Transient() bool {
	return r.Status == 0 || r.Status >= 500
}

// TTFBMs returns the time to first upstream byte in milliseconds.
func (r *Response) TTFBMs() int64 { return r.timing.firstByteMs.Load() }

// TotalMs returns the full attempt duration in milliseconds. For streaming
// responses it is finalized when the stream is closed or drained.
func (r *Response) TotalMs() int64 { return r.timing.totalMs.Load() }

type timing struct {
	start       time.Time
	firstByteMs atomic.Int64
	totalMs     atomic.Int64
	done        atomic.Bool
}

func newTiming() *timing { return &timing{start: time.Now()} }

func (t *timing) markFirstByte() {
	t.firstByteMs.Store(time.Since(t.start).Milliseconds())
}

func (t *timing) markDone() {
	if t.done.CompareAndSwap(false, true) {
		t.totalMs.Store(time.Since(t.start).Milliseconds())
	}
}

// NewSyntheticResponse builds a Response for a failure that happened before
// any bytes went upstream, such as a request conversion error.
func NewSyntheticResponse(status int, body []byte, err error) *Response {
	t := newTiming()
	t.markDone()
	return &Response{Status: status, Body: body, Err: err, timing: t}
}

// strippedHeaders are hop-by-hop and identity headers that must not travel to
// the provider. The client's own credential headers are replaced with the
// provider's.
var strippedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"content-encoding":  {},
	"accept-encoding":   {},
	"connection":        {},
	"transfer-encoding": {},
	"authorization":     {},
	"x-api-key":         {},
}

// Client forwards JSON requests to providers. It keeps a separate transport
// configuration for streaming so long-lived SSE bodies are not cut off by the
// buffered request timeout.
type Client struct {
	buffered  *http.Client
	streaming *http.Client
}

// NewClient builds a Client whose buffered requests time out after timeout.
// Streaming requests only bound the time to response headers.
func NewClient(timeout time.Duration) *Client {
	return NewClientWithTransport(timeout, http.DefaultTransport)
}

// NewClientWithTransport is NewClient with a caller-supplied base transport,
// used to layer trace propagation onto outbound requests.
func NewClientWithTransport(timeout time.Duration, transport http.RoundTripper) *Client {
	return &Client{
		buffered: &http.Client{Timeout: timeout, Transport: transport},
		streaming: &http.Client{Transport: &headerTimeoutTransport{
			base:    transport,
			timeout: timeout,
		}},
	}
}

// headerTimeoutTransport bounds only the wait for response headers, leaving
// the body open-ended.
type headerTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if base, ok := t.base.(*http.Transport); ok {
		clone := base.Clone()
		clone.ResponseHeaderTimeout = t.timeout
		return clone.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// Forward sends body to target.BaseURL+path and returns the attempt outcome.
// In streaming mode the response body is handed back as Response.Stream; the
// caller must close it, which releases the connection and finalizes TotalMs.
func (c *Client) Forward(ctx context.Context, target Target, path, method string, headers http.Header, body []byte, stream bool) *Response {
	tm := newTiming()
	resp := &Response{timing: tm}

	url := strings.TrimRight(target.BaseURL, "/") + path
	ctx, span := otel.Tracer("modelrelay.upstream").Start(ctx, "upstream.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("upstream.protocol", target.Protocol),
			attribute.Bool("upstream.stream", stream),
		),
	)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		span.End()
		resp.Err = fmt.Errorf("create request: %w", err)
		tm.markDone()
		return resp
	}

	req.Header = prepareHeaders(headers, target, stream)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := c.buffered
	if stream {
		client = c.streaming
	}
	httpResp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		resp.Err = fmt.Errorf("upstream request: %w", err)
		tm.markDone()
		return resp
	}

	tm.markFirstByte()
	resp.Status = httpResp.StatusCode
	resp.Headers = httpResp.Header
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	if stream && resp.Success() {
		// The span ends when the caller closes the stream.
		span.SetStatus(codes.Ok, "")
		resp.Stream = &timingReader{rc: httpResp.Body, t: tm, span: span}
		return resp
	}

	defer func() { _ = httpResp.Body.Close() }()
	raw, err := io.ReadAll(httpResp.Body)
	tm.markDone()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		span.End()
		resp.Status = 0
		resp.Err = fmt.Errorf("read upstream response: %w", err)
		return resp
	}
	resp.Body = raw
	if resp.Success() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.Status))
	}
	span.End()
	return resp
}

// prepareHeaders copies the client headers minus the stripped set and injects
// the provider credential for the target protocol. Streaming requests
// announce SSE via Accept.
func prepareHeaders(headers http.Header, target Target, stream bool) http.Header {
	out := make(http.Header, len(headers)+3)
	for name, values := range headers {
		if _, drop := strippedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("Content-Type", "application/json")
	if stream {
		out.Set("Accept", "text/event-stream")
	}
	if target.APIKey != "" {
		if target.Protocol == "anthropic" {
			out.Set("x-api-key", target.APIKey)
			out.Set("anthropic-version", anthropicVersion)
		} else {
			out.Set("Authorization", "Bearer "+target.APIKey)
		}
	}
	return out
}

// timingReader finalizes attempt timing and the client span when the stream
// is exhausted or closed.
type timingReader struct {
	rc   io.ReadCloser
	t    *timing
	span trace.Span
}

func (tr *timingReader) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if err == io.EOF {
		tr.t.markDone()
	}
	return n, err
}

func (tr *timingReader) Close() error {
	tr.t.markDone()
	tr.span.End()
	return tr.rc.Close()
}
