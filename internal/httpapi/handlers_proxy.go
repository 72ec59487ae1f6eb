package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/apikey"
	"github.com/modelrelay/modelrelay/internal/proxy"
)

const (
	// maxBodyBytes bounds inbound request bodies (10 MB).
	maxBodyBytes = 10 * 1024 * 1024
	// maxStreamBytes limits streamed response size (100 MB).
	maxStreamBytes = 100 * 1024 * 1024
)

// ProxyHandler serves one proxy endpoint for the given client protocol.
func ProxyHandler(d Dependencies, protocol, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeProxyError(w, protocol, &proxy.ServiceError{
				Code: "invalid_request", Message: "failed to read request body", Status: http.StatusBadRequest,
			})
			return
		}
		if len(body) > maxBodyBytes {
			writeProxyError(w, protocol, &proxy.ServiceError{
				Code: "invalid_request", Message: "request body too large", Status: http.StatusRequestEntityTooLarge,
			})
			return
		}

		req := &proxy.Request{
			Protocol: protocol,
			Path:     path,
			Headers:  r.Header,
			Body:     body,
			APIKey:   apikey.FromContext(r.Context()),
		}

		res, serr := d.Proxy.Handle(r.Context(), req)
		if serr != nil {
			w.Header().Set("X-Trace-ID", serr.TraceID)
			writeProxyError(w, protocol, serr)
			return
		}

		w.Header().Set("X-Trace-ID", res.TraceID)
		w.Header().Set("X-Target-Model", res.TargetModel)
		w.Header().Set("X-Provider", res.ProviderName)

		if res.Streaming() {
			streamResponse(w, res)
			return
		}

		if res.ContentType != "" {
			w.Header().Set("Content-Type", res.ContentType)
		}
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
	}
}

// streamResponse copies the upstream SSE body through the translator,
// flushing each chunk. The log record is persisted via FinishStream.
func streamResponse(w http.ResponseWriter, res *proxy.Result) {
	defer func() { _ = res.Stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var totalBytes int64
	var streamErr error
	var clientGone bool

	for {
		n, readErr := res.Stream.Read(buf)
		if n > 0 {
			totalBytes += int64(n)
			if totalBytes > maxStreamBytes {
				slog.Warn("stream: max size exceeded, terminating",
					slog.String("trace_id", res.TraceID),
					slog.Int64("bytes", totalBytes))
				streamErr = io.ErrShortWrite
				break
			}
			out := res.Translator.Feed(buf[:n])
			if len(out) > 0 {
				if _, writeErr := w.Write(out); writeErr != nil {
					streamErr = writeErr
					clientGone = true
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				streamErr = readErr
			}
			break
		}
	}

	// Even a truncated upstream gets a protocol-appropriate terminator;
	// only a dead client connection makes writing it pointless.
	if tail := res.Translator.Finish(); len(tail) > 0 && !clientGone {
		_, _ = w.Write(tail)
		if flusher != nil {
			flusher.Flush()
		}
	}

	res.FinishStream(streamErr)
}

// writeProxyError renders a ServiceError in the client protocol's error
// envelope.
func writeProxyError(w http.ResponseWriter, protocol string, serr *proxy.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serr.Status)

	var payload any
	if protocol == "anthropic" {
		payload = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    serr.Code,
				"message": serr.Message,
			},
		}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    serr.Code,
				"message": serr.Message,
				"type":    "invalid_request_error",
			},
		}
	}
	_ = json.NewEncoder(w).Encode(payload)
}
