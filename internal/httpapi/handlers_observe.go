package httpapi

import (
	"fmt"
	"net/http"
	"time"
)

// StatsHandler returns request-log aggregates per (model, provider).
// An optional ?since=RFC3339 narrows the window.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if s := r.URL.Query().Get("since"); s != "" {
			parsed, err := time.Parse(time.RFC3339, s)
			if err != nil {
				jsonError(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			since = parsed
		}
		stats, err := d.Store.UsageStats(r.Context(), since)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
	}
}

// EventsHandler streams gateway events as SSE until the client disconnects.
func EventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := d.Events.Subscribe(64)
		defer d.Events.Unsubscribe(sub)

		// Heartbeat keeps idle connections from being reaped by proxies.
		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case e := <-sub.C:
				if _, err := fmt.Fprintf(w, "data: %s\n\n", e.JSON()); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
