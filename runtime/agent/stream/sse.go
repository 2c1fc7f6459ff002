package stream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// heartbeatInterval is how often an SSE comment is written to keep
// intermediaries from closing an idle connection.
const heartbeatInterval = 15 * time.Second

// SSEHandler serves a run's event stream over Server-Sent Events. The run id
// is taken from the "run_id" query parameter (or the final path segment when
// mounted under a pattern with a {run_id} wildcard), and the optional
// "after_seq" parameter resumes from a previous cursor.
//
// Each event is written as a single "data: <json>\n\n" frame carrying the
// full envelope, so a reconnecting client can resume from the sequence of the
// last frame it processed.
func SSEHandler(sub *Subscriber) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if runID == "" {
			runID = r.URL.Query().Get("run_id")
		}
		if runID == "" {
			http.Error(w, "missing run_id", http.StatusBadRequest)
			return
		}
		var afterSeq int64
		if raw := r.URL.Query().Get("after_seq"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "invalid after_seq", http.StatusBadRequest)
				return
			}
			afterSeq = n
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, err := sub.Subscribe(r.Context(), runID, afterSeq)
		if err != nil {
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := w.Write([]byte(": ping\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := w.Write([]byte("data: ")); err != nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if _, err := w.Write([]byte("\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
