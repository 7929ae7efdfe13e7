package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// handleChannelLive streams newly merged messages for a channel as
// Server-Sent Events. An optional ?backlog=N replays the most recent N stored
// messages before going live.
func (h *Handlers) handleChannelLive(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	enc := json.NewEncoder(w)
	writeEvent := func(v any) bool {
		if _, err := w.Write([]byte("data: ")); err != nil {
			slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
			return false
		}
		if err := enc.Encode(v); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if backlog := parseIntQuery(r, "backlog", 0); backlog > 0 {
		msgs := h.store.Messages(channel)
		if len(msgs) > backlog {
			msgs = msgs[len(msgs)-backlog:]
		}
		for i := range msgs {
			if !writeEvent(&msgs[i]) {
				return
			}
		}
	}

	updates, cancel := h.store.Watch(channel)
	defer cancel()

	ctx := r.Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			// Comment frame keeps intermediaries from timing out the stream.
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if !writeEvent(&msg) {
				return
			}
		}
	}
}
