package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/chat-tender/irc"
)

// HandleChannels lists subscriptions (GET), adds one (POST), or replaces the
// whole set (PUT).
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"channels": h.manager.Channels()})
	case http.MethodPost:
		var body struct {
			Channel string `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		ch := irc.NormalizeChannel(body.Channel)
		if ch == "" {
			http.Error(w, "channel required", http.StatusBadRequest)
			return
		}
		h.manager.Subscribe(ch)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "subscribed", "channel": ch})
	case http.MethodPut:
		var body struct {
			Channels []string `json:"channels"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		h.manager.SetChannels(body.Channels)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "reconciled", "channels": h.manager.Channels()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleChannelDispatcher routes /channels/{ch} and its subresources.
func (h *Handlers) HandleChannelDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	parts := strings.SplitN(rest, "/", 2)
	channel := irc.NormalizeChannel(parts[0])
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodDelete:
			h.manager.Unsubscribe(channel)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unsubscribed", "channel": channel})
		case http.MethodGet:
			for _, st := range h.manager.Status() {
				if st.Channel == channel {
					w.Header().Set("Content-Type", "application/json")
					_ = json.NewEncoder(w).Encode(st)
					return
				}
			}
			http.Error(w, "not subscribed", http.StatusNotFound)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "messages":
		h.handleChannelMessages(w, r, channel)
	case "roster":
		h.handleChannelRoster(w, r, channel)
	case "live":
		h.handleChannelLive(w, r, channel)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleChannelMessages returns the in-memory merged message sequence, newest
// last, optionally capped by ?limit.
func (h *Handlers) handleChannelMessages(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msgs := h.store.Messages(channel)
	limit := parseIntQuery(r, "limit", 0)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msgs)
}

// handleChannelRoster returns the channel participant list and the roster
// change counter clients poll against.
func (h *Handlers) handleChannelRoster(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel":      channel,
		"version":      h.roster.Version(),
		"participants": h.roster.Participants(channel),
	})
}
