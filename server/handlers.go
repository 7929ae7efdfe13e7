// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/chat"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	manager    *chat.Manager
	store      *chat.MessageStore
	roster     *chat.Roster
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, manager *chat.Manager, store *chat.MessageStore, roster *chat.Roster) *Handlers {
	return &Handlers{
		db:         db,
		manager:    manager,
		store:      store,
		roster:     roster,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refusing past the cap beats a memory exhaustion attack.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = expiry
}

// HandleStatus reports the per-channel connection states plus roster version.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"channels":      h.manager.Status(),
		"rosterVersion": h.roster.Version(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// parseIntQuery reads an integer query parameter, falling back to def when
// absent or malformed.
func parseIntQuery(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}

// HandleConfig exposes the sanitized runtime configuration (no secrets).
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{
		"primaryChannel":     os.Getenv("TWITCH_CHANNEL"),
		"channels":           h.manager.Channels(),
		"historyConfigured":  os.Getenv("CHAT_HISTORY_URL") != "",
		"twitchOAuthEnabled": os.Getenv("TWITCH_CLIENT_ID") != "" && os.Getenv("TWITCH_REDIRECT_URI") != "",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
