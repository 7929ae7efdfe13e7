package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer stubs the Twitch edge behind a single httptest server:
// Helix lookups on /helix/users and token grants on /oauth2/token. Requests
// route by path, unhandled paths get a 404, and hits are counted per path so
// tests can assert caching behavior.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		h := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler for one path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Hits reports how many requests reached a path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// StubUser answers every /helix/users lookup with a single user record.
func (m *MockTwitchServer) StubUser(id, login, displayName, avatarURL string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{
				"id":                id,
				"login":             login,
				"display_name":      displayName,
				"profile_image_url": avatarURL,
			}},
		})
	})
}

// StubToken answers every /oauth2/token grant with a fixed token.
func (m *MockTwitchServer) StubToken(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}
