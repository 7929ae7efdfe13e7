package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/testutil"
)

const tokenPath = "/oauth2/token"

// tokenTransport redirects id.twitch.tv requests to a test server.
type tokenTransport struct {
	host string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

func tokenServer(t *testing.T, handler http.HandlerFunc) (*TokenSource, *testutil.MockTwitchServer) {
	t.Helper()
	m := testutil.NewMockTwitchServer(t)
	if handler != nil {
		m.Handle(tokenPath, handler)
	}
	ts := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient:   &http.Client{Transport: &tokenTransport{host: m.URL}},
	}
	return ts, m
}

func TestTokenSourceCaches(t *testing.T) {
	ts, m := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "app-token-1",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	})

	ctx := context.Background()
	tok, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "app-token-1" {
		t.Errorf("token = %q, want app-token-1", tok)
	}

	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if got := m.Hits(tokenPath); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (cached)", got)
	}
}

func TestTokenSourceRefetchesNearExpiry(t *testing.T) {
	calls := 0
	ts, m := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "app-token-" + strings.Repeat("x", calls),
			"expires_in":   3600,
		})
	})

	ctx := context.Background()
	first, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Force the cached token inside the expiry buffer.
	ts.mu.Lock()
	ts.expiresAt = time.Now().Add(30 * time.Second)
	ts.mu.Unlock()

	second, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get near expiry: %v", err)
	}
	if second == first {
		t.Errorf("token not refetched near expiry: %q", second)
	}
	if got := m.Hits(tokenPath); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2", got)
	}
}

func TestTokenSourceInvalidate(t *testing.T) {
	ts, m := tokenServer(t, nil)
	m.StubToken("app-token", 3600)

	ctx := context.Background()
	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	ts.Invalidate()
	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if got := m.Hits(tokenPath); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2 after invalidate", got)
	}
}

func TestTokenSourceMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Get without credentials = %v, want missing-credentials error", err)
	}
}

func TestTokenSourceServerErrors(t *testing.T) {
	ts, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	})
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("expected error on 401 response")
	}

	ts, _ = tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 3600})
	})
	if _, err := ts.Get(context.Background()); err == nil || !strings.Contains(err.Error(), "empty access_token") {
		t.Errorf("Get with empty token = %v, want empty access_token error", err)
	}
}

func TestTokenSourceConcurrentGet(t *testing.T) {
	ts, m := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "app-token", "expires_in": 3600})
	})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if tok != "app-token" {
				errs <- nil
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Get: %v", err)
	}
	// The write lock serializes fetches; at most the initial racers each fetch.
	if got := m.Hits(tokenPath); got > 2 {
		t.Errorf("token endpoint hit %d times under concurrency, want <= 2", got)
	}
}
