package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/testutil"
)

// rewriteTransport redirects any request to the test server host.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(t.host)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return t.Transport.RoundTrip(req)
}

func TestHelixClient_ResolveUser(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		want        UserInfo
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser", "display_name": "TestUser", "profile_image_url": "https://cdn.example/u.png"},
				},
			},
			statusCode: http.StatusOK,
			want:       UserInfo{ID: "12345", Login: "testuser", DisplayName: "TestUser", ProfileImageURL: "https://cdn.example/u.png"},
			wantErr:    false,
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewMockTwitchServer(t)
			server.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			})

			ts := &TokenSource{
				ClientID:     "test-client-id",
				ClientSecret: "test-secret",
			}
			// Pre-seed the token to avoid OAuth calls
			ts.token = "test-token"
			ts.expiresAt = time.Now().Add(1 * time.Hour)

			client := &HelixClient{
				AppTokenSource: ts,
				ClientID:       "test-client-id",
				HTTPClient: &http.Client{
					Transport: &rewriteTransport{
						Transport: http.DefaultTransport,
						host:      server.URL,
					},
				},
			}

			got, err := client.ResolveUser(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("ResolveUser() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ResolveUser() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("ResolveUser() unexpected error = %v", err)
				return
			}

			if got != tt.want {
				t.Errorf("ResolveUser() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	server := testutil.NewMockTwitchServer(t)
	server.StubUser("999", "someone", "", "")

	ts := &TokenSource{ClientID: "c", ClientSecret: "s"}
	ts.token = "test-token"
	ts.expiresAt = time.Now().Add(time.Hour)

	client := &HelixClient{
		AppTokenSource: ts,
		ClientID:       "c",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}
	id, err := client.GetUserID(context.Background(), "someone")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "999" {
		t.Errorf("GetUserID() = %s, want 999", id)
	}
	if got := server.Hits("/helix/users"); got != 1 {
		t.Errorf("users endpoint hit %d times, want 1", got)
	}
}
