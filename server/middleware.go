package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// authConfig guards the mutating channel endpoints. Either Basic auth
// (ADMIN_USERNAME + ADMIN_PASSWORD) or a shared token (ADMIN_TOKEN, sent as
// X-Admin-Token) enables it; with neither set the endpoints stay open.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		username: os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
		token:    os.Getenv("ADMIN_TOKEN"),
	}
	cfg.enabled = (cfg.username != "" && cfg.password != "") || cfg.token != ""
	if !cfg.enabled {
		slog.Warn("admin auth not configured; channel mutations are unprotected. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN in production")
	}
	return cfg
}

func (cfg *authConfig) authorized(r *http.Request) bool {
	if !cfg.enabled {
		return true
	}
	if cfg.token != "" {
		got := r.Header.Get("X-Admin-Token")
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(cfg.token)) == 1 {
			return true
		}
	}
	if cfg.username != "" && cfg.password != "" {
		if u, p, ok := r.BasicAuth(); ok {
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(cfg.username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(p), []byte(cfg.password)) == 1
			if userOK && passOK {
				return true
			}
		}
	}
	return false
}

func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="chat-tender admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed",
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))
	})
}

// rateLimiterConfig bounds mutating requests per client IP over a sliding
// window. On by default; RATE_LIMIT_ENABLED=0 disables.
type rateLimiterConfig struct {
	enabled bool
	limit   int
	window  time.Duration
}

func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		limit:   10,
		window:  time.Minute,
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP")); err == nil && n > 0 {
		cfg.limit = n
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// ipRateLimiter keeps per-IP request timestamps. In-memory only: limits are
// per instance, which is adequate for an admin surface.
type ipRateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	cfg     *rateLimiterConfig
}

func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{history: make(map[string][]time.Time), cfg: cfg}
	go rl.sweep(ctx)
	return rl
}

// sweep drops IPs with no requests inside two windows so the map stays
// bounded across long uptimes.
func (rl *ipRateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			horizon := time.Now().Add(-2 * rl.cfg.window)
			rl.mu.Lock()
			for ip, stamps := range rl.history {
				if len(stamps) == 0 || stamps[len(stamps)-1].Before(horizon) {
					delete(rl.history, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-rl.cfg.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	stamps := rl.history[ip]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.cfg.limit {
		rl.history[ip] = kept
		return false
	}
	rl.history[ip] = append(kept, now)
	return true
}

// clientIP extracts the caller address, honoring the first entry of
// X-Forwarded-For when a proxy fronts the service.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ = strings.Cut(fwd, ",")
		ip = strings.TrimSpace(ip)
	}
	if idx := strings.LastIndex(ip, ":"); idx >= 0 {
		ip = ip[:idx]
	}
	return ip
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsConfig: permissive in dev (ENV unset/dev), restricted to
// CORS_ALLOWED_ORIGINS otherwise. CORS_PERMISSIVE=1 forces the dev behavior.
type corsConfig struct {
	origins    []string
	permissive bool
}

func loadCORSConfig() *corsConfig {
	env := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.origins = append(cfg.origins, origin)
		}
	}
	if !cfg.permissive && len(cfg.origins) == 0 {
		slog.Warn("CORS restricted mode with no CORS_ALLOWED_ORIGINS; cross-origin requests will be blocked")
	}
	return cfg
}

const corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
const corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && cfg.allows(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cfg *corsConfig) allows(origin string) bool {
	for _, allowed := range cfg.origins {
		if origin == allowed {
			return true
		}
		// "*.example.com" covers subdomains and the bare domain.
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
