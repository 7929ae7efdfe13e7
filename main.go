// Command chat-tender is the main entrypoint for the chat ingestion API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the chat manager (one IRC-over-WebSocket connection per channel)
//     and the Twitch OAuth token refresher.
//   - Exposes an HTTP server with /healthz, /status, /metrics, channel
//     subscription management, and live SSE streams.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/oauth"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Helix client for identity resolution; only useful with app credentials.
	var helix *twitchapi.HelixClient
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := helix.AppTokenSource.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			masked := "***" + tok[len(tok)-6:]
			slog.Info("twitch app token acquired", slog.String("tail", masked))
		}
		cancel()
	}

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for images without the sql files
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat engine: shared collectors plus the connection manager.
	store := chat.NewMessageStore()
	roster := chat.NewRoster()
	archiver := &chat.Archiver{DB: database}

	// History backfill prefers the external endpoint; without one, replay the
	// local archive so a restart does not lose the recent window.
	var history chat.HistoryFetcher = archiver
	if cfg.HistoryURL != "" {
		history = &chat.HistoryClient{BaseURL: strings.TrimRight(cfg.HistoryURL, "/")}
	}

	var identity chat.IdentityResolver
	if helix != nil {
		identity = &helixIdentityResolver{helix: helix}
	}

	manager := chat.NewManager(chat.ManagerConfig{
		EndpointURL:       cfg.IRCEndpointURL,
		PrimaryChannel:    cfg.TwitchChannel,
		HistoryLimit:      cfg.HistoryLimit,
		CredsPollInterval: cfg.CredsPollInterval,
		TrimInterval:      cfg.TrimInterval,
		Credentials:       &chat.StoredTokenSource{DB: database, BotLogin: cfg.TwitchBotUsername, Identity: identity},
		History:           history,
		Archive:           archiver,
	}, store, roster)

	channels := cfg.AllChannels()
	if len(channels) == 0 {
		slog.Info("no channels configured; subscribe via POST /channels or TWITCH_CHANNEL")
	}
	go manager.Run(ctx)
	manager.SetChannels(channels)

	// Twitch OAuth token refresher; a successful refresh nudges the manager so
	// the primary connection picks the new token up immediately.
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	}, func() {
		manager.RefreshCredentials(ctx)
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/channels)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":" + cfg.Port
	}
	go func() {
		if err := server.Start(ctx, database, addr, manager, store, roster); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// helixIdentityResolver adapts the Helix client to the chat engine's resolver.
type helixIdentityResolver struct{ helix *twitchapi.HelixClient }

func (r *helixIdentityResolver) ResolveUser(ctx context.Context, login string) (chat.Identity, error) {
	u, err := r.helix.ResolveUser(ctx, login)
	if err != nil {
		return chat.Identity{}, err
	}
	return chat.Identity{UserID: u.ID, Login: u.Login, DisplayName: u.DisplayName}, nil
}
