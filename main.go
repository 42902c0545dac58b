// Command threadwatch relays new replies of Reddit threads into Discord channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts one watch loop per configured Discord server (group).
//   - Listens for chat commands that configure the groups.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/threadwatch/config"
	"github.com/onnwee/threadwatch/db"
	"github.com/onnwee/threadwatch/discord"
	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/server"
	"github.com/onnwee/threadwatch/telemetry"
	"github.com/onnwee/threadwatch/watch"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("discord not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("threadwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded SQL covers databases the
	// migrator cannot handle.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := discord.NewSession(cfg.DiscordBotToken)
	if err != nil {
		slog.Error("discord session", slog.Any("err", err))
		os.Exit(1)
	}
	sink := discord.NewSink(session)

	opts := reddit.Options{
		APIBase:      cfg.RedditAPIBase,
		TokenURL:     cfg.RedditTokenURL,
		Timeout:      cfg.RequestTimeout,
		ExpansionCap: cfg.ExpansionCap,
		Cache:        store,
	}
	watcher := &watch.Watcher{
		Store: store,
		Dial: func(ctx context.Context, creds reddit.Credentials) (watch.Source, error) {
			s, err := reddit.Dial(ctx, creds, opts)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Sink:     sink,
		Notifier: watch.NewNotifier(sink, cfg.DiscordAdminChannelID, cfg.AlertAfterFailures),
		Interval: cfg.PollInterval,
	}
	manager := watch.NewManager(watcher)

	cmds := &discord.Commands{
		Store:   store,
		Prefix:  cfg.DiscordCommandPrefix,
		OwnerID: cfg.DiscordOwnerID,
		Ensure:  manager.Ensure,
		Timeout: cfg.RequestTimeout,
	}
	cmds.Register(session)
	if cfg.DiscordOwnerID == "" {
		slog.Warn("DISCORD_OWNER_ID not set; setapi is disabled, use PUT /admin/credentials", slog.String("component", "discord_commands"))
	}
	if err := session.Open(); err != nil {
		slog.Error("open discord session", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("failed to close discord session", slog.Any("err", err))
		}
	}()

	if err := manager.Start(ctx); err != nil {
		slog.Error("failed to start watch loops", slog.Any("err", err))
		os.Exit(1)
	}

	if !server.AdminAuthEnabled() {
		slog.Warn("admin API authentication disabled: anyone reaching HTTP_ADDR can replace the reddit credentials and retarget groups; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("component", "http"))
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, store, manager)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	manager.Wait()
}
