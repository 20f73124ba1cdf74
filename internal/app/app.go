// Package app assembles the featurepilot service from its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/config"
	"featurepilot/internal/db"
	"featurepilot/internal/engine"
	"featurepilot/internal/hub"
	"featurepilot/internal/metrics"
	"featurepilot/internal/migrate"
	"featurepilot/internal/notify"
	"featurepilot/internal/reconcile"
	"featurepilot/internal/server"
	"featurepilot/internal/supervise"
)

// Options control how the service is assembled.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	// Agents replaces the HTTP agent client, mainly for tests.
	Agents engine.AgentService
}

// App is a fully wired service. Close releases it.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Log        *slog.Logger
	Engine     *engine.Engine
	Hub        *hub.Hub
	Reconciler *reconcile.Reconciler
	Notifier   *notify.Notifier
	Supervisor *supervise.Supervisor
	Metrics    *metrics.Recorder
	Handler    http.Handler
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenDB opens and migrates the workspace database.
func OpenDB(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// New opens the store and wires every component. Background tasks run under
// ctx until Close.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	log := opts.Logger
	if log == nil {
		log = NewLogger(cfg, nil)
	}
	conn, err := OpenDB(ctx, opts.Workspace)
	if err != nil {
		return nil, err
	}

	rec := metrics.New()
	agents := opts.Agents
	if agents == nil {
		client := agentclient.New(cfg.Agent.BaseURL, cfg.Agent.APIKey)
		client.Timeout = cfg.AgentTimeout()
		client.Recorder = rec
		agents = client
	}

	authCfg := server.AuthConfig{
		JWTSecret:          cfg.Auth.JWTSecret,
		AllowDevUserHeader: cfg.Auth.AllowDevUserHeader,
		Logger:             log.With("component", "auth"),
	}
	h := hub.New(hub.Config{
		WriteTimeout: cfg.HubWriteTimeout(),
		Authenticate: server.HubAuthenticator(authCfg),
		Logger:       log.With("component", "hub"),
		Metrics:      rec,
	})

	eng := engine.New(conn, cfg, agents, h)
	eng.Log = log.With("component", "engine")
	eng.Metrics = rec

	sup := supervise.New(ctx, log.With("component", "supervisor"), failOnPollError(eng, log))
	reconciler := reconcile.New(eng, sup, log.With("component", "reconcile"), reconcile.Options{
		Secret:       cfg.Webhook.Secret,
		PollInterval: cfg.PollInterval(),
		MaxAttempts:  cfg.Poll.MaxAttempts,
		Poll:         !cfg.WebhooksEnabled() || cfg.Poll.Always,
	})
	eng.Watcher = reconciler

	notifier := notify.New(eng.Repo, cfg.Notify.Hooks, cfg.NotifyInterval(), log.With("component", "notify"))
	notifier.Metrics = rec
	if notifier.Active() {
		sup.Go("notify", notifier.Run)
	}

	var webhooks server.WebhookHandler
	if cfg.WebhooksEnabled() {
		webhooks = reconciler
	}
	handler, err := server.New(server.Config{
		Engine:       eng,
		Webhooks:     webhooks,
		Hub:          h,
		Metrics:      rec,
		BasePath:     cfg.Server.BasePath,
		MaxBodyBytes: cfg.MaxBodyBytes(),
		Auth:         authCfg,
		Logger:       log.With("component", "server"),
	})
	if err != nil {
		_ = sup.Shutdown(ctx)
		conn.Close()
		return nil, err
	}

	return &App{
		DB:         conn,
		Config:     cfg,
		Log:        log,
		Engine:     eng,
		Hub:        h,
		Reconciler: reconciler,
		Notifier:   notifier,
		Supervisor: sup,
		Metrics:    rec,
		Handler:    handler,
	}, nil
}

// failOnPollError fails the orchestration whose poll loop gave up or panicked.
func failOnPollError(eng *engine.Engine, log *slog.Logger) supervise.ErrorHandler {
	return func(key string, err error) {
		var pe *reconcile.PollError
		if !errors.As(err, &pe) {
			log.Error("background task failed", "task", key, "error", err)
			return
		}
		reason := "agent polling stopped: " + pe.Err.Error()
		if ferr := eng.Fail(context.Background(), pe.OrchestrationID, reason); ferr != nil {
			log.Error("fail orchestration after poll error", "orchestration_id", pe.OrchestrationID, "error", ferr)
		}
	}
}

// Close stops background tasks and closes the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Supervisor.Shutdown(ctx)
	if cerr := a.DB.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
