package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_relay/internal/bot"
	"github.com/italolelis/seedbox_relay/internal/chat/telegram"
	"github.com/italolelis/seedbox_relay/internal/classify"
	"github.com/italolelis/seedbox_relay/internal/cleanup"
	"github.com/italolelis/seedbox_relay/internal/config"
	"github.com/italolelis/seedbox_relay/internal/dispatch"
	"github.com/italolelis/seedbox_relay/internal/engine/deluge"
	"github.com/italolelis/seedbox_relay/internal/engine/embedded"
	"github.com/italolelis/seedbox_relay/internal/engine/putio"
	"github.com/italolelis/seedbox_relay/internal/http/rest"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/notifier"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/storage/sqlite"
	"github.com/italolelis/seedbox_relay/internal/telemetry"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("seedbox relay starting...", "version", version, "engine", cfg.Engine, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}

	logger.Info("seedbox relay stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "seedbox_relay",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedSessionRepository(database, tel)

	// =========================================================================
	// Start Download Engine
	engine, closeEngine, err := buildEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build download engine: %w", err)
	}

	defer func() {
		if err := closeEngine(); err != nil {
			logger.Error("failed to close download engine", "err", err)
		}
	}()

	instrumented := transfer.NewInstrumentedEngine(engine, tel, cfg.Engine)

	// =========================================================================
	// Start Pipeline
	payloadLimit, err := cfg.PayloadLimit()
	if err != nil {
		return err
	}

	messenger, err := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token, nil)
	if err != nil {
		return err
	}

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}

	orchestrator := transfer.NewOrchestrator(ctx,
		instrumented,
		session.NewRegistry(),
		messenger,
		dispatch.New(messenger, classify.New(), payloadLimit, cfg.PacingInterval, tel),
		cleanup.New(instrumented, cfg.DownloadDir),
		transfer.Options{
			EngineName:     cfg.Engine,
			PollInterval:   cfg.PollInterval,
			ProgressStep:   cfg.ProgressStep,
			Policy:         transfer.SessionPolicy(cfg.SessionPolicy),
			CleanupTimeout: cfg.CleanupTimeout,
			History:        history,
			Notifier:       notif,
			Telemetry:      tel,
		},
	)

	if err := orchestrator.Reconcile(ctx); err != nil {
		logger.Error("failed to reconcile abandoned sessions", "err", err)
	}

	// =========================================================================
	// Start Chat Poller
	pollerErrors := make(chan error, 1)

	go func() {
		h := bot.NewHandler(orchestrator, messenger, cfg.AllowedUsers)
		pollerErrors <- messenger.Poll(ctx, h.Handle)
	}()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, orchestrator, history, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Sweeper
	setupSweeper(ctx, cfg, orchestrator)

	logger.Info("waiting for download requests...",
		"download_dir", cfg.DownloadDir,
		"poll_interval", cfg.PollInterval.String(),
		"session_policy", cfg.SessionPolicy,
	)

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-pollerErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("chat poller error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give monitors and outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop all downloads", "err", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	return runErr
}

type authenticator interface {
	Authenticate(ctx context.Context) error
}

// This is an abstract factory for the download engine.
func buildEngine(ctx context.Context, cfg *config.Config) (transfer.Engine, func() error, error) {
	noop := func() error { return nil }

	var engine transfer.Engine

	switch cfg.Engine {
	case config.EngineEmbedded:
		limit, err := cfg.EmbeddedRateLimit()
		if err != nil {
			return nil, nil, err
		}

		e, err := embedded.New(embedded.Config{
			DataDir:           cfg.DownloadDir,
			ListenPort:        cfg.Embedded.ListenPort,
			DownloadRateLimit: limit,
			NoDHT:             cfg.Embedded.NoDHT,
		})
		if err != nil {
			return nil, nil, err
		}

		return e, e.Close, nil
	case config.EngineDeluge:
		engine = deluge.NewClient(cfg.Deluge.BaseURL, cfg.Deluge.APIPath, cfg.Deluge.Password, cfg.DownloadDir, cfg.Deluge.Insecure)
	case config.EnginePutio:
		engine = putio.NewClient(cfg.Putio.Token, cfg.DownloadDir, cfg.MaxParallel)
	default:
		return nil, nil, fmt.Errorf("invalid download engine: %s", cfg.Engine)
	}

	if a, ok := engine.(authenticator); ok {
		if err := a.Authenticate(ctx); err != nil {
			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}
	}

	return engine, noop, nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	orchestrator *transfer.Orchestrator,
	history *sqlite.InstrumentedSessionRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	sessions := rest.NewSessionsHandler(cfg.Web.Username, cfg.Web.Password, orchestrator, history, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/api/v1", sessions.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupSweeper(ctx context.Context, cfg *config.Config, orchestrator *transfer.Orchestrator) {
	logger := logctx.LoggerFromContext(ctx)

	// Dot-files hold engine state such as the embedded client's piece completion database.
	keep := func(path string) bool {
		return strings.HasPrefix(filepath.Base(path), ".") || orchestrator.Owns(path)
	}

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("sweeper goroutine shutting down.")

				return
			case <-ticker.C:
				if err := cleanup.SweepStale(ctx, cfg.DownloadDir, cfg.KeepOrphanedFor, keep); err != nil {
					logger.Error("failed to sweep stale files", "err", err)
				}
			}
		}
	}()
}
