package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/trellis-labs/trellis/config"
	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/engine"
	"github.com/trellis-labs/trellis/graphstore"
	"github.com/trellis-labs/trellis/irisinvoker"
	"github.com/trellis-labs/trellis/otel"
	"github.com/trellis-labs/trellis/schedule"
	"github.com/trellis-labs/trellis/server"
	"github.com/trellis-labs/trellis/webhook"
)

const shutdownGrace = 10 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trellis HTTP daemon",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to trellis.yaml")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("cors-origin", "", "CORS allow origin (overrides config)")
	cmd.Flags().Int64("max-body", 0, "Request body limit in bytes (overrides config)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key openai=sk-...)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	keys, err := resolveProviderKeys(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otel.Setup(ctx, otel.SetupConfig{
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		Insecure:    cfg.Otel.Insecure,
	})
	if err != nil {
		return exitError(exitRuntime, "otel setup: %v", err)
	}

	ttl, _ := cfg.Retention.TTLDuration()
	retentionAge, _ := cfg.Store.RetentionAgeDuration()

	var graphStore core.GraphStore
	var sqlite *graphstore.SQLiteStore
	if cfg.Store.DSN != "" {
		sqlite, err = graphstore.NewSQLiteStore(graphstore.SQLiteStoreConfig{
			DSN:          cfg.Store.DSN,
			RetentionAge: retentionAge,
		})
		if err != nil {
			return exitError(exitRuntime, "opening snapshot store: %v", err)
		}
		graphStore = sqlite
	} else {
		graphStore = graphstore.NewMemStore()
	}

	eng := engine.New(engine.Config{
		Invoker:             irisinvoker.New(irisinvoker.Config{APIKeys: keys}),
		Broker:              cfg.Broker(),
		GraphStore:          graphStore,
		Logger:              logger,
		RetentionMaxPerUser: cfg.Retention.MaxPerUser,
		RetentionTTL:        ttl,
	})

	if cfg.Otel.Endpoint != "" {
		tracer := otelapi.Tracer("trellis")
		meter := otelapi.Meter("trellis")

		eng.Bus().AddObserver(otel.NewTracingObserver(tracer))
		metricsObs, err := otel.NewMetricsObserver(meter)
		if err != nil {
			return exitError(exitRuntime, "otel metrics: %v", err)
		}
		eng.Bus().AddObserver(metricsObs)
		toolObs, err := otel.NewToolObserver(meter, tracer)
		if err != nil {
			return exitError(exitRuntime, "otel metrics: %v", err)
		}
		eng.SetToolObserver(toolObs)
	}

	webhooks := webhook.NewRegistry(eng, strings.TrimRight(cfg.BaseURL, "/")+"/hooks")

	scheduler, err := schedule.NewScheduler(schedule.SchedulerConfig{
		Trigger: webhooks,
		Logger:  logger,
	})
	if err != nil {
		return exitError(exitRuntime, "scheduler: %v", err)
	}
	scheduler.Start()

	srv := server.NewServer(server.ServerConfig{
		Engine:     eng,
		Webhooks:   webhooks,
		Scheduler:  scheduler,
		CORSOrigin: cfg.CORSOrigin,
		MaxBody:    cfg.MaxBody,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := scheduler.Close(); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	eng.Shutdown()
	if sqlite != nil {
		if err := sqlite.Close(); err != nil {
			logger.Warn("snapshot store close", "error", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", "error", err)
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if origin, _ := cmd.Flags().GetString("cors-origin"); origin != "" {
		cfg.CORSOrigin = origin
	}
	if maxBody, _ := cmd.Flags().GetInt64("max-body"); maxBody > 0 {
		cfg.MaxBody = maxBody
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
