package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/candorlabs/foreman/internal/config"
	"github.com/candorlabs/foreman/internal/events"
	"github.com/candorlabs/foreman/internal/httpapi"
	"github.com/candorlabs/foreman/internal/observability"
	"github.com/candorlabs/foreman/internal/orchestrator"
	"github.com/candorlabs/foreman/internal/planner"
	"github.com/candorlabs/foreman/internal/runner"
	"github.com/candorlabs/foreman/internal/syncer"
	"github.com/candorlabs/foreman/internal/task"
)

func main() {
	log := newLogger(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	log = newLogger(cfg.LogLevel)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := task.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer store.Close()

	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	log.Info().Str("store_mode", storeMode).Msg("store ready")

	var run runner.Runner
	switch strings.ToLower(strings.TrimSpace(cfg.RunnerMode)) {
	case "", "docker":
		run = runner.NewDockerRunner(runner.DockerConfig{
			BinaryPath: cfg.DockerBinary,
			Image:      cfg.DockerImage,
			Workdir:    cfg.DockerWorkdir,
		})
		log.Info().Str("image", cfg.DockerImage).Msg("runner: docker")
	case "mock":
		run = runner.NewMockRunner()
		log.Info().Msg("runner: mock")
	default:
		log.Fatal().Str("mode", cfg.RunnerMode).Msg("invalid RUNNER_MODE (expected docker|mock)")
	}

	pub := events.NewPublisher()

	engine := orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.MaxConcurrentExecutions,
		ExecutionTimeout: cfg.ExecutionTimeout,
		ProposalTimeout:  cfg.ProposalTimeout,
	}, store, run, pub, metrics, log)
	defer engine.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var sync httpapi.SyncRunner
	if strings.TrimSpace(cfg.PlannerBaseURL) != "" {
		client := planner.NewHTTPClient(cfg.PlannerBaseURL, cfg.PlannerToken)
		rec := syncer.New(engine, client, pub, metrics, log, cfg.PlannerBucketID, cfg.SyncInterval)
		sync = rec
		go func() {
			_ = rec.Run(runCtx)
		}()
		log.Info().Str("bucket", cfg.PlannerBucketID).Dur("interval", cfg.SyncInterval).Msg("planner sync enabled")
	} else {
		log.Info().Msg("planner sync disabled (no PLANNER_BASE_URL)")
	}

	api := httpapi.New(cfg, engine, sync, metrics, log, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
