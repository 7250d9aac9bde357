// boltz-service is the HTTP API server that queues prediction jobs and runs
// them through the Boltz engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cnpem/boltz-slurm/internal/api"
	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/engine/docker"
	"github.com/cnpem/boltz-slurm/internal/engine/local"
	"github.com/cnpem/boltz-slurm/internal/files"
	"github.com/cnpem/boltz-slurm/internal/health"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/observability"
	"github.com/cnpem/boltz-slurm/internal/queue"
	"github.com/cnpem/boltz-slurm/internal/store"
	"github.com/cnpem/boltz-slurm/internal/supervisor"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("Failed to load .env", "error", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	storeCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	filesCfg, err := files.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	queueCfg, err := queue.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	supCfg, err := supervisor.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	jobCfg, err := job.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	apiCfg, err := api.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	repo, err := store.NewFileStore(storeCfg.Root)
	if err != nil {
		return err
	}
	slog.Info("Job store ready", "root", repo.Root())

	gateway, err := files.New(filesCfg, metrics)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, svcCfg.Engine)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Warn("Engine close error", "error", err)
		}
	}()
	slog.Info("Engine configured", "engine", svcCfg.Engine)

	sup, err := supervisor.New(repo, engine, supCfg, metrics)
	if err != nil {
		return err
	}
	controller := queue.New(queueCfg, sup, metrics)

	// Close out jobs interrupted by the previous process and requeue the rest.
	requeue, err := sup.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile jobs: %w", err)
	}
	for _, id := range requeue {
		if err := controller.Admit(id); err != nil {
			slog.Warn("Failed to re-admit job", "jobId", id, "error", err)
		}
	}

	jobService := job.NewService(repo, controller, gateway, metrics, jobCfg)

	healthChecker := health.NewChecker(
		health.Check{Name: "engine", Checker: engine},
		health.Check{Name: "store", Checker: repo},
	)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Files:         gateway,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Config:        apiCfg,
	})

	// Archives and uploads stream for as long as they need, so the API
	// server sets no write timeout.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		return serve(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if svcCfg.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting requests, finish in-flight ones
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: Terminate running engines and record their state.
		// Queued jobs stay queued on disk and are re-admitted on restart.
		stats := controller.Stats()
		slog.Info("Closing queue", "running", stats.Running, "queued", stats.Queued)
		queueCtx, queueCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer queueCancel()
		if err := controller.Close(queueCtx); err != nil {
			slog.Warn("Queue shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}

func newEngine(ctx context.Context, kind string) (job.Engine, error) {
	switch kind {
	case config.EngineDocker:
		cfg, err := docker.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		engine, err := docker.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Docker daemon", "image", cfg.Image, "gpus", cfg.GPUs)
		return engine, nil
	default:
		cfg, err := local.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return local.New(cfg), nil
	}
}
