// Command autoscaler runs the queue-depth-driven worker scaling loop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	dockerorch "github.com/altify/altify/internal/adapter/orchestrator/docker"
	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/adapter/queue/redpanda"
	"github.com/altify/altify/internal/autoscaler"
	"github.com/altify/altify/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("autoscaler metrics server error", slog.Any("error", err))
		}
	}()

	depth, err := redpanda.NewDepthReader(cfg.KafkaBrokers, cfg.ConsumerGroupID)
	if err != nil {
		slog.Error("depth reader init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer depth.Close()

	orch, err := dockerorch.New()
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = orch.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := autoscaler.New(depth, orch, autoscaler.Config{
		MinWorkers:   cfg.MinWorkers,
		MaxWorkers:   cfg.MaxWorkers,
		ScaleTarget:  cfg.ScaleTarget,
		Cooldown:     cfg.Cooldown,
		PollInterval: cfg.PollInterval,
		Service:      cfg.WorkerService,
	})
	ctrl.Run(ctx)
}
