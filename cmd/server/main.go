// Command server starts the Altify ingress HTTP server and the background
// reconciler.
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

	s3blob "github.com/altify/altify/internal/adapter/blob/s3"
	httpserver "github.com/altify/altify/internal/adapter/httpserver"
	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/adapter/queue/redpanda"
	"github.com/altify/altify/internal/adapter/repo/postgres"
	"github.com/altify/altify/internal/app"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	taskRepo := postgres.NewTaskRepo(pool)

	blobStore := s3blob.New(s3blob.Connect(s3blob.Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
	}), cfg.S3Bucket)
	if err := blobStore.EnsureBucket(ctx, cfg.S3Region); err != nil {
		slog.Warn("ensure bucket failed, it may already exist", slog.Any("error", err))
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.TopicPartitions)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	ingestSvc := usecase.NewIngestService(taskRepo, blobStore, producer,
		cfg.MaxImageBytes, cfg.MaxImageDim, cfg.MaxContextLen)
	taskSvc := usecase.NewTaskService(taskRepo)

	reconciler := app.NewReconciler(taskRepo, blobStore, producer,
		cfg.ReconcileInterval, cfg.ReconcileGrace, cfg.GCWindow)
	go reconciler.Run(ctx)

	srv := httpserver.NewServer(cfg, ingestSvc, taskSvc, pool.Ping)
	handler := app.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
}
