// Command worker runs the inference consumer, the DLQ consumer, and the
// wait-queue forwarder in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	s3blob "github.com/altify/altify/internal/adapter/blob/s3"
	"github.com/altify/altify/internal/adapter/inference/openaicompat"
	"github.com/altify/altify/internal/adapter/inference/stub"
	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/adapter/queue/redpanda"
	"github.com/altify/altify/internal/adapter/repo/postgres"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/domain"
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
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.Int("infer_slots", cfg.InferSlots))

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

	var inferencer domain.Inferencer
	if cfg.InferenceBaseURL != "" {
		inferencer = openaicompat.New(cfg.InferenceBaseURL, cfg.InferenceAPIKey, cfg.InferenceModel)
		slog.Info("using OpenAI-compatible inference backend",
			slog.String("base_url", cfg.InferenceBaseURL),
			slog.String("model", cfg.InferenceModel))
	} else {
		inferencer = stub.New()
		slog.Info("no inference backend configured, using deterministic stub")
	}

	handler := &redpanda.TaskHandler{
		Tasks:        taskRepo,
		Blobs:        blobStore,
		Infer:        inferencer,
		DLQ:          producer,
		InferTimeout: cfg.InferTimeout,
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroupID, handler, cfg.InferSlots, cfg.TopicPartitions)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	dlqConsumer, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, taskRepo, producer,
		cfg.MaxAttempts, cfg.RedriveBaseDelay, cfg.RedriveMaxDelay)
	if err != nil {
		slog.Error("dlq consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = dlqConsumer.Close() }()

	forwarder, err := redpanda.NewWaitForwarder(cfg.KafkaBrokers, producer)
	if err != nil {
		slog.Error("wait forwarder init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = forwarder.Close() }()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("consumer stopped", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := dlqConsumer.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("dlq consumer stopped", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := forwarder.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("wait forwarder stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("worker shutting down, draining in-flight tasks")
	wg.Wait()
	slog.Info("worker stopped")
}
