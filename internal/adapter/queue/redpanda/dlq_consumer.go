package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/domain"
)

// DLQConsumer drains the dead-letter queue. Messages with retry budget left
// are reset to PENDING and republished to the main queue behind an
// exponential delay; exhausted messages finalize their task as FAILED.
type DLQConsumer struct {
	client *kgo.Client
	tasks  domain.TaskRepository
	queue  domain.Queue

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewDLQConsumer joins the DLQ consumer group.
func NewDLQConsumer(brokers []string, tasks domain.TaskRepository, queue domain.Queue, maxAttempts int, baseDelay, maxDelay time.Duration) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup("altify-dlq"),
		kgo.ConsumeTopics(domain.QueueDLQ),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda dlq client: %w", err)
	}
	return &DLQConsumer{
		client:      client,
		tasks:       tasks,
		queue:       queue,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}, nil
}

// Start runs the DLQ drain loop until ctx is canceled.
func (d *DLQConsumer) Start(ctx context.Context) error {
	slog.Info("starting DLQ consumer",
		slog.String("topic", domain.QueueDLQ),
		slog.Int("max_attempts", d.maxAttempts))

	for {
		fetches := d.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			if fe.Err == context.Canceled {
				continue
			}
			slog.Error("dlq fetch error",
				slog.String("topic", fe.Topic),
				slog.Any("error", fe.Err))
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			if d.handleRecord(ctx, rec) {
				d.client.MarkCommitRecords(rec)
			}
		})
	}
}

// handleRecord reports whether the record is settled and may be committed.
func (d *DLQConsumer) handleRecord(ctx context.Context, rec *kgo.Record) bool {
	msg, err := domain.DecodeTaskMessage(rec.Value)
	if err != nil {
		slog.Error("dropping malformed dead letter", slog.Any("error", err))
		return true
	}
	reason := headerValue(rec, headerDeathReason)
	lg := slog.Default().With(slog.String("task_id", msg.ID), slog.String("reason", reason))

	task, err := d.tasks.Get(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Warn("dead letter for unknown task, dropping")
			return true
		}
		lg.Error("dlq task lookup failed", slog.Any("error", err))
		return false
	}
	if task.Status.IsTerminal() {
		lg.Info("dead letter for settled task, dropping")
		return true
	}

	// The row's attempts counter and the message's death count can diverge
	// when a crash loses one side; take the max so the budget holds.
	attempts := deathCount(rec)
	if task.Attempts > attempts {
		attempts = task.Attempts
	}

	if attempts >= d.maxAttempts {
		failed := domain.TaskFailed
		lastError := fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempts, reason)
		if _, err := d.tasks.UpdateIfStatusIn(ctx, msg.ID, processable, domain.TaskPatch{
			Status:        &failed,
			LastError:     &lastError,
			SetFinishedAt: true,
		}); err != nil {
			lg.Error("failed to finalize exhausted task", slog.Any("error", err))
			return false
		}
		observability.TasksFailedTotal.WithLabelValues("retry_budget_exhausted").Inc()
		lg.Warn("task failed, retry budget exhausted", slog.Int("attempts", attempts))
		return true
	}

	// Reset to PENDING before the delayed republish so readers see the task
	// as queued again rather than stuck in PROCESSING.
	pending := domain.TaskPending
	lastError := reason
	if _, err := d.tasks.UpdateIfStatusIn(ctx, msg.ID, processable, domain.TaskPatch{
		Status:    &pending,
		LastError: &lastError,
	}); err != nil {
		lg.Error("failed to reset task for redrive", slog.Any("error", err))
		return false
	}

	delay := redriveDelay(d.baseDelay, d.maxDelay, attempts)
	if err := d.queue.Publish(ctx, domain.QueueMain, msg, delay); err != nil {
		// Row is PENDING; the reconciler republishes it if this redelivery
		// also fails.
		lg.Error("redrive publish failed", slog.Any("error", err))
		return false
	}
	observability.TasksRedrivenTotal.Inc()
	lg.Info("task redriven",
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay))
	return true
}

// redriveDelay doubles the base delay per prior attempt, capped at max.
func redriveDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Close closes the underlying client.
func (d *DLQConsumer) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
