package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/altify/altify/internal/domain"
)

// Reconciler repairs the gaps the staging protocol cannot close on its own:
// PENDING rows whose queue message was lost are republished, and old
// terminal rows whose blob has already disappeared are garbage collected.
type Reconciler struct {
	tasks    domain.TaskRepository
	blobs    domain.BlobStore
	queue    domain.Queue
	interval time.Duration
	grace    time.Duration
	gcWindow time.Duration
}

// NewReconciler wires a Reconciler; zero durations get conservative defaults.
func NewReconciler(tasks domain.TaskRepository, blobs domain.BlobStore, queue domain.Queue, interval, grace, gcWindow time.Duration) *Reconciler {
	if tasks == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if gcWindow <= 0 {
		gcWindow = 24 * time.Hour
	}
	return &Reconciler{
		tasks:    tasks,
		blobs:    blobs,
		queue:    queue,
		interval: interval,
		grace:    grace,
		gcWindow: gcWindow,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.sweepOnce")
	defer span.End()

	republished := r.republishStalePending(ctx)
	collected := r.collectOrphans(ctx)
	span.SetAttributes(
		attribute.Int("tasks.republished", republished),
		attribute.Int("tasks.collected", collected),
	)
}

// republishStalePending re-drives PENDING rows that have sat past the grace
// window. A duplicate message is harmless; the worker's optimistic claim
// dedupes.
func (r *Reconciler) republishStalePending(ctx context.Context) int {
	const pageSize = 100
	cutoff := time.Now().Add(-r.grace)
	total := 0
	for {
		tasks, err := r.tasks.ListByStatusOlderThan(ctx, domain.TaskPending, cutoff, pageSize)
		if err != nil {
			slog.Error("reconciler failed to list stale pending tasks", slog.Any("error", err))
			return total
		}
		if len(tasks) == 0 {
			return total
		}
		progressed := 0
		for _, t := range tasks {
			msg := domain.TaskMessage{ID: t.ID, ImageKey: t.ImageKey, Context: t.ContextText}
			if err := r.queue.Publish(ctx, domain.QueueMain, msg, 0); err != nil {
				slog.Error("reconciler republish failed",
					slog.String("task_id", t.ID), slog.Any("error", err))
				continue
			}
			// Touch the row so it leaves the stale window and is not
			// republished again next sweep.
			pending := domain.TaskPending
			if _, err := r.tasks.UpdateIfStatusIn(ctx, t.ID, []domain.TaskStatus{domain.TaskPending}, domain.TaskPatch{
				Status: &pending,
			}); err != nil {
				slog.Warn("reconciler failed to touch republished task",
					slog.String("task_id", t.ID), slog.Any("error", err))
			}
			slog.Info("stale pending task republished", slog.String("task_id", t.ID))
			total++
			progressed++
		}
		if progressed == 0 || len(tasks) < pageSize {
			return total
		}
	}
}

// collectOrphans deletes terminal rows past the GC window whose blob is
// already gone, keeping the row/blob invariant tidy over time.
func (r *Reconciler) collectOrphans(ctx context.Context) int {
	if r.blobs == nil {
		return 0
	}
	const pageSize = 100
	cutoff := time.Now().Add(-r.gcWindow)
	total := 0
	for _, status := range []domain.TaskStatus{domain.TaskFailed, domain.TaskDone} {
		tasks, err := r.tasks.ListByStatusOlderThan(ctx, status, cutoff, pageSize)
		if err != nil {
			slog.Error("reconciler failed to list terminal tasks",
				slog.String("status", string(status)), slog.Any("error", err))
			continue
		}
		for _, t := range tasks {
			if _, err := r.blobs.Get(ctx, t.ImageKey); err == nil || !errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err := r.tasks.Delete(ctx, t.ID); err != nil {
				slog.Warn("reconciler failed to delete orphan row",
					slog.String("task_id", t.ID), slog.Any("error", err))
				continue
			}
			slog.Info("orphan task row collected",
				slog.String("task_id", t.ID), slog.String("status", string(status)))
			total++
		}
	}
	return total
}
