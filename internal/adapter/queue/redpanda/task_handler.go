package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/domain"
)

// DeadLetterer routes a message to the dead-letter queue with an incremented
// death count. Implemented by Producer; faked in tests.
type DeadLetterer interface {
	PublishDead(ctx domain.Context, msg domain.TaskMessage, deaths int, reason string) error
}

// TaskHandler holds the worker-side processing logic for one task message.
// It is broker-agnostic: the consumer feeds it decoded messages and commits
// the record only when Handle returns nil.
type TaskHandler struct {
	Tasks        domain.TaskRepository
	Blobs        domain.BlobStore
	Infer        domain.Inferencer
	DLQ          DeadLetterer
	InferTimeout time.Duration
}

var processable = []domain.TaskStatus{domain.TaskPending, domain.TaskProcessing}

// maxAltBytes caps each stored candidate; the schema enforces the same bound.
const maxAltBytes = 1024

// truncateAlt trims a candidate to maxAltBytes without splitting a rune.
func truncateAlt(s string) string {
	if len(s) <= maxAltBytes {
		return s
	}
	cut := maxAltBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// Handle processes one delivery of a task message. Returning nil means the
// delivery is settled (acked): the task reached a terminal state, was
// deduplicated, or was dead-lettered. A non-nil error means the delivery
// could not be settled at all and should be redelivered.
func (h *TaskHandler) Handle(ctx domain.Context, msg domain.TaskMessage, deaths int) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()

	lg := slog.Default().With(slog.String("task_id", msg.ID))

	// Optimistic claim. Zero rows means the task is already terminal: this is
	// a duplicate delivery and the message is settled without any mutation.
	claim := domain.TaskProcessing
	rows, err := h.Tasks.UpdateIfStatusIn(ctx, msg.ID, processable, domain.TaskPatch{
		Status:      &claim,
		IncAttempts: true,
	})
	if err != nil {
		return h.deadLetter(ctx, lg, msg, deaths, fmt.Sprintf("claim failed: %v", err), false)
	}
	if rows == 0 {
		lg.Info("task already settled, dropping duplicate delivery")
		return nil
	}
	observability.StartProcessing()

	image, err := h.Blobs.Get(ctx, msg.ImageKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Missing blob cannot heal on retry.
			return h.failTerminal(ctx, lg, msg.ID, "blob not found: "+msg.ImageKey, "not_found")
		}
		return h.deadLetter(ctx, lg, msg, deaths, fmt.Sprintf("blob fetch failed: %v", err), true)
	}

	inferCtx, cancel := context.WithTimeout(ctx, h.InferTimeout)
	defer cancel()
	start := time.Now()
	candidates, err := h.Infer.Generate(inferCtx, image, msg.Context, 2)
	observability.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrImageDecode) {
			return h.failTerminal(ctx, lg, msg.ID, err.Error(), "decode_error")
		}
		reason := err.Error()
		if inferCtx.Err() != nil && !errors.Is(err, domain.ErrInferenceOOM) {
			reason = domain.ErrInferenceTimeout.Error()
		}
		return h.deadLetter(ctx, lg, msg, deaths, reason, true)
	}
	if len(candidates) != 2 || candidates[0] == "" || candidates[1] == "" {
		return h.failTerminal(ctx, lg, msg.ID, "inference returned degenerate candidates", "degenerate_output")
	}
	candidates[0] = truncateAlt(candidates[0])
	candidates[1] = truncateAlt(candidates[1])

	done := domain.TaskDone
	rows, err = h.Tasks.UpdateIfStatusIn(ctx, msg.ID, []domain.TaskStatus{domain.TaskProcessing}, domain.TaskPatch{
		Status:         &done,
		Alt1:           &candidates[0],
		Alt2:           &candidates[1],
		ClearLastError: true,
	})
	if err != nil {
		return h.deadLetter(ctx, lg, msg, deaths, fmt.Sprintf("result persist failed: %v", err), true)
	}
	if rows == 0 {
		// A concurrent duplicate won the race; its result stands.
		lg.Info("task settled by concurrent delivery, dropping")
		observability.TasksProcessing.Dec()
		return nil
	}
	observability.CompleteTask()
	lg.Info("task completed", slog.Duration("inference", time.Since(start)))
	return nil
}

// failTerminal marks the task FAILED with last_error and settles the message.
func (h *TaskHandler) failTerminal(ctx domain.Context, lg *slog.Logger, id, lastError, reason string) error {
	failed := domain.TaskFailed
	if _, err := h.Tasks.UpdateIfStatusIn(ctx, id, processable, domain.TaskPatch{
		Status:        &failed,
		LastError:     &lastError,
		SetFinishedAt: true,
	}); err != nil {
		// Could not even record the failure; leave the delivery unsettled.
		return fmt.Errorf("mark failed: %w", err)
	}
	observability.FailTask(reason)
	lg.Warn("task failed terminally", slog.String("reason", reason), slog.String("last_error", lastError))
	return nil
}

// deadLetter hands the message to the DLQ with a bumped death count. The row
// stays PROCESSING until the DLQ consumer resets or finalizes it. claimed
// reports whether this delivery won the optimistic claim, which drives the
// processing gauge.
func (h *TaskHandler) deadLetter(ctx domain.Context, lg *slog.Logger, msg domain.TaskMessage, deaths int, reason string, claimed bool) error {
	if err := h.DLQ.PublishDead(ctx, msg, deaths+1, reason); err != nil {
		lg.Error("dead-letter publish failed, delivery left unsettled", slog.Any("error", err))
		return fmt.Errorf("dead-letter: %w", err)
	}
	if claimed {
		observability.DeadLetterTask()
	} else {
		observability.TasksDeadLetteredTotal.Inc()
	}
	lg.Warn("task dead-lettered", slog.Int("deaths", deaths+1), slog.String("reason", reason))
	return nil
}
