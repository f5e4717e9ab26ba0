// Package usecase contains the application services behind the HTTP
// handlers: ingestion with atomic staging, and task read/approval flows.
package usecase

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/domain"
)

// IngestService stages accepted uploads across the blob store, the task
// table, and the work queue.
type IngestService struct {
	Tasks domain.TaskRepository
	Blobs domain.BlobStore
	Queue domain.Queue

	MaxImageBytes int64
	MaxImageDim   int
	MaxContextLen int
}

// NewIngestService wires an IngestService.
func NewIngestService(tasks domain.TaskRepository, blobs domain.BlobStore, queue domain.Queue, maxImageBytes int64, maxImageDim, maxContextLen int) IngestService {
	return IngestService{
		Tasks:         tasks,
		Blobs:         blobs,
		Queue:         queue,
		MaxImageBytes: maxImageBytes,
		MaxImageDim:   maxImageDim,
		MaxContextLen: maxContextLen,
	}
}

// UploadInput is one (image, context) pair from the API.
type UploadInput struct {
	Filename string
	Image    []byte
	Context  string
}

// BulkItem reports the per-item outcome of a bulk upload.
type BulkItem struct {
	Task domain.Task
	Err  error
}

// Upload validates and stages one task. Staging order is blob, then row,
// then message; on a later step failing, earlier steps are undone in
// reverse so no half-staged task remains.
func (s IngestService) Upload(ctx domain.Context, in UploadInput) (domain.Task, error) {
	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "Upload")
	defer span.End()
	return s.upload(ctx, in, "single")
}

func (s IngestService) upload(ctx domain.Context, in UploadInput, mode string) (domain.Task, error) {
	contextText, err := s.validate(in)
	if err != nil {
		return domain.Task{}, err
	}

	id := uuid.New().String()
	key := "tasks/" + id
	contentType := mimetype.Detect(in.Image).String()

	// Compensation stack, run in reverse on failure.
	var undo []func()
	fail := func(stage string, cause error) (domain.Task, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return domain.Task{}, fmt.Errorf("op=ingest.upload stage=%s: %w", stage, cause)
	}

	if err := s.Blobs.Put(ctx, key, in.Image, contentType); err != nil {
		return fail("blob", err)
	}
	undo = append(undo, func() {
		if err := s.Blobs.Delete(ctx, key); err != nil {
			slog.Warn("compensation blob delete failed", slog.String("key", key), slog.Any("error", err))
		}
	})

	task := domain.Task{
		ID:          id,
		ImageKey:    key,
		ContextText: contextText,
		Status:      domain.TaskPending,
	}
	if _, err := s.Tasks.Insert(ctx, task); err != nil {
		return fail("row", err)
	}
	undo = append(undo, func() {
		if err := s.Tasks.Delete(ctx, id); err != nil {
			slog.Warn("compensation row delete failed", slog.String("task_id", id), slog.Any("error", err))
		}
	})

	msg := domain.TaskMessage{ID: id, ImageKey: key, Context: contextText}
	if err := s.Queue.Publish(ctx, domain.QueueMain, msg, 0); err != nil {
		return fail("publish", err)
	}

	observability.IngestTask(mode)
	slog.Info("task ingested", slog.String("task_id", id), slog.Int("image_bytes", len(in.Image)))
	return task, nil
}

// BulkUpload stages items sequentially in input order. A failing item is
// reported in place and does not abort the rest.
func (s IngestService) BulkUpload(ctx domain.Context, items []UploadInput) []BulkItem {
	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "BulkUpload")
	defer span.End()

	out := make([]BulkItem, 0, len(items))
	for _, in := range items {
		task, err := s.upload(ctx, in, "bulk")
		out = append(out, BulkItem{Task: task, Err: err})
	}
	return out
}

// validate checks the image and context constraints and returns the
// sanitized context text.
func (s IngestService) validate(in UploadInput) (string, error) {
	if int64(len(in.Image)) > s.MaxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", domain.ErrInvalidArgument, s.MaxImageBytes)
	}
	if len(in.Image) == 0 {
		return "", fmt.Errorf("%w: empty image", domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(in.Image)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: unsupported content type %s", domain.ErrInvalidArgument, mt.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Image))
	if err != nil {
		return "", fmt.Errorf("%w: undecodable image: %v", domain.ErrInvalidArgument, err)
	}
	if cfg.Width > s.MaxImageDim || cfg.Height > s.MaxImageDim {
		return "", fmt.Errorf("%w: image %dx%d exceeds %d px limit",
			domain.ErrInvalidArgument, cfg.Width, cfg.Height, s.MaxImageDim)
	}

	contextText := strings.TrimSpace(stripTags(in.Context))
	if contextText == "" {
		return "", fmt.Errorf("%w: context is required", domain.ErrInvalidArgument)
	}
	if len(contextText) > s.MaxContextLen {
		return "", fmt.Errorf("%w: context exceeds %d bytes", domain.ErrInvalidArgument, s.MaxContextLen)
	}
	return contextText, nil
}
