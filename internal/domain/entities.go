package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnavailable        = errors.New("unavailable")
	ErrInternal           = errors.New("internal error")

	// Inference failure classes. OOM and timeout are transient (dead-letter,
	// re-drive); decode errors are deterministic and terminal.
	ErrInferenceOOM     = errors.New("inference out of memory")
	ErrInferenceTimeout = errors.New("inference timeout")
	ErrImageDecode      = errors.New("image decode error")
)

// IsTransient reports whether an error should be retried via the DLQ path
// rather than failing the task terminally.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrInferenceOOM) ||
		errors.Is(err, ErrInferenceTimeout)
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskDone       TaskStatus = "DONE"
	TaskFailed     TaskStatus = "FAILED"
)

// IsTerminal reports whether a status admits no further worker transitions.
func (s TaskStatus) IsTerminal() bool { return s == TaskDone || s == TaskFailed }

// Task is one (image, context) unit of work with a lifecycle.
// Invariants: DONE implies both alts set; PENDING/PROCESSING imply no alts;
// SelectedIndex set implies DONE and a non-empty FinalAlt.
type Task struct {
	ID            string
	ImageKey      string
	ContextText   string
	Status        TaskStatus
	Alt1          *string
	Alt2          *string
	SelectedIndex *int
	FinalAlt      *string
	IsApproved    bool
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
}

// Candidate returns the alt candidate at index 1 or 2, nil otherwise.
func (t Task) Candidate(index int) *string {
	switch index {
	case 1:
		return t.Alt1
	case 2:
		return t.Alt2
	}
	return nil
}

// TaskPatch is a partial update applied through the optimistic status guard.
// Nil pointer fields are left untouched.
type TaskPatch struct {
	Status         *TaskStatus
	Alt1           *string
	Alt2           *string
	SelectedIndex  *int
	FinalAlt       *string
	IsApproved     *bool
	LastError      *string
	ClearLastError bool
	IncAttempts    bool
	SetFinishedAt  bool
}

// Repositories (ports)

type TaskRepository interface {
	Insert(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	GetMany(ctx Context, ids []string) ([]Task, error)
	// UpdateIfStatusIn applies patch only when the row's current status is in
	// allowed, returning the number of rows affected. This is the single
	// serialization point for concurrent workers handling the same task.
	UpdateIfStatusIn(ctx Context, id string, allowed []TaskStatus, patch TaskPatch) (int64, error)
	Delete(ctx Context, id string) error
	// ListByStatusOlderThan pages tasks in a status whose updated_at is before
	// cutoff, ordered oldest first. Used by the reconciler.
	ListByStatusOlderThan(ctx Context, status TaskStatus, cutoff time.Time, limit int) ([]Task, error)
}

// BlobStore (port)
// Put is put-if-absent: writing an existing key fails with ErrConflict.
// Get fails with ErrNotFound when no object exists at key.
type BlobStore interface {
	Put(ctx Context, key string, data []byte, contentType string) error
	Get(ctx Context, key string) ([]byte, error)
	Delete(ctx Context, key string) error
}

// Queue (port). Publish confirms delivery before returning; delay > 0 routes
// the message through a wait queue that feeds back into the target queue.
type Queue interface {
	Publish(ctx Context, queue string, msg TaskMessage, delay time.Duration) error
}

// QueueDepthReader exposes observable depth for the autoscaler:
// ready messages waiting for a consumer, and unacked messages in flight.
type QueueDepthReader interface {
	QueueDepth(ctx Context, queue string) (ready, unacked int64, err error)
}

// Inferencer (port). Generate returns exactly k candidate strings produced
// with distinct decoding settings. Safe to call sequentially on one slot;
// not required to be safe for concurrent use.
type Inferencer interface {
	Generate(ctx Context, image []byte, contextText string, k int) ([]string, error)
}

// Orchestrator (port). Scale resizes a service to n replicas.
type Orchestrator interface {
	Scale(ctx Context, service string, replicas int) error
	Replicas(ctx Context, service string) (int, error)
}

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context
