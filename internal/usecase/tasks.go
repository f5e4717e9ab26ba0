package usecase

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/altify/altify/internal/domain"
)

// TaskService exposes task reads and the approval flows.
type TaskService struct {
	Tasks domain.TaskRepository
}

// NewTaskService wires a TaskService.
func NewTaskService(tasks domain.TaskRepository) TaskService {
	return TaskService{Tasks: tasks}
}

// Get loads one task.
func (s TaskService) Get(ctx domain.Context, id string) (domain.Task, error) {
	return s.Tasks.Get(ctx, id)
}

// ApproveInput carries the reviewer's decision. SelectedIndex defaults to 1
// when unset; FinalAlt defaults to the selected candidate.
type ApproveInput struct {
	SelectedIndex int
	FinalAlt      string
	IsApproved    bool
}

// Approve records the reviewer's choice on a DONE task. Any other status
// fails with ErrPreconditionFailed and leaves the row untouched.
func (s TaskService) Approve(ctx domain.Context, id string, in ApproveInput) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "Approve")
	defer span.End()

	if in.SelectedIndex == 0 {
		in.SelectedIndex = 1
	}
	if in.SelectedIndex != 1 && in.SelectedIndex != 2 {
		return domain.Task{}, fmt.Errorf("%w: selected_alt_index must be 1 or 2", domain.ErrInvalidArgument)
	}

	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskDone {
		return domain.Task{}, fmt.Errorf("%w: task is %s, approval requires DONE",
			domain.ErrPreconditionFailed, task.Status)
	}

	finalAlt := in.FinalAlt
	if finalAlt == "" {
		if alt := task.Candidate(in.SelectedIndex); alt != nil {
			finalAlt = *alt
		}
	}
	if finalAlt == "" {
		return domain.Task{}, fmt.Errorf("%w: no candidate at index %d", domain.ErrInternal, in.SelectedIndex)
	}

	approved := in.IsApproved
	rows, err := s.Tasks.UpdateIfStatusIn(ctx, id, []domain.TaskStatus{domain.TaskDone}, domain.TaskPatch{
		SelectedIndex: &in.SelectedIndex,
		FinalAlt:      &finalAlt,
		IsApproved:    &approved,
		SetFinishedAt: true,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if rows == 0 {
		return domain.Task{}, fmt.Errorf("%w: task left DONE concurrently", domain.ErrPreconditionFailed)
	}
	slog.Info("task approved",
		slog.String("task_id", id),
		slog.Int("selected_index", in.SelectedIndex),
		slog.Bool("is_approved", approved))
	return s.Tasks.Get(ctx, id)
}

// FinalizeItem is one entry of a batched approval.
type FinalizeItem struct {
	TaskID        string
	SelectedIndex int
	FinalAlt      string
}

// FinalizeResult reports the per-task outcome of a Finalize batch.
type FinalizeResult struct {
	TaskID string
	Task   domain.Task
	Err    error
}

// Finalize applies a batch of approvals, one outcome per item. Items are
// independent; a failing item does not abort the rest.
func (s TaskService) Finalize(ctx domain.Context, items []FinalizeItem) []FinalizeResult {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "Finalize")
	defer span.End()

	out := make([]FinalizeResult, 0, len(items))
	for _, it := range items {
		task, err := s.Approve(ctx, it.TaskID, ApproveInput{
			SelectedIndex: it.SelectedIndex,
			FinalAlt:      it.FinalAlt,
			IsApproved:    true,
		})
		out = append(out, FinalizeResult{TaskID: it.TaskID, Task: task, Err: err})
	}
	return out
}
