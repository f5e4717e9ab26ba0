package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/altify/altify/internal/domain"
)

// PgxPool is the subset of *pgxpool.Pool the repository needs; tests supply
// fakes implementing it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TaskRepo persists and loads tasks from PostgreSQL using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, image_key, context_text, status, alt1, alt2, selected_index, final_alt, is_approved, attempts, last_error, created_at, updated_at, finished_at`

// invalid_text_representation: raised when the id cannot be cast to UUID.
const sqlstateInvalidText = "22P02"

// mapRowError translates driver errors into domain sentinels so callers can
// surface a malformed id as a bad request instead of a server fault.
func mapRowError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateInvalidText {
		return fmt.Errorf("%w: malformed id", domain.ErrInvalidArgument)
	}
	return err
}

// Insert stores a new task and returns its id (generates one if empty).
func (r *TaskRepo) Insert(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Insert")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO tasks (id, image_key, context_text, status, attempts, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, t.ImageKey, t.ContextText, t.Status, t.Attempts, now, now)
	if err != nil {
		return "", fmt.Errorf("op=task.insert: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", mapRowError(err))
	}
	return t, nil
}

// GetMany loads tasks by id; missing ids are simply absent from the result.
func (r *TaskRepo) GetMany(ctx domain.Context, ids []string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.GetMany")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=task.get_many: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.get_many: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.get_many: %w", err)
	}
	return out, nil
}

// UpdateIfStatusIn applies patch only when the row's current status is in
// allowed, returning rows affected. Zero means the task moved on (terminal or
// claimed elsewhere) and the caller should treat the update as a no-op.
func (r *TaskRepo) UpdateIfStatusIn(ctx domain.Context, id string, allowed []domain.TaskStatus, patch domain.TaskPatch) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateIfStatusIn")
	defer span.End()
	if len(allowed) == 0 {
		return 0, fmt.Errorf("op=task.update_guarded: %w: empty allowed set", domain.ErrInvalidArgument)
	}

	sets := []string{"updated_at=now()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.Status != nil {
		sets = append(sets, "status="+arg(*patch.Status))
	}
	if patch.Alt1 != nil {
		sets = append(sets, "alt1="+arg(*patch.Alt1))
	}
	if patch.Alt2 != nil {
		sets = append(sets, "alt2="+arg(*patch.Alt2))
	}
	if patch.SelectedIndex != nil {
		sets = append(sets, "selected_index="+arg(*patch.SelectedIndex))
	}
	if patch.FinalAlt != nil {
		sets = append(sets, "final_alt="+arg(*patch.FinalAlt))
	}
	if patch.IsApproved != nil {
		sets = append(sets, "is_approved="+arg(*patch.IsApproved))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error="+arg(*patch.LastError))
	} else if patch.ClearLastError {
		sets = append(sets, "last_error=NULL")
	}
	if patch.IncAttempts {
		sets = append(sets, "attempts=attempts+1")
	}
	if patch.SetFinishedAt {
		sets = append(sets, "finished_at=COALESCE(finished_at, now())")
	}

	statuses := make([]string, len(allowed))
	for i, s := range allowed {
		statuses[i] = arg(string(s))
	}
	q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=$1 AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(statuses, ","))
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("op=task.update_guarded: %w", mapRowError(err))
	}
	return tag.RowsAffected(), nil
}

// Delete removes a task row. Used only by ingress rollback and the GC sweep.
func (r *TaskRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=task.delete: %w", err)
	}
	return nil
}

// ListByStatusOlderThan pages tasks in a status whose updated_at precedes
// cutoff, oldest first. Backed by the (status, updated_at) index.
func (r *TaskRepo) ListByStatusOlderThan(ctx domain.Context, status domain.TaskStatus, cutoff time.Time, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByStatusOlderThan")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, status, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_stale: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_stale: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ImageKey, &t.ContextText, &t.Status, &t.Alt1, &t.Alt2,
		&t.SelectedIndex, &t.FinalAlt, &t.IsApproved, &t.Attempts, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt, &t.FinishedAt)
	return t, err
}
