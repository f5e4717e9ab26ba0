package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/domain"
	"github.com/altify/altify/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Ingest  usecase.IngestService
	Tasks   usecase.TaskService
	DBCheck func(ctx context.Context) error
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, ingest usecase.IngestService, tasks usecase.TaskService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Ingest: ingest, Tasks: tasks, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type taskView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	ContextText   string     `json:"context_text,omitempty"`
	Alt1          *string    `json:"alt1,omitempty"`
	Alt2          *string    `json:"alt2,omitempty"`
	SelectedIndex *int       `json:"selected_alt_index,omitempty"`
	FinalAlt      *string    `json:"final_alt,omitempty"`
	IsApproved    bool       `json:"is_approved"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func toTaskView(t domain.Task) taskView {
	return taskView{
		ID:            t.ID,
		Status:        string(t.Status),
		ContextText:   t.ContextText,
		Alt1:          t.Alt1,
		Alt2:          t.Alt2,
		SelectedIndex: t.SelectedIndex,
		FinalAlt:      t.FinalAlt,
		IsApproved:    t.IsApproved,
		Attempts:      t.Attempts,
		LastError:     t.LastError,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		FinishedAt:    t.FinishedAt,
	}
}

// parseUpload extracts one (image, context) pair from an already-parsed
// multipart form using the given field names and index.
func (s *Server) parseUpload(r *http.Request, fileField, contextValue string) (usecase.UploadInput, error) {
	f, hdr, err := r.FormFile(fileField)
	if err != nil {
		return usecase.UploadInput{}, fmt.Errorf("%w: %s file required", domain.ErrInvalidArgument, fileField)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, s.Cfg.MaxImageBytes+1))
	if err != nil {
		return usecase.UploadInput{}, fmt.Errorf("%w: %s read: %v", domain.ErrInvalidArgument, fileField, err)
	}
	return usecase.UploadInput{Filename: hdr.Filename, Image: data, Context: contextValue}, nil
}

// UploadHandler accepts one multipart (image, context) pair.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxImageBytes + 64*1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_bytes": s.Cfg.MaxImageBytes},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		in, err := s.parseUpload(r, "image", r.FormValue("context"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		task, err := s.Ingest.Upload(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": task.ID, "status": string(task.Status)})
	}
}

type bulkItemView struct {
	ID     string    `json:"id,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

// BulkUploadHandler accepts index-aligned repeated `images` files and
// `contexts` values and stages each pair independently.
func (s *Server) BulkUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := 32*s.Cfg.MaxImageBytes + 64*1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if r.MultipartForm == nil {
			writeError(w, r, fmt.Errorf("%w: multipart form required", domain.ErrInvalidArgument), nil)
			return
		}
		files := r.MultipartForm.File["images"]
		contexts := r.MultipartForm.Value["contexts"]
		if len(files) == 0 {
			writeError(w, r, fmt.Errorf("%w: at least one image required", domain.ErrInvalidArgument), nil)
			return
		}
		if len(files) != len(contexts) {
			writeError(w, r, fmt.Errorf("%w: images and contexts must be index-aligned", domain.ErrInvalidArgument),
				map[string]int{"images": len(files), "contexts": len(contexts)})
			return
		}

		items := make([]usecase.UploadInput, 0, len(files))
		for i, hdr := range files {
			f, err := hdr.Open()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: open %s: %v", domain.ErrInvalidArgument, hdr.Filename, err), nil)
				return
			}
			data, err := io.ReadAll(io.LimitReader(f, s.Cfg.MaxImageBytes+1))
			_ = f.Close()
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: read %s: %v", domain.ErrInvalidArgument, hdr.Filename, err), nil)
				return
			}
			items = append(items, usecase.UploadInput{Filename: hdr.Filename, Image: data, Context: contexts[i]})
		}

		results := s.Ingest.BulkUpload(r.Context(), items)
		views := make([]bulkItemView, 0, len(results))
		for _, res := range results {
			if res.Err != nil {
				views = append(views, bulkItemView{Error: &apiError{
					Code:    errorCode(res.Err),
					Message: res.Err.Error(),
				}})
				continue
			}
			views = append(views, bulkItemView{ID: res.Task.ID, Status: string(res.Task.Status)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	}
}

// GetTaskHandler returns the full task view.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		task, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
	}
}

// ApproveHandler records the reviewer's decision on a DONE task.
func (s *Server) ApproveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
		var req struct {
			FinalAlt      string `json:"final_alt" validate:"max=1024"`
			IsApproved    bool   `json:"is_approved"`
			SelectedIndex int    `json:"selected_alt_index" validate:"omitempty,oneof=1 2"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		task, err := s.Tasks.Approve(r.Context(), id, usecase.ApproveInput{
			SelectedIndex: req.SelectedIndex,
			FinalAlt:      req.FinalAlt,
			IsApproved:    req.IsApproved,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskView(task))
	}
}

type finalizeItemView struct {
	TaskID string    `json:"task_id"`
	Status string    `json:"status,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

// FinalizeHandler applies a batch of approvals.
func (s *Server) FinalizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req []struct {
			TaskID        string `json:"task_id" validate:"required"`
			SelectedIndex int    `json:"selected_alt_index" validate:"omitempty,oneof=1 2"`
			FinalAlt      string `json:"final_alt" validate:"max=1024"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if len(req) == 0 {
			writeError(w, r, fmt.Errorf("%w: empty batch", domain.ErrInvalidArgument), nil)
			return
		}
		items := make([]usecase.FinalizeItem, 0, len(req))
		for i, it := range req {
			if err := getValidator().Struct(it); err != nil {
				writeError(w, r, fmt.Errorf("%w: validation failed at item %d", domain.ErrInvalidArgument, i), nil)
				return
			}
			items = append(items, usecase.FinalizeItem{
				TaskID:        it.TaskID,
				SelectedIndex: it.SelectedIndex,
				FinalAlt:      it.FinalAlt,
			})
		}

		results := s.Tasks.Finalize(r.Context(), items)
		views := make([]finalizeItemView, 0, len(results))
		for _, res := range results {
			v := finalizeItemView{TaskID: res.TaskID}
			if res.Err != nil {
				v.Error = &apiError{Code: errorCode(res.Err), Message: res.Err.Error()}
			} else {
				v.Status = string(res.Task.Status)
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the database must answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
