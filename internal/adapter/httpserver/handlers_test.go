package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/domain"
	"github.com/altify/altify/internal/usecase"
)

type memRepo struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newMemRepo() *memRepo { return &memRepo{tasks: map[string]domain.Task{}} }

func (r *memRepo) Insert(_ domain.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	r.tasks[t.ID] = t
	return t.ID, nil
}

func (r *memRepo) Get(_ domain.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *memRepo) GetMany(_ domain.Context, _ []string) ([]domain.Task, error) { return nil, nil }

func (r *memRepo) UpdateIfStatusIn(_ domain.Context, id string, allowed []domain.TaskStatus, patch domain.TaskPatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return 0, nil
	}
	match := false
	for _, s := range allowed {
		if t.Status == s {
			match = true
		}
	}
	if !match {
		return 0, nil
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.SelectedIndex != nil {
		t.SelectedIndex = patch.SelectedIndex
	}
	if patch.FinalAlt != nil {
		t.FinalAlt = patch.FinalAlt
	}
	if patch.IsApproved != nil {
		t.IsApproved = *patch.IsApproved
	}
	if patch.SetFinishedAt && t.FinishedAt == nil {
		now := time.Now()
		t.FinishedAt = &now
	}
	t.UpdatedAt = time.Now()
	r.tasks[id] = t
	return 1, nil
}

func (r *memRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memRepo) ListByStatusOlderThan(_ domain.Context, _ domain.TaskStatus, _ time.Time, _ int) ([]domain.Task, error) {
	return nil, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlobs) Put(_ domain.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBlobs) Get(_ domain.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("op=blob.get: %w", domain.ErrNotFound)
	}
	return v, nil
}

func (b *memBlobs) Delete(_ domain.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

type memQueue struct {
	mu       sync.Mutex
	messages []domain.TaskMessage
}

func (q *memQueue) Publish(_ domain.Context, _ string, msg domain.TaskMessage, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func newTestServer(repo *memRepo) *Server {
	cfg := config.Config{MaxImageBytes: 1 << 20}
	ingest := usecase.NewIngestService(repo, &memBlobs{objects: map[string][]byte{}}, &memQueue{}, 1<<20, 4096, 1024)
	tasks := usecase.NewTaskService(repo)
	return NewServer(cfg, ingest, tasks, nil)
}

func testRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/tasks/upload", s.UploadHandler())
	r.Post("/tasks/bulk-upload", s.BulkUploadHandler())
	r.Get("/tasks/{id}", s.GetTaskHandler())
	r.Patch("/tasks/{id}/approve", s.ApproveHandler())
	r.Post("/tasks/finalize", s.FinalizeHandler())
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	return r
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][][]byte, values map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, blobs := range files {
		for i, b := range blobs {
			fw, err := mw.CreateFormFile(field, fmt.Sprintf("img-%d.png", i))
			require.NoError(t, err)
			_, err = fw.Write(b)
			require.NoError(t, err)
		}
	}
	for field, vs := range values {
		for _, v := range vs {
			require.NoError(t, mw.WriteField(field, v))
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestUploadEndpoint(t *testing.T) {
	repo := newMemRepo()
	router := testRouter(newTestServer(repo))

	body, ct := multipartBody(t,
		map[string][][]byte{"image": {pngBytes(t)}},
		map[string][]string{"context": {"cat on mat"}})
	req := httptest.NewRequest(http.MethodPost, "/tasks/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, "PENDING", got["status"])
	assert.Contains(t, repo.tasks, got["id"].(string))
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	router := testRouter(newTestServer(newMemRepo()))

	req := httptest.NewRequest(http.MethodPost, "/tasks/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "INVALID_ARGUMENT", got["error"].(map[string]any)["code"])
}

func TestUploadRejectsBlankContext(t *testing.T) {
	repo := newMemRepo()
	router := testRouter(newTestServer(repo))

	body, ct := multipartBody(t,
		map[string][][]byte{"image": {pngBytes(t)}},
		map[string][]string{"context": {"   "}})
	req := httptest.NewRequest(http.MethodPost, "/tasks/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, repo.tasks)
}

func TestBulkUploadPartialResults(t *testing.T) {
	repo := newMemRepo()
	router := testRouter(newTestServer(repo))

	img := pngBytes(t)
	body, ct := multipartBody(t,
		map[string][][]byte{"images": {img, img, img}},
		map[string][]string{"contexts": {"first", "  ", "third"}})
	req := httptest.NewRequest(http.MethodPost, "/tasks/bulk-upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	items := got["tasks"].([]any)
	require.Len(t, items, 3)

	first := items[0].(map[string]any)
	assert.Equal(t, "PENDING", first["status"])
	second := items[1].(map[string]any)
	require.NotNil(t, second["error"])
	assert.Equal(t, "INVALID_ARGUMENT", second["error"].(map[string]any)["code"])
	third := items[2].(map[string]any)
	assert.Equal(t, "PENDING", third["status"])

	assert.Len(t, repo.tasks, 2)
}

func TestBulkUploadRequiresAlignedContexts(t *testing.T) {
	router := testRouter(newTestServer(newMemRepo()))

	img := pngBytes(t)
	body, ct := multipartBody(t,
		map[string][][]byte{"images": {img, img}},
		map[string][]string{"contexts": {"only one"}})
	req := httptest.NewRequest(http.MethodPost, "/tasks/bulk-upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	repo := newMemRepo()
	a, b := "A cat.", "A tabby."
	repo.tasks["t1"] = domain.Task{ID: "t1", Status: domain.TaskDone, Alt1: &a, Alt2: &b}
	router := testRouter(newTestServer(repo))

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "t1", got["id"])
	assert.Equal(t, "DONE", got["status"])
	assert.Equal(t, "A cat.", got["alt1"])
	assert.Equal(t, "A tabby.", got["alt2"])
}

func TestGetTaskNotFound(t *testing.T) {
	router := testRouter(newTestServer(newMemRepo()))

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "NOT_FOUND", got["error"].(map[string]any)["code"])
}

func TestApproveDoneTask(t *testing.T) {
	repo := newMemRepo()
	a, b := "A cat.", "A tabby."
	repo.tasks["t1"] = domain.Task{ID: "t1", Status: domain.TaskDone, Alt1: &a, Alt2: &b}
	router := testRouter(newTestServer(repo))

	req := httptest.NewRequest(http.MethodPatch, "/tasks/t1/approve",
		strings.NewReader(`{"selected_alt_index":2,"is_approved":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	assert.Equal(t, float64(2), got["selected_alt_index"])
	assert.Equal(t, "A tabby.", got["final_alt"])
	assert.Equal(t, true, got["is_approved"])
	assert.NotEmpty(t, got["finished_at"])
}

func TestApproveRequiresDoneStatus(t *testing.T) {
	repo := newMemRepo()
	repo.tasks["t1"] = domain.Task{ID: "t1", Status: domain.TaskPending}
	router := testRouter(newTestServer(repo))

	req := httptest.NewRequest(http.MethodPatch, "/tasks/t1/approve",
		strings.NewReader(`{"selected_alt_index":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "PRECONDITION_FAILED", got["error"].(map[string]any)["code"])
}

func TestApproveRejectsBadIndex(t *testing.T) {
	repo := newMemRepo()
	repo.tasks["t1"] = domain.Task{ID: "t1", Status: domain.TaskDone}
	router := testRouter(newTestServer(repo))

	req := httptest.NewRequest(http.MethodPatch, "/tasks/t1/approve",
		strings.NewReader(`{"selected_alt_index":3}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeBatch(t *testing.T) {
	repo := newMemRepo()
	a, b := "A cat.", "A tabby."
	repo.tasks["done-1"] = domain.Task{ID: "done-1", Status: domain.TaskDone, Alt1: &a, Alt2: &b}
	repo.tasks["pending-1"] = domain.Task{ID: "pending-1", Status: domain.TaskPending}
	router := testRouter(newTestServer(repo))

	req := httptest.NewRequest(http.MethodPost, "/tasks/finalize",
		strings.NewReader(`[{"task_id":"done-1","selected_alt_index":1},{"task_id":"pending-1"},{"task_id":"missing"}]`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	items := got["tasks"].([]any)
	require.Len(t, items, 3)

	first := items[0].(map[string]any)
	assert.Equal(t, "DONE", first["status"])
	second := items[1].(map[string]any)
	assert.Equal(t, "PRECONDITION_FAILED", second["error"].(map[string]any)["code"])
	third := items[2].(map[string]any)
	assert.Equal(t, "NOT_FOUND", third["error"].(map[string]any)["code"])
}

func TestFinalizeRejectsEmptyBatch(t *testing.T) {
	router := testRouter(newTestServer(newMemRepo()))

	req := httptest.NewRequest(http.MethodPost, "/tasks/finalize", strings.NewReader(`[]`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(newMemRepo())
	router := testRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// No DB check configured: ready.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.DBCheck = func(domain.Context) error { return domain.ErrUnavailable }
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
