package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/altify/altify/internal/domain"
)

// fakeTaskRepo is an in-memory TaskRepository with a realistic guard.
type fakeTaskRepo struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	deleted []string

	insertErr error
	updateErr error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: map[string]domain.Task{}}
}

func (f *fakeTaskRepo) Insert(_ domain.Context, t domain.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	f.tasks[t.ID] = t
	return t.ID, nil
}

func (f *fakeTaskRepo) Get(_ domain.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTaskRepo) GetMany(_ domain.Context, ids []string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) UpdateIfStatusIn(_ domain.Context, id string, allowed []domain.TaskStatus, patch domain.TaskPatch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return 0, nil
	}
	match := false
	for _, s := range allowed {
		if t.Status == s {
			match = true
			break
		}
	}
	if !match {
		return 0, nil
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Alt1 != nil {
		t.Alt1 = patch.Alt1
	}
	if patch.Alt2 != nil {
		t.Alt2 = patch.Alt2
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
	if patch.LastError != nil {
		t.LastError = patch.LastError
	} else if patch.ClearLastError {
		t.LastError = nil
	}
	if patch.IncAttempts {
		t.Attempts++
	}
	if patch.SetFinishedAt && t.FinishedAt == nil {
		now := time.Now()
		t.FinishedAt = &now
	}
	t.UpdatedAt = time.Now()
	f.tasks[id] = t
	return 1, nil
}

func (f *fakeTaskRepo) Delete(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTaskRepo) ListByStatusOlderThan(_ domain.Context, status domain.TaskStatus, cutoff time.Time, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if t.Status == status && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeBlobStore is an in-memory put-if-absent BlobStore.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string

	putErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(_ domain.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if _, ok := f.objects[key]; ok {
		return fmt.Errorf("op=blob.put key=%s: %w", key, domain.ErrConflict)
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Get(_ domain.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("op=blob.get key=%s: %w", key, domain.ErrNotFound)
	}
	return b, nil
}

func (f *fakeBlobStore) Delete(_ domain.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type published struct {
	Queue string
	Msg   domain.TaskMessage
	Delay time.Duration
}

// fakeQueue records publishes.
type fakeQueue struct {
	mu         sync.Mutex
	messages   []published
	publishErr error
}

func (f *fakeQueue) Publish(_ domain.Context, queue string, msg domain.TaskMessage, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{Queue: queue, Msg: msg, Delay: delay})
	return nil
}
