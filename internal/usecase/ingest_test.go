package usecase

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altify/altify/internal/domain"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newIngest(repo *fakeTaskRepo, blobs *fakeBlobStore, queue *fakeQueue) IngestService {
	return NewIngestService(repo, blobs, queue, 1<<20, 128, 256)
}

func TestUploadHappyPath(t *testing.T) {
	repo, blobs, queue := newFakeTaskRepo(), newFakeBlobStore(), &fakeQueue{}
	svc := newIngest(repo, blobs, queue)

	task, err := svc.Upload(context.Background(), UploadInput{
		Filename: "cat.png",
		Image:    pngBytes(t, 1, 1),
		Context:  "cat on mat",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, "tasks/"+task.ID, task.ImageKey)

	// Blob, row, and message all staged.
	_, err = blobs.Get(context.Background(), task.ImageKey)
	require.NoError(t, err)
	stored, err := repo.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "cat on mat", stored.ContextText)
	require.Len(t, queue.messages, 1)
	assert.Equal(t, domain.QueueMain, queue.messages[0].Queue)
	assert.Equal(t, task.ID, queue.messages[0].Msg.ID)
	assert.Zero(t, queue.messages[0].Delay)
}

func TestUploadValidation(t *testing.T) {
	repo, blobs, queue := newFakeTaskRepo(), newFakeBlobStore(), &fakeQueue{}
	svc := newIngest(repo, blobs, queue)
	ctx := context.Background()

	cases := []struct {
		name string
		in   UploadInput
	}{
		{"empty image", UploadInput{Context: "x"}},
		{"not an image", UploadInput{Image: []byte("plain text"), Context: "x"}},
		{"oversized dimensions", UploadInput{Image: pngBytes(t, 200, 1), Context: "x"}},
		{"empty context", UploadInput{Image: pngBytes(t, 1, 1), Context: "   "}},
		{"context too long", UploadInput{Image: pngBytes(t, 1, 1), Context: strings.Repeat("a", 300)}},
		{"context only markup", UploadInput{Image: pngBytes(t, 1, 1), Context: "<div><br/></div>"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tc.in)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}

	// No partial state left behind by any rejected item.
	assert.Empty(t, blobs.objects)
	assert.Empty(t, repo.tasks)
	assert.Empty(t, queue.messages)
}

func TestUploadStripsMarkupFromContext(t *testing.T) {
	repo, blobs, queue := newFakeTaskRepo(), newFakeBlobStore(), &fakeQueue{}
	svc := newIngest(repo, blobs, queue)

	task, err := svc.Upload(context.Background(), UploadInput{
		Image:   pngBytes(t, 1, 1),
		Context: "<p>cat <b>on</b> mat</p>",
	})
	require.NoError(t, err)
	stored, err := repo.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "cat on mat", stored.ContextText)
}

func TestUploadRollsBackOnPublishFailure(t *testing.T) {
	repo, blobs := newFakeTaskRepo(), newFakeBlobStore()
	queue := &fakeQueue{publishErr: domain.ErrUnavailable}
	svc := newIngest(repo, blobs, queue)

	_, err := svc.Upload(context.Background(), UploadInput{
		Image:   pngBytes(t, 1, 1),
		Context: "cat on mat",
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	// Blob and row both compensated away.
	assert.Empty(t, blobs.objects)
	assert.Empty(t, repo.tasks)
	assert.Len(t, blobs.deleted, 1)
	assert.Len(t, repo.deleted, 1)
}

func TestUploadRollsBackBlobOnInsertFailure(t *testing.T) {
	repo, blobs, queue := newFakeTaskRepo(), newFakeBlobStore(), &fakeQueue{}
	repo.insertErr = domain.ErrUnavailable
	svc := newIngest(repo, blobs, queue)

	_, err := svc.Upload(context.Background(), UploadInput{
		Image:   pngBytes(t, 1, 1),
		Context: "cat on mat",
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Empty(t, blobs.objects)
	assert.Empty(t, queue.messages)
}

func TestBulkUploadPartialFailure(t *testing.T) {
	repo, blobs, queue := newFakeTaskRepo(), newFakeBlobStore(), &fakeQueue{}
	svc := newIngest(repo, blobs, queue)

	img := pngBytes(t, 1, 1)
	results := svc.BulkUpload(context.Background(), []UploadInput{
		{Image: img, Context: "first"},
		{Image: img, Context: "   "},
		{Image: img, Context: "third"},
	})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, domain.TaskPending, results[0].Task.Status)
	require.ErrorIs(t, results[1].Err, domain.ErrInvalidArgument)
	require.NoError(t, results[2].Err)

	// Exactly two staged tasks, in order.
	assert.Len(t, repo.tasks, 2)
	require.Len(t, queue.messages, 2)
	assert.Equal(t, results[0].Task.ID, queue.messages[0].Msg.ID)
	assert.Equal(t, results[2].Task.ID, queue.messages[1].Msg.ID)
}
