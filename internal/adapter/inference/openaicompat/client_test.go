package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altify/altify/internal/domain"
)

// Smallest valid PNG header plus IHDR; enough for mimetype sniffing.
var pngMagic = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x02, 0x00, 0x00, 0x00,
}

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func TestGenerateTwoCandidatesWithDistinctTemperatures(t *testing.T) {
	var mu sync.Mutex
	var temps []float64
	var bodies []chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		temps = append(temps, req.Temperature)
		bodies = append(bodies, req)
		n := len(temps)
		mu.Unlock()
		if n == 1 {
			_, _ = w.Write([]byte(chatResponse(" \"A sleeping cat.\" ")))
			return
		}
		_, _ = w.Write([]byte(chatResponse("A cat curled on a rug.")))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model")
	out, err := c.Generate(context.Background(), pngMagic, "cat on mat", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Whitespace and wrapping quotes are stripped from completions.
	assert.Equal(t, "A sleeping cat.", out[0])
	assert.Equal(t, "A cat curled on a rug.", out[1])

	require.Equal(t, []float64{0.2, 0.8}, temps)
	require.Len(t, bodies, 2)
	assert.Equal(t, "test-model", bodies[0].Model)
	assert.Equal(t, "system", bodies[0].Messages[0].Role)
	assert.Contains(t, string(bodies[0].Messages[1].Content), "data:image/png;base64,")
	assert.Contains(t, string(bodies[0].Messages[1].Content), "cat on mat")
}

func TestGenerateRejectsNonImagePayload(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(context.Background(), []byte("plain text"), "x", 2)
	require.ErrorIs(t, err, domain.ErrImageDecode)
	assert.False(t, called, "provider must not be called for an undecodable payload")

	_, err = c.Generate(context.Background(), nil, "x", 2)
	require.ErrorIs(t, err, domain.ErrImageDecode)
}

func TestGeneratePayloadTooLargeIsDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(context.Background(), pngMagic, "x", 1)
	require.ErrorIs(t, err, domain.ErrImageDecode)
}

func TestGenerateProviderRejectsImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid image data"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(context.Background(), pngMagic, "x", 1)
	require.ErrorIs(t, err, domain.ErrImageDecode)
}

func TestGenerateClassifiesOOM(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("CUDA out of memory"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(context.Background(), pngMagic, "x", 1)
	require.ErrorIs(t, err, domain.ErrInferenceOOM)
	assert.Equal(t, 1, requests, "memory pressure is permanent, no retries")
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(chatResponse("A cat.")))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	out, err := c.Generate(context.Background(), pngMagic, "x", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A cat."}, out)
	assert.Equal(t, 2, requests)
}

func TestGenerateTimesOutAgainstDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(ctx, pngMagic, "x", 1)
	require.ErrorIs(t, err, domain.ErrInferenceTimeout)
}

func TestGenerateEmptyCompletionIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	_, err := c.Generate(context.Background(), pngMagic, "x", 1)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}
