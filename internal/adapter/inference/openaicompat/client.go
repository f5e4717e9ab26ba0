// Package openaicompat implements the Inferencer port against any
// OpenAI-compatible vision chat endpoint (vLLM, llama.cpp server, hosted
// providers).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/altify/altify/internal/domain"
)

const systemPrompt = "You write alt text for images. Respond with a single " +
	"concise sentence describing the image for a screen-reader user. No " +
	"quotes, no preamble."

// Candidate decoding settings. Two calls with different temperatures yield
// two distinct phrasings for the reviewer to choose between.
var candidateTemps = []float64{0.2, 0.8}

// Client calls a chat-completions endpoint with image input.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

// New constructs a Client. The HTTP client carries no timeout of its own;
// callers bound each Generate with a context deadline.
func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		hc:      &http.Client{},
	}
}

// Generate produces k alt-text candidates for image. Error classification:
// decode failures map to ErrImageDecode, provider memory pressure to
// ErrInferenceOOM, deadline hits to ErrInferenceTimeout, everything else
// retryable to ErrUnavailable.
func (c *Client) Generate(ctx domain.Context, image []byte, contextText string, k int) ([]string, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrImageDecode)
	}
	mt := mimetype.Detect(image)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: unsupported content type %s", domain.ErrImageDecode, mt.String())
	}
	dataURL := "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(image)

	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		temp := candidateTemps[i%len(candidateTemps)]
		alt, err := c.complete(ctx, dataURL, contextText, temp)
		if err != nil {
			return nil, err
		}
		out = append(out, alt)
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, dataURL, contextText string, temperature float64) (string, error) {
	userContent := []map[string]any{
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	prompt := "Describe this image as alt text."
	if contextText != "" {
		prompt = "Describe this image as alt text. Surrounding page context:\n" + contextText
	}
	userContent = append(userContent, map[string]any{"type": "text", "text": prompt})

	body := map[string]any{
		"model":       c.model,
		"temperature": temperature,
		"max_tokens":  120,
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userContent},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("inference provider rate limited", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(classify4xx(resp.StatusCode, bodyBytes))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isOOM(bodyBytes) {
				return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrInferenceOOM, resp.StatusCode))
			}
			snippet := string(bodyBytes)
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			slog.Error("inference provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode chat response: %w", err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	)
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if errors.Is(err, domain.ErrImageDecode) || errors.Is(err, domain.ErrInferenceOOM) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInferenceTimeout, err)
		}
		return "", fmt.Errorf("%w: chat completion: %v", domain.ErrUnavailable, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrUnavailable)
	}
	alt := strings.TrimSpace(out.Choices[0].Message.Content)
	alt = strings.Trim(alt, `"`)
	if alt == "" {
		return "", fmt.Errorf("%w: empty completion", domain.ErrUnavailable)
	}
	return alt, nil
}

// classify4xx maps client errors: payload problems are deterministic decode
// failures, everything else is surfaced as-is and treated as terminal by the
// worker only when it matches a sentinel.
func classify4xx(status int, body []byte) error {
	if status == http.StatusRequestEntityTooLarge {
		return fmt.Errorf("%w: image too large for provider", domain.ErrImageDecode)
	}
	low := strings.ToLower(string(body))
	if strings.Contains(low, "image") && (strings.Contains(low, "decode") ||
		strings.Contains(low, "invalid") || strings.Contains(low, "corrupt")) {
		return fmt.Errorf("%w: provider rejected image: status %d", domain.ErrImageDecode, status)
	}
	return fmt.Errorf("chat status %d", status)
}

func isOOM(body []byte) bool {
	low := strings.ToLower(string(body))
	return strings.Contains(low, "out of memory") || strings.Contains(low, "cuda") ||
		strings.Contains(low, "oom")
}
