// Package stub provides a fast, deterministic Inferencer for local runs and
// tests.
package stub

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/altify/altify/internal/domain"
)

// Client generates deterministic alt text derived from the image bytes, so
// repeated runs over the same input produce identical candidates.
type Client struct {
	// Latency simulates inference time; zero in tests.
	Latency time.Duration
}

func New() *Client { return &Client{Latency: 50 * time.Millisecond} }

// Generate returns k deterministic candidates. Undecodable images fail the
// same way the real client does.
func (c *Client) Generate(ctx domain.Context, img []byte, contextText string, k int) ([]string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
	}
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrInferenceTimeout, ctx.Err())
		}
	}

	h := fnv.New32a()
	_, _ = h.Write(img)
	sum := h.Sum32()

	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, fmt.Sprintf("A %s image, %dx%d pixels (variant %d, %08x)",
			format, cfg.Width, cfg.Height, i+1, sum))
	}
	return out, nil
}
