// Package autoscaler sizes the worker fleet from observed queue depth.
package autoscaler

import (
	"context"
	"log/slog"
	"time"

	"github.com/altify/altify/internal/adapter/observability"
	"github.com/altify/altify/internal/domain"
)

// Config bounds the control loop.
type Config struct {
	MinWorkers   int
	MaxWorkers   int
	ScaleTarget  int
	Cooldown     time.Duration
	PollInterval time.Duration
	Service      string
}

// Controller polls queue depth and scales the worker service. Scale-up is
// immediate; scale-down waits for the queue to stay below the threshold for
// a full cooldown so a bursty queue does not thrash replicas.
type Controller struct {
	depth domain.QueueDepthReader
	orch  domain.Orchestrator
	cfg   Config

	// lowSince is the start of the current continuous low-depth window;
	// zero when depth is not low.
	lowSince time.Time
}

// New wires a Controller.
func New(depth domain.QueueDepthReader, orch domain.Orchestrator, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Controller{depth: depth, orch: orch, cfg: cfg}
}

// Run drives the control loop until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	slog.Info("autoscaler starting",
		slog.String("service", c.cfg.Service),
		slog.Int("min", c.cfg.MinWorkers),
		slog.Int("max", c.cfg.MaxWorkers),
		slog.Int("target", c.cfg.ScaleTarget),
		slog.Duration("cooldown", c.cfg.Cooldown))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("autoscaler stopping")
			return
		case now := <-ticker.C:
			c.Tick(ctx, now)
		}
	}
}

// Tick runs one control iteration at the given time.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	ready, unacked, err := c.depth.QueueDepth(ctx, domain.QueueMain)
	if err != nil {
		slog.Warn("queue depth unavailable, holding replicas", slog.Any("error", err))
		c.lowSince = time.Time{}
		return
	}
	observability.ObserveQueueDepth(domain.QueueMain, ready, unacked)

	desired := c.desired(ready)

	current, err := c.orch.Replicas(ctx, c.cfg.Service)
	if err != nil {
		// Report-only mode: the decision is still logged and the gauge still
		// moves, but nothing is scaled.
		slog.Warn("orchestrator unreachable, report-only",
			slog.Int64("ready", ready),
			slog.Int("desired", desired),
			slog.Any("error", err))
		return
	}
	observability.WorkerReplicas.Set(float64(current))

	switch {
	case desired > current:
		c.lowSince = time.Time{}
		c.scale(ctx, current, desired, ready)
	case desired < current:
		if c.lowSince.IsZero() {
			c.lowSince = now
		}
		held := now.Sub(c.lowSince)
		if held < c.cfg.Cooldown {
			slog.Debug("scale-down held for cooldown",
				slog.Int("current", current),
				slog.Int("desired", desired),
				slog.Duration("held", held))
			return
		}
		c.scale(ctx, current, desired, ready)
		c.lowSince = time.Time{}
	default:
		c.lowSince = time.Time{}
	}
}

// desired is ceil(ready/target) clamped to [min, max].
func (c *Controller) desired(ready int64) int {
	target := int64(c.cfg.ScaleTarget)
	n := int((ready + target - 1) / target)
	if n < c.cfg.MinWorkers {
		n = c.cfg.MinWorkers
	}
	if n > c.cfg.MaxWorkers {
		n = c.cfg.MaxWorkers
	}
	return n
}

func (c *Controller) scale(ctx context.Context, current, desired int, ready int64) {
	if err := c.orch.Scale(ctx, c.cfg.Service, desired); err != nil {
		slog.Error("scale failed",
			slog.Int("current", current),
			slog.Int("desired", desired),
			slog.Any("error", err))
		return
	}
	observability.WorkerReplicas.Set(float64(desired))
	slog.Info("worker fleet scaled",
		slog.Int("from", current),
		slog.Int("to", desired),
		slog.Int64("ready", ready))
}
