package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/altify/altify/internal/domain"
)

// WaitForwarder drains the per-delay wait queues and moves each message to
// its target queue once its release time passes. Every message in one wait
// queue carries the same delay, so the queue stays ordered by release time
// and blocking on the head never starves a later message.
type WaitForwarder struct {
	client   *kgo.Client
	producer *Producer
}

// NewWaitForwarder joins the forwarder group across all wait queues.
func NewWaitForwarder(brokers []string, producer *Producer) (*WaitForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	pattern := "^" + regexp.QuoteMeta(domain.QueueWaitPrefix) + "[0-9]+$"
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup("altify-wait-forwarder"),
		kgo.ConsumeTopics(pattern),
		kgo.ConsumeRegex(),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda wait client: %w", err)
	}
	return &WaitForwarder{client: client, producer: producer}, nil
}

// Start runs the forward loop until ctx is canceled.
func (f *WaitForwarder) Start(ctx context.Context) error {
	slog.Info("starting wait-queue forwarder",
		slog.String("pattern", domain.QueueWaitPrefix+"*"))

	for {
		fetches := f.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			if fe.Err == context.Canceled {
				continue
			}
			slog.Error("wait fetch error",
				slog.String("topic", fe.Topic),
				slog.Any("error", fe.Err))
		}
		var stop bool
		fetches.EachRecord(func(rec *kgo.Record) {
			if stop {
				return
			}
			if !f.forward(ctx, rec) {
				stop = true
				return
			}
			f.client.MarkCommitRecords(rec)
		})
	}
}

// forward blocks until the record's release time, then republishes it to the
// target queue. Returns false when interrupted or the publish fails; the
// record stays unmarked and is redelivered.
func (f *WaitForwarder) forward(ctx context.Context, rec *kgo.Record) bool {
	if wait := time.Until(readyAt(rec)); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false
		}
	}

	out := &kgo.Record{
		Topic: domain.QueueMain,
		Key:   rec.Key,
		Value: rec.Value,
	}
	// Carry everything except the consumed release-time header.
	for _, h := range rec.Headers {
		if h.Key == headerReadyAt {
			continue
		}
		out.Headers = append(out.Headers, h)
	}
	if err := f.producer.produceConfirmed(ctx, out); err != nil {
		slog.Error("wait forward publish failed",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return false
	}
	slog.Debug("wait message forwarded",
		slog.String("from", rec.Topic),
		slog.String("task_id", string(rec.Key)))
	return true
}

// Close closes the underlying client.
func (f *WaitForwarder) Close() error {
	if f.client != nil {
		f.client.Close()
	}
	return nil
}
