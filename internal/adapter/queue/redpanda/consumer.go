package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/altify/altify/internal/domain"
)

// Consumer pulls task messages from the main queue and feeds them to a
// TaskHandler through a slot-bounded worker pool. Each slot corresponds to
// one concurrent inference; the pool channel doubles as the prefetch bound,
// so a worker process never holds more unacked deliveries than it has slots.
type Consumer struct {
	client  *kgo.Client
	handler *TaskHandler
	groupID string
	slots   int

	queue chan *kgo.Record
	wg    sync.WaitGroup
}

// NewConsumer joins groupID on the main queue with slots concurrent
// processing slots. partitions must match the producer's topic layout.
func NewConsumer(brokers []string, groupID string, handler *TaskHandler, slots int, partitions int32) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if slots <= 0 {
		slots = 1
	}
	if partitions <= 0 {
		partitions = 1
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	if err := createTopicIfNotExists(ctx, tempClient, domain.QueueMain, partitions, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", domain.QueueMain), slog.Any("error", err))
	}
	tempClient.Close()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(domain.QueueMain),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		groupID: groupID,
		slots:   slots,
		queue:   make(chan *kgo.Record, slots),
	}, nil
}

// Start runs the poll loop until ctx is canceled, then drains in-flight
// slots before returning. Cancellation never interrupts a running inference:
// workers handle records on a context detached from ctx.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting task consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", domain.QueueMain),
		slog.Int("slots", c.slots))

	for i := 0; i < c.slots; i++ {
		c.wg.Add(1)
		go c.slotWorker(i)
	}

	for {
		fetches := c.client.PollRecords(ctx, c.slots)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		for _, fe := range fetches.Errors() {
			if fe.Err == context.Canceled {
				continue
			}
			slog.Error("fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}
		for _, rec := range fetches.Records() {
			select {
			case c.queue <- rec:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(c.queue)
	c.wg.Wait()

	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(commitCtx); err != nil {
		slog.Warn("final offset commit failed", slog.Any("error", err))
	}
	slog.Info("task consumer drained")
	return ctx.Err()
}

func (c *Consumer) slotWorker(id int) {
	defer c.wg.Done()
	for rec := range c.queue {
		c.handleRecord(id, rec)
	}
}

func (c *Consumer) handleRecord(slot int, rec *kgo.Record) {
	// Detached from the consumer lifecycle so shutdown lets the current
	// message finish.
	ctx := context.Background()

	msg, err := domain.DecodeTaskMessage(rec.Value)
	if err != nil {
		// Malformed payloads can never succeed; drop them with a log line.
		slog.Error("dropping malformed task message",
			slog.Int("slot", slot),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		c.client.MarkCommitRecords(rec)
		return
	}

	if err := c.handler.Handle(ctx, msg, deathCount(rec)); err != nil {
		// Unsettled: leave the record unmarked so it is redelivered.
		slog.Error("task delivery left unsettled",
			slog.Int("slot", slot),
			slog.String("task_id", msg.ID),
			slog.Any("error", err))
		return
	}
	c.client.MarkCommitRecords(rec)
}

// Close closes the underlying client; Start returns once polling stops.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
