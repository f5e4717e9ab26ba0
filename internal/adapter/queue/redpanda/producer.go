// Package redpanda provides the Redpanda/Kafka queue adapters: a confirming
// producer, the worker consumer, the DLQ consumer, and the wait-queue
// forwarder that implements delayed re-drives.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/altify/altify/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.Queue. Produced
// records are acknowledged by all in-sync replicas before Publish returns,
// which is the publisher-confirm guarantee the ingress relies on.
type Producer struct {
	client     *kgo.Client
	partitions int32

	mu      sync.Mutex
	created map[string]bool
}

// NewProducer constructs a Producer and ensures the core topics exist. The
// main topic gets partitions partitions; one partition keeps dispatch in
// publish order.
func NewProducer(brokers []string, partitions int32) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if partitions <= 0 {
		partitions = 1
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	p := &Producer{client: client, partitions: partitions, created: make(map[string]bool)}
	ctx := context.Background()
	for _, topic := range []string{domain.QueueMain, domain.QueueDLQ} {
		if err := p.ensureTopic(ctx, topic); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return p, nil
}

// Publish produces one task message to queue with confirms. A positive delay
// routes the message through a per-delay wait queue; the forwarder moves it
// to the target queue once the delay elapses.
func (p *Producer) Publish(ctx domain.Context, queue string, msg domain.TaskMessage, delay time.Duration) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}

	topic := queue
	var headers []kgo.RecordHeader
	if delay > 0 {
		topic = waitTopic(delay)
		headers = append(headers, kgo.RecordHeader{
			Key:   headerReadyAt,
			Value: []byte(strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10)),
		})
		if err := p.ensureTopic(ctx, topic); err != nil {
			return fmt.Errorf("%w: ensure wait topic: %v", domain.ErrUnavailable, err)
		}
	}

	rec := &kgo.Record{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   b,
		Headers: headers,
	}
	if err := p.produceConfirmed(ctx, rec); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", domain.ErrUnavailable, topic, err)
	}
	slog.Debug("task message published",
		slog.String("task_id", msg.ID),
		slog.String("queue", topic),
		slog.Duration("delay", delay))
	return nil
}

// PublishDead dead-letters a message, bumping the x-death count and recording
// the failure reason for the DLQ consumer.
func (p *Producer) PublishDead(ctx domain.Context, msg domain.TaskMessage, deaths int, reason string) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	rec := &kgo.Record{
		Topic: domain.QueueDLQ,
		Key:   []byte(msg.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerDeath, Value: []byte(strconv.Itoa(deaths))},
			{Key: headerDeathReason, Value: []byte(reason)},
		},
	}
	if err := p.produceConfirmed(ctx, rec); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", domain.ErrUnavailable, msg.ID, err)
	}
	slog.Info("task dead-lettered",
		slog.String("task_id", msg.ID),
		slog.Int("deaths", deaths),
		slog.String("reason", reason))
	return nil
}

// produceConfirmed synchronously produces one record, retrying transient
// broker errors with exponential backoff bounded by the caller's context.
func (p *Producer) produceConfirmed(ctx context.Context, rec *kgo.Record) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(15*time.Second),
	), ctx)
	return backoff.Retry(func() error {
		return p.client.ProduceSync(ctx, rec).FirstErr()
	}, bo)
}

func (p *Producer) ensureTopic(ctx context.Context, topic string) error {
	p.mu.Lock()
	done := p.created[topic]
	p.mu.Unlock()
	if done {
		return nil
	}
	// Only the main topic scales out; DLQ and wait queues stay single
	// partition so their consumers see deaths and release times in order.
	partitions := int32(1)
	if topic == domain.QueueMain {
		partitions = p.partitions
	}
	if err := createTopicIfNotExists(ctx, p.client, topic, partitions, 1); err != nil {
		return err
	}
	p.mu.Lock()
	p.created[topic] = true
	p.mu.Unlock()
	return nil
}

// waitTopic buckets a delay into a per-delay wait queue name, e.g.
// tasks.wait.4000 for a 4s delay.
func waitTopic(delay time.Duration) string {
	return fmt.Sprintf("%s%d", domain.QueueWaitPrefix, delay.Milliseconds())
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.client.Flush(ctx)
		p.client.Close()
	}
	return nil
}
