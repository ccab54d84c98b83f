// Package kafka provides the log-sink producer and topic management for the
// Meridian ingestion core.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one log-sink message. A nil Key means round-robin partitioning.
type Message struct {
	Key   []byte
	Value []byte
}

// Producer publishes messages to the partitioned log. It is safe for
// concurrent use; the underlying client batches and acks asynchronously.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects a producer to the given comma-separated broker list.
func NewProducer(brokers string) (*Producer, error) {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{client: client}, nil
}

// NewProducerWithClient wraps an existing client, used by tests.
func NewProducerWithClient(client *kgo.Client) *Producer {
	return &Producer{client: client}
}

// Queue enqueues messages for the topic. Delivery is asynchronous and
// at-least-once; failures are logged and retried by the client. Queue is
// always called after the relational commit it mirrors, never inside it.
func (p *Producer) Queue(ctx context.Context, topic string, messages []Message) {
	for _, msg := range messages {
		record := &kgo.Record{
			Topic: topic,
			Key:   msg.Key,
			Value: msg.Value,
		}
		p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
			if err != nil {
				slog.Error("produce failed",
					"topic", r.Topic,
					"key", string(r.Key),
					"error", err,
				)
			}
		})
	}
}

// Flush blocks until all buffered records are delivered or ctx expires.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	if err := p.client.Flush(context.Background()); err != nil {
		slog.Error("producer flush error", "error", err)
	}
	p.client.Close()
}
