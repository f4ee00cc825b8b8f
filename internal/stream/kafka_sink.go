// Package stream publishes audit records to Kafka for downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/example/palmvein/internal/audit"
)

// DefaultTopic receives audit records when no topic is configured.
const DefaultTopic = "palmvein.auth-attempts"

// DefaultWriteTimeout bounds one produce, including broker retries.
const DefaultWriteTimeout = 2 * time.Second

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink implements audit.Sink on top of a franz-go client.
type KafkaSink struct {
	client  producer
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaSink connects to brokers and produces to topic.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordDeliveryTimeout(DefaultWriteTimeout),
		kgo.ProduceRequestTimeout(DefaultWriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newKafkaSink(client, topic, logger), nil
}

func newKafkaSink(client producer, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{client: client, topic: topic, timeout: DefaultWriteTimeout, logger: logger.Named("audit_stream")}
}

// Write publishes r keyed by claimed identity so one identity's attempts
// stay ordered within a partition.
func (s *KafkaSink) Write(ctx context.Context, r audit.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	rec := &kgo.Record{Topic: s.topic, Value: payload}
	if r.ClaimedIdentity != nil {
		rec.Key = []byte(*r.ClaimedIdentity)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// Close flushes nothing further and releases broker connections.
func (s *KafkaSink) Close() {
	s.client.Close()
}
