// Package events publishes purchase audit events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

// DefaultTopic receives audit events when no topic is configured
const DefaultTopic = "premium.purchases"

// HeaderEventType carries the event type on every message
const HeaderEventType = "event-type"

// KafkaSink is a premium.EventSink writing JSON events with a synchronous producer.
// Messages are keyed by query so the events of one query stay ordered on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// SinkOption configures a KafkaSink
type SinkOption func(*KafkaSink)

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) SinkOption {
	return func(s *KafkaSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewProducerConfig returns the producer configuration used by NewKafkaSink
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_6_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// NewKafkaSink connects a synchronous producer to brokers
func NewKafkaSink(brokers []string, topic string, opts ...SinkOption) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, topic, opts...), nil
}

// NewKafkaSinkWithProducer wraps an existing producer
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, opts ...SinkOption) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit publishes event and waits for the broker acknowledgement
func (s *KafkaSink) Emit(ctx context.Context, event premium.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.Query),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	s.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("query", event.Query),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

var _ premium.EventSink = (*KafkaSink)(nil)
