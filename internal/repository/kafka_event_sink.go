package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventSink implements domain.EventSink using segmentio/kafka-go.
// Messages are keyed by source IP so events from one address stay ordered.
type KafkaEventSink struct {
	writer messageWriter
}

// NewKafkaEventSink creates a sink writing to topic. It returns nil when
// brokers or topic are empty; a nil sink is not registered with the monitor.
func NewKafkaEventSink(brokers []string, topic string) *KafkaEventSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaEventSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// Publish serializes the event as JSON and writes it to the topic.
func (s *KafkaEventSink) Publish(ctx context.Context, ev domain.SecurityEvent) error {
	if s == nil || s.writer == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode security event")
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.IP),
		Value: payload,
		Time:  ev.Timestamp,
	})
	return errors.Wrap(err, "kafka publish")
}

// Close closes the Kafka writer. Safe to call on a nil sink.
func (s *KafkaEventSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
