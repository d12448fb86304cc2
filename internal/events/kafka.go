package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Compile-time interface check.
var _ Sink = (*KafkaSink)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events as JSON to a Kafka topic, keyed by symbol so one
// symbol's events stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

// Write publishes e.
func (s *KafkaSink) Write(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Symbol),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
