package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

// KafkaRelay relays change events through a Kafka topic used as a shared
// change log. Messages are keyed by document id so one document's events
// stay ordered within a partition.
type KafkaRelay struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

var _ Relay = (*KafkaRelay)(nil)

// NewKafkaRelay creates a writer and a reader on topic. Each replica reads
// with its own consumer group so every replica sees every event.
func NewKafkaRelay(brokers []string, topic, nodeID string) *KafkaRelay {
	return &KafkaRelay{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     "huddle-" + nodeID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     250 * time.Millisecond,
		}),
	}
}

func (r *KafkaRelay) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		metrics.RelayErrors.WithLabelValues("kafka", "publish").Inc()
		return err
	}
	return nil
}

func kafkaMessage(ev *model.ChangeEvent) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.DocumentID),
		Value: data,
		Time:  ev.EmittedAt,
	}, nil
}

func (r *KafkaRelay) Run(ctx context.Context, deliver func(*model.ChangeEvent)) error {
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			metrics.RelayErrors.WithLabelValues("kafka", "read").Inc()
			return fmt.Errorf("reading kafka: %w", err)
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			metrics.RelayErrors.WithLabelValues("kafka", "decode").Inc()
			slog.Warn("events: bad kafka payload", "offset", m.Offset, "error", err)
			continue
		}
		deliver(&ev)
	}
}

func (r *KafkaRelay) Close() error {
	return errors.Join(r.writer.Close(), r.reader.Close())
}
