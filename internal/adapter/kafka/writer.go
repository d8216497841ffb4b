// Package kafka publishes enriched detection events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/wildfire-etl/internal/config"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// Writer produces detection events to the sink topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes and publishes the run's events in a single
// WriteMessages call. Events with the same detection id land on the same
// partition.
func (w *Writer) Publish(ctx context.Context, events []domain.DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d detection events: %w", len(msgs), err)
	}
	w.logger.Debug("detection events published", "topic", w.writer.Topic, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a DetectionEvent into a Kafka message.
func serializeToMessage(event domain.DetectionEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize detection event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(event.ID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "satellite", Value: []byte(event.Satellite)},
			{Key: "acq_datetime", Value: []byte(event.AcquiredAt.Format(time.RFC3339))},
		},
	}, nil
}
