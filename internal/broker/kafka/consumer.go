package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/TrailBox/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r messageReader
}

// NewConsumer читает topic в группе groupID. Новая группа начинает с конца
// топика: кэшу статусов старые обновления не нужны.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		StartOffset:       kafka.LastOffset,
		MaxWait:           time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{r: kafka.NewReader(cfg)}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume calls handler for every message and commits it only after the
// handler succeeded. A handler error stops consumption uncommitted.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

// ConsumeTrackingUpdates decodes tracking.updated messages. Malformed ones
// and ones without shipment_id are logged and committed, иначе они навсегда
// заблокируют партицию.
func (c *Consumer) ConsumeTrackingUpdates(ctx context.Context, fn func(ctx context.Context, m messages.TrackingUpdated) error) error {
	return c.Consume(ctx, func(key, value []byte) error {
		var m messages.TrackingUpdated
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("skip malformed tracking update", "key", string(key), "error", err.Error())
			return nil
		}
		if m.ShipmentID == 0 {
			slog.Warn("skip tracking update without shipment_id", "key", string(key))
			return nil
		}
		return fn(ctx, m)
	})
}
