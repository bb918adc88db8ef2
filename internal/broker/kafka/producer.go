package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const contentTypeJSON = "application/json"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w   messageWriter
	now func() time.Time
}

// NewProducer пишет с ключом shipment_id: все обновления одной отправки
// попадают в одну партицию и читаются по порядку.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w, now: time.Now}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    p.now().UTC(),
	})
	if err != nil {
		return errors.Wrapf(err, "kafka publish to %s", topic)
	}
	return nil
}

// PublishJSON: Publish с JSON-сериализацией значения.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	return p.Publish(ctx, topic, []byte(key), b, kafka.Header{Key: "content-type", Value: []byte(contentTypeJSON)})
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
