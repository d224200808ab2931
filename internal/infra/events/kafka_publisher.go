// Package events forwards order lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
)

var _ adapter.EventPublisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes each event as JSON keyed by order id, so all events
// of one order land on the same partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zerolog.Logger
}

// NewSaramaConfig returns the producer settings the publisher relies on.
func NewSaramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.Return.Successes = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 5
	return c
}

func NewKafkaPublisher(cfg config.KafkaConfig, logger *zerolog.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, cfg.Topic, logger), nil
}

func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: logging.Component(logger, "events")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev adapter.OrderEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	carrier := make(headerCarrier, 0, 2)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	carrier.Set("event_type", string(ev.Type))

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(ev.OrderID),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader(carrier),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	l := logging.With(ctx, p.log).Debug().
		Str("topic", p.topic).
		Str("event_type", string(ev.Type)).
		Int32("partition", partition).
		Int64("offset", offset)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		l = l.Str("otel_trace_id", sc.TraceID().String())
	}
	l.Msg("order event published")
	return nil
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// headerCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
