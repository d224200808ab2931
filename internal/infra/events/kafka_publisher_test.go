//go:build !integration

package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
)

func testEvent() adapter.OrderEvent {
	o := &model.Order{ID: "o1", UserID: "u1", Tier: "VVIP", Provider: model.ProviderPushToPay, State: model.OrderStateActivated, ActivationTxID: "tx1"}
	return adapter.NewOrderEvent(adapter.OrderEventActivated, o, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	logger := zerolog.New(io.Discard)

	t.Run("should key by order id and carry trace headers", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, NewSaramaConfig())
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var ev adapter.OrderEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			if ev.OrderID != "o1" || ev.Type != adapter.OrderEventActivated || ev.TxID != "tx1" {
				return errors.New("unexpected payload")
			}
			return nil
		})
		p := NewPublisherWithProducer(producer, "payment-orders", &logger)

		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		if err := p.Publish(ctx, testEvent()); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if err := producer.Close(); err != nil {
			t.Fatalf("unmet producer expectations: %v", err)
		}
	})

	t.Run("should surface producer failures", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, NewSaramaConfig())
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		p := NewPublisherWithProducer(producer, "payment-orders", &logger)

		if err := p.Publish(context.Background(), testEvent()); !errors.Is(err, sarama.ErrOutOfBrokers) {
			t.Errorf("expected ErrOutOfBrokers, got %v", err)
		}
		_ = producer.Close()
	})
}

func TestHeaderCarrier(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var c headerCarrier
	otel.GetTextMapPropagator().Inject(ctx, &c)
	if c.Get("traceparent") == "" {
		t.Fatalf("expected traceparent header, got keys %v", c.Keys())
	}

	out := otel.GetTextMapPropagator().Extract(context.Background(), &c)
	if got := trace.SpanContextFromContext(out).TraceID(); got != traceID {
		t.Errorf("expected trace id to round-trip, got %s", got)
	}
}
