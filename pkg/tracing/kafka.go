package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// StartProduceSpan 开始生产消息的 Span，并把 trace context 写入消息头
func StartProduceSpan(ctx context.Context, msg *sarama.ProducerMessage) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationPublish,
		),
	)
	carrier := &producerHeaderCarrier{headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.headers
	return ctx, span
}

// StartConsumeSpan 从消息头恢复 trace context 并开始消费 Span
func StartConsumeSpan(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, &consumerHeaderCarrier{headers: msg.Headers})
	return otel.Tracer(TracerName).Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationReceive,
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}

// producerHeaderCarrier 生产者消息头 ([]sarama.RecordHeader)
type producerHeaderCarrier struct {
	headers []sarama.RecordHeader
}

func (c *producerHeaderCarrier) Get(key string) string {
	for _, h := range c.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *producerHeaderCarrier) Set(key, value string) {
	for i, h := range c.headers {
		if string(h.Key) == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *producerHeaderCarrier) Keys() []string {
	keys := make([]string, len(c.headers))
	for i, h := range c.headers {
		keys[i] = string(h.Key)
	}
	return keys
}

// consumerHeaderCarrier 消费者消息头 ([]*sarama.RecordHeader)，只读
type consumerHeaderCarrier struct {
	headers []*sarama.RecordHeader
}

func (c *consumerHeaderCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *consumerHeaderCarrier) Set(string, string) {}

func (c *consumerHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}
