// Package kafkasink publishes outbox events to Kafka with segmentio/kafka-go.
package kafkasink

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventPublisher = (*Publisher)(nil)

// Header keys set on every message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderOccurredAt    = "occurred_at"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes each event as a single Kafka message keyed by aggregate ID,
// so events of one aggregate land on the same partition.
type Publisher struct {
	writer      MessageWriter
	topic       string
	topicPrefix string
	propagator  propagation.TextMapPropagator
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopic sends every event to a single topic. The writer must not have a
// topic configured.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		p.topic = topic
	}
}

// WithTopicPrefix routes events to prefix + event type, e.g. "billing.InvoicePaid".
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topicPrefix = prefix
	}
}

// WithPropagator overrides the global OpenTelemetry propagator used to inject
// trace headers.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(p *Publisher) {
		p.propagator = propagator
	}
}

// NewPublisher creates a Publisher. Without WithTopic the topic is derived from
// the event type, so the writer must not have its own Topic set.
func NewPublisher(writer MessageWriter, opts ...Option) *Publisher {
	p := &Publisher{writer: writer}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewWriter returns a kafka.Writer suited for relaying: synchronous writes and
// hashing on the message key to keep per-aggregate order.
func NewWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	msg, err := p.message(ctx, event)
	if err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	return nil
}

func (p *Publisher) message(ctx context.Context, event *outbox.Event) (kafka.Message, error) {
	metadata, err := event.MetadataMap()
	if err != nil {
		return kafka.Message{}, err
	}

	headers := make([]kafka.Header, 0, 4+len(metadata))
	for k, v := range metadata {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	carrier := &headerCarrier{headers: headers}
	carrier.Set(HeaderEventID, event.ID().String())
	carrier.Set(HeaderEventType, event.EventType())
	carrier.Set(HeaderAggregateType, event.AggregateType())
	carrier.Set(HeaderOccurredAt, event.OccurredAt().Format(time.RFC3339Nano))
	p.textMapPropagator().Inject(ctx, carrier)

	return kafka.Message{
		Topic:   p.topicFor(event),
		Key:     []byte(event.AggregateID()),
		Value:   event.Payload(),
		Headers: carrier.headers,
		Time:    event.OccurredAt(),
	}, nil
}

func (p *Publisher) topicFor(event *outbox.Event) string {
	if p.topic != "" {
		return p.topic
	}
	return p.topicPrefix + event.EventType()
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// HeaderValue returns the value of the first header named key.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	return HeaderValue(c.headers, key)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// Set overwrites an existing key to avoid duplicate headers.
func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}
