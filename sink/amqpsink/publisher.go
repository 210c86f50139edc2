// Package amqpsink publishes outbox events to RabbitMQ.
package amqpsink

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventPublisher = (*Publisher)(nil)

// Channel is the subset of *amqp.Channel used by Publisher.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends events as persistent AMQP messages. The routing key defaults
// to the event type.
type Publisher struct {
	channel     Channel
	exchange    string
	routingKey  func(*outbox.Event) string
	contentType string
	propagator  propagation.TextMapPropagator
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange publishes to the named exchange instead of the default one.
func WithExchange(exchange string) Option {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithQueue routes every event to a single queue through the default exchange.
func WithQueue(queue string) Option {
	return func(p *Publisher) {
		p.exchange = ""
		p.routingKey = func(*outbox.Event) string { return queue }
	}
}

// WithRoutingKey overrides how the routing key is derived from an event.
func WithRoutingKey(fn func(*outbox.Event) string) Option {
	return func(p *Publisher) {
		p.routingKey = fn
	}
}

// WithContentType sets the content type of the payload. Default is "application/json".
func WithContentType(contentType string) Option {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(p *Publisher) {
		p.propagator = propagator
	}
}

// NewPublisher creates a Publisher on an open channel.
func NewPublisher(channel Channel, opts ...Option) *Publisher {
	p := &Publisher{
		channel:     channel,
		routingKey:  (*outbox.Event).EventType,
		contentType: "application/json",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	metadata, err := event.MetadataMap()
	if err != nil {
		return outbox.DeliveryFailed(event, err)
	}

	headers := amqp.Table{}
	for k, v := range metadata {
		headers[k] = v
	}
	headers["aggregate_type"] = event.AggregateType()
	headers["aggregate_id"] = event.AggregateID()
	p.textMapPropagator().Inject(ctx, tableCarrier(headers))

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey(event),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  p.contentType,
			Body:         event.Payload(),
			MessageId:    event.ID().String(),
			Type:         event.EventType(),
			Timestamp:    event.OccurredAt(),
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	return nil
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}

type tableCarrier amqp.Table

var _ propagation.TextMapCarrier = tableCarrier(nil)

func (c tableCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
