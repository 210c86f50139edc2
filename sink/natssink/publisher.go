// Package natssink publishes outbox events to NATS, either core NATS or JetStream.
package natssink

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventPublisher = (*Publisher)(nil)

// Header keys set on every message besides the event metadata.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
)

// Conn is the subset of *nats.Conn used by Publisher.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// JetStream is the subset of nats.JetStreamContext used by Publisher.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher sends each event to subject prefix + event type.
//
// On core NATS every publish is followed by a flush so that a broken
// connection surfaces as a delivery failure. On JetStream the event ID is sent
// as Nats-Msg-Id, letting the stream drop duplicates within its window.
type Publisher struct {
	conn          Conn
	js            JetStream
	subjectPrefix string
	propagator    propagation.TextMapPropagator
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubjectPrefix prepends prefix to the event type to form the subject.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.subjectPrefix = prefix
	}
}

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(p *Publisher) {
		p.propagator = propagator
	}
}

// NewPublisher creates a Publisher on core NATS.
func NewPublisher(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{conn: conn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewJetStreamPublisher creates a Publisher that waits for stream acknowledgements.
func NewJetStreamPublisher(js JetStream, opts ...Option) *Publisher {
	p := &Publisher{js: js}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	msg, err := p.message(ctx, event)
	if err != nil {
		return outbox.DeliveryFailed(event, err)
	}

	if p.js != nil {
		if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return outbox.DeliveryFailed(event, err)
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	return nil
}

func (p *Publisher) message(ctx context.Context, event *outbox.Event) (*nats.Msg, error) {
	metadata, err := event.MetadataMap()
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(p.subjectPrefix + event.EventType())
	msg.Data = event.Payload()
	for k, v := range metadata {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderEventID, event.ID().String())
	msg.Header.Set(HeaderEventType, event.EventType())
	msg.Header.Set(HeaderAggregateType, event.AggregateType())
	msg.Header.Set(HeaderAggregateID, event.AggregateID())
	if p.js != nil {
		msg.Header.Set(nats.MsgIdHdr, event.ID().String())
	}
	p.textMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}
