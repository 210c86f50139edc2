// Package redissink appends outbox events to Redis Streams.
package redissink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventPublisher = (*Publisher)(nil)

// Stream entry fields.
const (
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldAggregateType = "aggregate_type"
	FieldAggregateID   = "aggregate_id"
	FieldOccurredAt    = "occurred_at"
	FieldPayload       = "payload"
	FieldMetadata      = "metadata"
)

// StreamAdder is the subset of redis.Cmdable used by Publisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends each event as an entry of a stream. By default the stream
// is named after the event type.
type Publisher struct {
	client       StreamAdder
	stream       string
	streamPrefix string
	maxLen       int64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStream appends every event to a single stream.
func WithStream(stream string) Option {
	return func(p *Publisher) {
		p.stream = stream
	}
}

// WithStreamPrefix names streams prefix + event type.
func WithStreamPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.streamPrefix = prefix
	}
}

// WithMaxLen caps streams to approximately n entries. Zero keeps everything.
func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		p.maxLen = n
	}
}

// NewPublisher creates a Publisher. client is usually a *redis.Client.
func NewPublisher(client StreamAdder, opts ...Option) *Publisher {
	p := &Publisher{client: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	values := map[string]any{
		FieldEventID:       event.ID().String(),
		FieldEventType:     event.EventType(),
		FieldAggregateType: event.AggregateType(),
		FieldAggregateID:   event.AggregateID(),
		FieldOccurredAt:    event.OccurredAt().Format(time.RFC3339Nano),
		FieldPayload:       event.Payload(),
	}
	if md := event.Metadata(); len(md) > 0 {
		values[FieldMetadata] = md
	}

	args := &redis.XAddArgs{
		Stream: p.streamFor(event),
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return outbox.DeliveryFailed(event, err)
	}
	return nil
}

func (p *Publisher) streamFor(event *outbox.Event) string {
	if p.stream != "" {
		return p.stream
	}
	return p.streamPrefix + event.EventType()
}
