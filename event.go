package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the publication status of an event.
type Status int

const (
	// StatusPending is the status of an event that has not been relayed yet.
	StatusPending Status = iota
	// StatusPublished is the status of an event that was accepted by the publisher.
	StatusPublished
)

// ErrInvalidTransition is returned when a status change other than
// pending -> published is requested.
var ErrInvalidTransition = errors.New("invalid event status transition")

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPublished:
		return "published"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus converts the textual form stored by the SQL adapters back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "published":
		return StatusPublished, nil
	default:
		return 0, fmt.Errorf("unknown event status %q", s)
	}
}

// CanTransitionTo reports whether s may move to next.
// Staying on the same status is allowed so that marking twice is a no-op.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusPublished
	case StatusPublished:
		return next == StatusPublished
	default:
		return false
	}
}

// EventOption is a function that configures an Event.
type EventOption func(*Event)

// Event is a domain event stored in the outbox.
//
// Everything except the status is fixed at creation. The status can only move
// forward, from pending to published.
type Event struct {
	id            uuid.UUID
	occurredAt    time.Time
	aggregateType string
	aggregateID   string
	eventType     string
	payload       []byte
	metadata      []byte
	status        Status
}

// WithID sets the unique identifier of the event.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) EventOption {
	return func(e *Event) {
		e.id = id
	}
}

// WithOccurredAt sets the time the originating business operation happened.
// If not provided, the current time will be used.
func WithOccurredAt(occurredAt time.Time) EventOption {
	return func(e *Event) {
		e.occurredAt = occurredAt.UTC()
	}
}

// WithMetadata attaches event metadata (e.g. correlation ID, trace ID, etc).
// Sinks forward it as message headers, so it should be a JSON object of strings.
func WithMetadata(metadata []byte) EventOption {
	return func(e *Event) {
		e.metadata = cloneBytes(metadata)
	}
}

// WithMetadataMap encodes the given pairs as the event metadata.
func WithMetadataMap(metadata map[string]string) EventOption {
	return func(e *Event) {
		if len(metadata) == 0 {
			return
		}
		b, err := json.Marshal(metadata)
		if err != nil {
			return
		}
		e.metadata = b
	}
}

// NewEvent creates a new pending Event produced by the given aggregate.
func NewEvent(aggregateType, aggregateID, eventType string, payload []byte, opts ...EventOption) *Event {
	e := &Event{
		id:            uuid.New(),
		occurredAt:    time.Now().UTC(),
		aggregateType: aggregateType,
		aggregateID:   aggregateID,
		eventType:     eventType,
		payload:       cloneBytes(payload),
		status:        StatusPending,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Event) ID() uuid.UUID         { return e.id }
func (e *Event) OccurredAt() time.Time { return e.occurredAt }
func (e *Event) AggregateType() string { return e.aggregateType }
func (e *Event) AggregateID() string   { return e.aggregateID }
func (e *Event) EventType() string     { return e.eventType }
func (e *Event) Status() Status        { return e.status }

// Payload returns the event data. Callers must not modify the returned slice.
func (e *Event) Payload() []byte { return e.payload }

// Metadata returns the raw event metadata, nil when none was attached.
// Callers must not modify the returned slice.
func (e *Event) Metadata() []byte { return e.metadata }

// IsPublished reports whether the event has been relayed.
func (e *Event) IsPublished() bool { return e.status == StatusPublished }

// Advance moves the event to next. It returns ErrInvalidTransition for any
// transition other than pending -> published (or staying put).
func (e *Event) Advance(next Status) error {
	if !e.status.CanTransitionTo(next) {
		return fmt.Errorf("event %s: %s -> %s: %w", e.id, e.status, next, ErrInvalidTransition)
	}
	e.status = next
	return nil
}

// MarkPublished flips the event to published. It reports whether the status changed.
func (e *Event) MarkPublished() bool {
	if e.status == StatusPublished {
		return false
	}
	e.status = StatusPublished
	return true
}

// MetadataMap decodes the metadata as a JSON object of strings.
// It returns an empty map when the event carries no metadata.
func (e *Event) MetadataMap() (map[string]string, error) {
	m := map[string]string{}
	if len(e.metadata) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.metadata, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata of event %s: %w", e.id, err)
	}
	return m, nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s/%s %s)", e.eventType, e.aggregateType, e.aggregateID, e.id)
}

// Snapshot is the storage representation of an Event.
type Snapshot struct {
	ID            uuid.UUID
	OccurredAt    time.Time
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Metadata      []byte
	Status        Status
}

// Snapshot returns a copy of the event suitable for persisting.
func (e *Event) Snapshot() Snapshot {
	return Snapshot{
		ID:            e.id,
		OccurredAt:    e.occurredAt,
		AggregateType: e.aggregateType,
		AggregateID:   e.aggregateID,
		EventType:     e.eventType,
		Payload:       cloneBytes(e.payload),
		Metadata:      cloneBytes(e.metadata),
		Status:        e.status,
	}
}

// FromSnapshot rebuilds an event loaded from storage.
func FromSnapshot(s Snapshot) (*Event, error) {
	if s.ID == uuid.Nil {
		return nil, errors.New("restoring event: empty id")
	}
	if s.Status != StatusPending && s.Status != StatusPublished {
		return nil, fmt.Errorf("restoring event %s: invalid status %d", s.ID, int(s.Status))
	}
	return &Event{
		id:            s.ID,
		occurredAt:    s.OccurredAt.UTC(),
		aggregateType: s.AggregateType,
		aggregateID:   s.AggregateID,
		eventType:     s.EventType,
		payload:       cloneBytes(s.Payload),
		metadata:      cloneBytes(s.Metadata),
		status:        s.Status,
	}, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
