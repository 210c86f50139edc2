package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventStore is the read side of the outbox as seen by the Relay.
type EventStore interface {
	// FindPendingEvents returns every pending event ordered by OccurredAt ascending,
	// ties broken by insertion order. Calling it again before any status change
	// must return the same events in the same order.
	// An empty backlog is an empty slice and a nil error. Storage failures
	// return an error matching ErrStoreUnavailable.
	FindPendingEvents(ctx context.Context) ([]*Event, error)

	// MarkAsPublished persists the pending -> published transition of the event.
	// Marking an already published event is a no-op.
	// The in-memory status of the event is flipped even if persisting fails,
	// in which case an error matching ErrStoreUnavailable is returned.
	MarkAsPublished(ctx context.Context, event *Event) error
}

// EventPublisher defines an interface for publishing events to an external system.
type EventPublisher interface {
	// Publish sends an event to an external system (e.g., a message broker).
	// The call must resolve before returning.
	// This function may be called multiple times for the same event.
	// Consumers must be idempotent and deduplicate by event ID.
	// Return nil on success, or an error matching ErrDeliveryFailed when the
	// sink is unreachable or rejects the event.
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts an ordinary function to the EventPublisher interface.
type PublisherFunc func(ctx context.Context, event *Event) error

func (f PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Locker guards a relay cycle across processes.
// TryAcquire reports false, nil when another holder owns the lock.
// Extend renews a held lock and reports false, nil once it has been lost.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var (
	// ErrStoreUnavailable is matched by errors returned when the event store
	// cannot be read or written.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrDeliveryFailed is matched by errors returned when the sink could not
	// be reached or rejected an event.
	ErrDeliveryFailed = errors.New("event delivery failed")
)

// StoreUnavailableError wraps a storage failure of operation Op.
type StoreUnavailableError struct {
	Op  string
	Err error
}

// StoreUnavailable wraps err as a StoreUnavailableError. It returns nil for a nil err
// and leaves errors that already match ErrStoreUnavailable untouched.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// DeliveryFailedError wraps the transport error of a failed publish.
type DeliveryFailedError struct {
	EventID uuid.UUID
	Err     error
}

// DeliveryFailed wraps err as a DeliveryFailedError for the given event.
// It returns nil for a nil err and leaves errors that already match
// ErrDeliveryFailed untouched.
func DeliveryFailed(event *Event, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	var id uuid.UUID
	if event != nil {
		id = event.ID()
	}
	return &DeliveryFailedError{EventID: id, Err: err}
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("%s: event %s: %v", ErrDeliveryFailed, e.EventID, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

func (e *DeliveryFailedError) Is(target error) bool { return target == ErrDeliveryFailed }
