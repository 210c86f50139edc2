package outbox

import "fmt"

// FetchError indicates an error when reading pending events from the store.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("reading pending events: %v", e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// PublishError indicates an error during event publication.
// It includes the event that failed to be published and the original error.
type PublishError struct {
	Event Event
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event %s: %v", e.Event.ID(), e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// MarkError indicates an error when marking a published event in the store.
// The event was delivered and will be delivered again on the next cycle.
type MarkError struct {
	Event Event
	Err   error
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("marking event %s as published: %v", e.Event.ID(), e.Err)
}
func (e *MarkError) Unwrap() error { return e.Err }

// DiscardError indicates an error when handing an event that reached the
// maximum attempts to the dead letter publisher.
type DiscardError struct {
	Event Event
	Err   error
}

func (e *DiscardError) Error() string {
	return fmt.Sprintf("dead lettering event %s: %v", e.Event.ID(), e.Err)
}
func (e *DiscardError) Unwrap() error { return e.Err }

// LockError indicates an error when acquiring or releasing the relay lock.
type LockError struct {
	Err error
}

func (e *LockError) Error() string { return fmt.Sprintf("relay lock: %v", e.Err) }

func (e *LockError) Unwrap() error { return e.Err }
