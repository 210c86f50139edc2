// Package memory provides an in-memory event store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventStore = (*Store)(nil)

// Store is an append-only event log kept in memory.
// Events are stored as snapshots, so callers cannot mutate what was appended.
type Store struct {
	mu     sync.RWMutex
	log    []outbox.Snapshot
	byID   map[uuid.UUID]int
	failFn func(op string) error
}

// Option configures a Store.
type Option func(*Store)

// WithFailure installs a hook called before every operation ("append",
// "find_pending", "mark_published"). A non-nil error makes the operation fail
// with outbox.ErrStoreUnavailable. Useful to simulate outages in tests.
func WithFailure(fn func(op string) error) Option {
	return func(s *Store) {
		s.failFn = fn
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID: make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure replaces the failure hook, nil clears it.
func (s *Store) SetFailure(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

// Append adds events to the log. Appending an ID that already exists fails and
// nothing from the call is stored.
func (s *Store) Append(_ context.Context, events ...*outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("append"); err != nil {
		return err
	}

	seen := make(map[uuid.UUID]struct{}, len(events))
	for _, e := range events {
		if _, ok := s.byID[e.ID()]; ok {
			return fmt.Errorf("appending event %s: duplicate id", e.ID())
		}
		if _, ok := seen[e.ID()]; ok {
			return fmt.Errorf("appending event %s: duplicate id in batch", e.ID())
		}
		seen[e.ID()] = struct{}{}
	}

	for _, e := range events {
		s.byID[e.ID()] = len(s.log)
		s.log = append(s.log, e.Snapshot())
	}
	return nil
}

// FindPendingEvents returns copies of the pending events ordered by OccurredAt,
// ties broken by insertion order.
func (s *Store) FindPendingEvents(_ context.Context) ([]*outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fail("find_pending"); err != nil {
		return nil, err
	}

	pending := make([]outbox.Snapshot, 0)
	for _, snap := range s.log {
		if snap.Status == outbox.StatusPending {
			pending = append(pending, snap)
		}
	}

	// Stable sort keeps insertion order for equal timestamps.
	slices.SortStableFunc(pending, func(a, b outbox.Snapshot) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})

	events := make([]*outbox.Event, 0, len(pending))
	for _, snap := range pending {
		e, err := outbox.FromSnapshot(snap)
		if err != nil {
			return nil, outbox.StoreUnavailable("find pending events", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// MarkAsPublished records the event as published. Unknown events fail.
func (s *Store) MarkAsPublished(_ context.Context, event *outbox.Event) error {
	event.MarkPublished()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail("mark_published"); err != nil {
		return err
	}

	idx, ok := s.byID[event.ID()]
	if !ok {
		return fmt.Errorf("marking event %s: not found", event.ID())
	}
	if s.log[idx].Status == outbox.StatusPublished {
		return nil
	}
	s.log[idx].Status = outbox.StatusPublished
	return nil
}

// Get returns a copy of the stored event.
func (s *Store) Get(id uuid.UUID) (*outbox.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	e, err := outbox.FromSnapshot(s.log[idx])
	if err != nil {
		return nil, false
	}
	return e, true
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func (s *Store) fail(op string) error {
	if s.failFn == nil {
		return nil
	}
	return outbox.StoreUnavailable(op, s.failFn(op))
}
