package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hiran-hiran/outbox"
)

func newEvent(at time.Time) *outbox.Event {
	return outbox.NewEvent("Book", uuid.NewString(), "BookRegistered", []byte(`{}`), outbox.WithOccurredAt(at))
}

func TestFindPendingEventsOrdersByOccurrence(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late, early, tie1, tie2 := newEvent(base.Add(time.Hour)), newEvent(base), newEvent(base.Add(time.Minute)), newEvent(base.Add(time.Minute))

	s := NewStore()
	require.NoError(t, s.Append(ctx, late, early, tie1, tie2))

	events, err := s.FindPendingEvents(ctx)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID())
	}
	require.Equal(t, []uuid.UUID{early.ID(), tie1.ID(), tie2.ID(), late.ID()}, ids)

	again, err := s.FindPendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, again, len(events), "repeatable read")
	for i := range again {
		require.Equal(t, events[i].ID(), again[i].ID())
	}
}

func TestFindPendingEventsEmpty(t *testing.T) {
	events, err := NewStore().FindPendingEvents(context.Background())
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMarkAsPublishedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEvent(time.Now())
	s := NewStore()
	require.NoError(t, s.Append(ctx, e))

	require.NoError(t, s.MarkAsPublished(ctx, e))
	once, _ := s.Get(e.ID())

	require.NoError(t, s.MarkAsPublished(ctx, e))
	twice, _ := s.Get(e.ID())

	require.Equal(t, once.Snapshot(), twice.Snapshot())
	require.True(t, twice.IsPublished())

	pending, err := s.FindPendingEvents(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkAsPublishedUnknownEvent(t *testing.T) {
	err := NewStore().MarkAsPublished(context.Background(), newEvent(time.Now()))
	require.Error(t, err)
}

func TestAppendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	e := newEvent(time.Now())
	s := NewStore()
	require.NoError(t, s.Append(ctx, e))

	require.Error(t, s.Append(ctx, newEvent(time.Now()), e))
	require.Equal(t, 1, s.Len(), "a failed append stores nothing")
}

func TestStoredEventsAreIsolatedFromCallers(t *testing.T) {
	ctx := context.Background()
	e := newEvent(time.Now())
	s := NewStore()
	require.NoError(t, s.Append(ctx, e))

	e.MarkPublished() // not persisted

	pending, err := s.FindPendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.False(t, pending[0].IsPublished())
}

func TestFailureHook(t *testing.T) {
	ctx := context.Background()
	e := newEvent(time.Now())
	s := NewStore()
	require.NoError(t, s.Append(ctx, e))

	cause := errors.New("io timeout")
	s.SetFailure(func(string) error { return cause })

	_, err := s.FindPendingEvents(ctx)
	require.ErrorIs(t, err, outbox.ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)

	err = s.MarkAsPublished(ctx, e)
	require.ErrorIs(t, err, outbox.ErrStoreUnavailable)
	require.True(t, e.IsPublished(), "in-memory status flips even when persisting fails")

	s.SetFailure(nil)
	stored, _ := s.Get(e.ID())
	require.False(t, stored.IsPublished())
}
