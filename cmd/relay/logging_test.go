package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hiran-hiran/outbox"
	"github.com/hiran-hiran/outbox/store/memory"
)

func TestRelayFailureIsLoggedOnceAboveDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	store := memory.NewStore()
	event := outbox.NewEvent("Review", "r-1", "ReviewAdded", []byte(`{}`))
	require.NoError(t, store.Append(context.Background(), event))

	sink := outbox.PublisherFunc(func(context.Context, *outbox.Event) error {
		return errors.New("broker down")
	})
	relay := outbox.NewRelay(store, sink, outbox.WithLogger(logger), outbox.WithMaxAttempts(1))

	// First cycle fails the publish, the second discards the event.
	require.Error(t, relay.PublishPending(context.Background()).Err)
	res := relay.PublishPending(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Discarded)
	require.NoError(t, relay.Close(context.Background()))

	logRelayErrors(relay.Errors(), logger)
	logDiscardedEvents(relay.DiscardedEvents(), logger)

	aboveDebug := logs.FilterLevelExact(zapcore.WarnLevel).Len() + logs.FilterLevelExact(zapcore.ErrorLevel).Len()
	require.Equal(t, 1, logs.FilterMessage("event_publish_failed").Len())
	require.Equal(t, 1, logs.FilterMessage("event_discarded").Len())
	require.Equal(t, 2, aboveDebug)

	require.Equal(t, 1, logs.FilterMessage("relay_error_reported").Len())
	require.Equal(t, 1, logs.FilterMessage("relay_discard_reported").Len())
	for _, entry := range logs.FilterMessage("relay_error_reported").All() {
		require.Equal(t, zapcore.DebugLevel, entry.Level)
	}
}

func TestLogSinkKeepsNoHistory(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bus := newLogSink(zap.New(core))

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), outbox.NewEvent("Book", "b-1", "BookRegistered", nil)))
	}

	require.Equal(t, 10, logs.FilterMessage("event_relayed").Len())
	require.Empty(t, bus.Published())
}
