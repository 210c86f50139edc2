package redissink

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hiran-hiran/outbox"
)

type fakeClient struct {
	calls []*redis.XAddArgs
	err   error
}

func (c *fakeClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	c.calls = append(c.calls, a)
	if c.err != nil {
		return redis.NewStringResult("", c.err)
	}
	return redis.NewStringResult("1700000000000-0", nil)
}

func TestPublishAddsStreamEntry(t *testing.T) {
	client := &fakeClient{}
	e := outbox.NewEvent("Cart", "c-1", "CheckedOut", []byte(`{}`),
		outbox.WithMetadataMap(map[string]string{"user": "u-1"}))

	require.NoError(t, NewPublisher(client, WithStreamPrefix("shop:"), WithMaxLen(1000)).Publish(context.Background(), e))
	require.Len(t, client.calls, 1)

	args := client.calls[0]
	require.Equal(t, "shop:CheckedOut", args.Stream)
	require.Equal(t, int64(1000), args.MaxLen)
	require.True(t, args.Approx)

	values, ok := args.Values.(map[string]any)
	require.True(t, ok)
	require.Equal(t, e.ID().String(), values[FieldEventID])
	require.Equal(t, "c-1", values[FieldAggregateID])
	require.Equal(t, []byte(`{}`), values[FieldPayload])
	require.Equal(t, []byte(`{"user":"u-1"}`), values[FieldMetadata])
}

func TestPublishWithoutMetadataOrCap(t *testing.T) {
	client := &fakeClient{}

	require.NoError(t, NewPublisher(client, WithStream("events")).Publish(context.Background(),
		outbox.NewEvent("Cart", "c-1", "CheckedOut", nil)))

	args := client.calls[0]
	require.Equal(t, "events", args.Stream)
	require.Zero(t, args.MaxLen)
	require.NotContains(t, args.Values, FieldMetadata)
}

func TestPublishFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("LOADING Redis is loading the dataset in memory")}

	err := NewPublisher(client).Publish(context.Background(), outbox.NewEvent("Cart", "c-1", "CheckedOut", nil))
	require.ErrorIs(t, err, outbox.ErrDeliveryFailed)
	require.ErrorIs(t, err, client.err)
}
