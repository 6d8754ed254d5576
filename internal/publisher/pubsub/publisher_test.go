package pubsub

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
)

func TestPublishMarshalsPayload(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}

	id, err := p.Publish(context.Background(), "run_summary", map[string]int{"orders": 12})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.JSONEq(t, `{"orders":12}`, string(got.Data))
	require.Equal(t, "run_summary", got.Attributes["event"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", "x")
	require.Error(t, err)

	p := &Publisher{publish: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("unavailable")
	}}
	_, err = p.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "publish message")

	_, err = p.Publish(context.Background(), "", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	p.Close()
}
