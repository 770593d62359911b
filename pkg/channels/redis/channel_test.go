package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/hitlgate/pkg/channels/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPubSub(t *testing.T) *redis.PubSub {
	t.Helper()

	server := miniredis.RunT(t)

	pub, _, err := redis.CreateChannel(watermill.NopLogger{}, redis.Config{Addr: server.Addr(), Prefix: "test."})
	require.NoError(t, err)

	t.Cleanup(func() { _ = pub.Close() })

	return pub
}

func TestPubSub_PublishSubscribe(t *testing.T) {
	t.Parallel()

	pubSub := setupPubSub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "events")
	require.NoError(t, err)

	msg := message.NewMessage("m-1", []byte(`{"hello":"world"}`))
	msg.Metadata.Set("event_type", "gate.opened")

	require.NoError(t, pubSub.Publish("events", msg))

	select {
	case received := <-messages:
		assert.Equal(t, "m-1", received.UUID)
		assert.JSONEq(t, `{"hello":"world"}`, string(received.Payload))
		assert.Equal(t, "gate.opened", received.Metadata.Get("event_type"))
		received.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPubSub_TopicsAreIsolated(t *testing.T) {
	t.Parallel()

	pubSub := setupPubSub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, pubSub.Publish("b", message.NewMessage("m-b", []byte("{}"))))
	require.NoError(t, pubSub.Publish("a", message.NewMessage("m-a", []byte("{}"))))

	select {
	case received := <-messages:
		assert.Equal(t, "m-a", received.UUID)
		received.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPubSub_PublishAfterClose(t *testing.T) {
	t.Parallel()

	pubSub := setupPubSub(t)

	require.NoError(t, pubSub.Close())
	require.ErrorIs(t, pubSub.Publish("events", message.NewMessage("m", nil)), redis.ErrClosed)
	require.NoError(t, pubSub.Close())
}

func TestCreateChannel_Unreachable(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, _, err := redis.CreateChannel(watermill.NopLogger{}, redis.Config{Addr: addr})
	require.Error(t, err)
}
