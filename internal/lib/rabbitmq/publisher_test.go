package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	amqpURI, cleanup := brokerURI(ctx, t)
	defer cleanup()

	conn, err := Connect(amqpURI, 3, time.Second)
	require.NoError(t, err)
	defer func() {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close connection: %v", err)
		}
	}()

	ch, err := SetupChannel(conn, Topology{
		Exchange: "publish-test-events",
		Queues: []QueueConfig{
			{QueueName: "publish-test-replies"},
			{QueueName: "publish-test-audit", RoutingKey: RoutingReadingLogged},
		},
	})
	require.NoError(t, err)
	defer func() {
		if err := ch.Close(); err != nil {
			t.Errorf("failed to close channel: %v", err)
		}
	}()

	type TestMsg struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	consumeOne := func(t *testing.T, queue string) TestMsg {
		deliveries, err := ch.Consume(queue, "", true, false, false, false, nil)
		require.NoError(t, err)
		select {
		case d := <-deliveries:
			var got TestMsg
			require.NoError(t, json.Unmarshal(d.Body, &got))
			assert.Equal(t, "application/json", d.ContentType)
			return got
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for message")
		}
		return TestMsg{}
	}

	t.Run("default exchange routes by queue name", func(t *testing.T) {
		msg := TestMsg{ID: 1, Name: "reply"}
		require.NoError(t, NewPublisher(ch, "").Publish(ctx, "publish-test-replies", msg))
		assert.Equal(t, msg, consumeOne(t, "publish-test-replies"))
	})

	t.Run("events exchange routes by key", func(t *testing.T) {
		msg := TestMsg{ID: 2, Name: "event"}
		require.NoError(t, NewPublisher(ch, "publish-test-events").Publish(ctx, RoutingReadingLogged, msg))
		assert.Equal(t, msg, consumeOne(t, "publish-test-audit"))
	})

	t.Run("marshal error", func(t *testing.T) {
		badMsg := struct {
			Ch chan int `json:"ch"`
		}{
			Ch: make(chan int),
		}

		err := PublishMessage(ch, "", "publish-test-replies", badMsg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rabbitmq.PublishMessage")
	})
}

func TestPublisher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// канал не нужен: публикация прерывается до обращения к брокеру
	err := NewPublisher(nil, "").Publish(ctx, "any", struct{}{})
	require.ErrorIs(t, err, context.Canceled)
}
