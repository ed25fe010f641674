package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
)

func openChannel(t *testing.T, amqpURI string) *amqp.Channel {
	t.Helper()
	conn, err := Connect(amqpURI, 3, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestConsumerMessage_HandleMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	amqpURI, cleanup := brokerURI(ctx, t)
	defer cleanup()

	ch := openChannel(t, amqpURI)
	queueName := "consumer-test"
	_, err := ch.QueueDeclare(queueName, false, false, false, false, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)

	received := make([]string, 0)
	var mu sync.Mutex

	handler := func(_ context.Context, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(body))
		wg.Done()
		return nil
	}

	consumerCtx, stop := context.WithCancel(ctx)
	done, err := ConsumerMessage(consumerCtx, ch, queueName, 4, sl.Discard(), handler)
	require.NoError(t, err)

	for _, msg := range []string{"hello", "world"} {
		err := ch.Publish("", queueName, false, false, amqp.Publishing{
			ContentType: "text/plain",
			Body:        []byte(msg),
		})
		require.NoError(t, err)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for messages to be processed")
	}

	stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"hello", "world"}, received)
}

func TestConsumerMessage_HandlerErrorTriggersNack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	amqpURI, cleanup := brokerURI(ctx, t)
	defer cleanup()

	ch := openChannel(t, amqpURI)
	queueName := "nack-test"
	_, err := ch.QueueDeclare(queueName, false, false, false, false, nil)
	require.NoError(t, err)

	// первая доставка падает, повторная должна прийти с Redelivered
	redelivered := make(chan bool, 4)
	var once sync.Once
	handler := func(_ context.Context, body []byte) error {
		failed := false
		once.Do(func() { failed = true })
		if failed {
			return fmt.Errorf("fail")
		}
		redelivered <- string(body) == "bad"
		return nil
	}

	_, err = ConsumerMessage(ctx, ch, queueName, 1, sl.Discard(), handler)
	require.NoError(t, err)

	err = ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte("bad"),
	})
	require.NoError(t, err)

	select {
	case ok := <-redelivered:
		assert.True(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("Did not receive requeued message after Nack")
	}
}

func TestConsumerMessage_RejectDropsMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	amqpURI, cleanup := brokerURI(ctx, t)
	defer cleanup()

	ch := openChannel(t, amqpURI)
	queueName := "reject-test"
	_, err := ch.QueueDeclare(queueName, false, false, false, false, nil)
	require.NoError(t, err)

	calls := make(chan struct{}, 4)
	handler := func(_ context.Context, _ []byte) error {
		calls <- struct{}{}
		return fmt.Errorf("bad payload: %w", ErrReject)
	}

	_, err = ConsumerMessage(ctx, ch, queueName, 1, sl.Discard(), handler)
	require.NoError(t, err)

	require.NoError(t, ch.Publish("", queueName, false, false, amqp.Publishing{Body: []byte("poison")}))

	select {
	case <-calls:
	case <-time.After(10 * time.Second):
		t.Fatal("handler was not called")
	}
	select {
	case <-calls:
		t.Fatal("rejected message must not be redelivered")
	case <-time.After(time.Second):
	}
}
