package rabbitmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"go.uber.org/zap"
)

func setupConnection(t *testing.T) *amqp.Connection {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcrabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testConfig(maxAttempts int) ConsumerConfig {
	return ConsumerConfig{
		Queue:            "content.process",
		RoutingKey:       "content.process",
		Exchange:         "layerx.content",
		DLQ:              "content.process.dlq",
		StatusQueue:      "content.status",
		StatusRoutingKey: "content.status",
		Prefetch:         1,
		WorkerCount:      1,
		MaxAttempts:      maxAttempts,
		BaseDelayMs:      10,
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	conn := setupConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	consumer, err := NewConsumer(conn, testConfig(2), func(ctx context.Context, body []byte) error {
		calls.Add(1)
		return errors.New("transient")
	}, zap.NewNop())
	require.NoError(t, err)
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		_ = consumer.Start(ctx)
		close(done)
	}()

	pub, err := NewPublisher(conn, "layerx.content")
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.publish(ctx, "layerx.content", "content.process", amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(`{"upload_id":"x"}`),
	}))

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var dead amqp.Delivery
	require.Eventually(t, func() bool {
		d, ok, err := ch.Get("content.process.dlq", true)
		if err != nil || !ok {
			return false
		}
		dead = d
		return true
	}, 30*time.Second, 100*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, `{"upload_id":"x"}`, string(dead.Body))
	assert.Equal(t, "transient", dead.Headers["x-dlq-reason"])

	cancel()
	<-done
}

func TestStatusPublisherRoutesToStatusQueue(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	consumer, err := NewConsumer(conn, testConfig(1), func(context.Context, []byte) error { return nil }, zap.NewNop())
	require.NoError(t, err)
	defer consumer.Close()

	pub, err := NewPublisher(conn, "layerx.content")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, NewStatusPublisher(pub, "content.status").PublishStatus(ctx, []byte(`{"status":1}`)))

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool {
		d, ok, err := ch.Get("content.status", true)
		return err == nil && ok && string(d.Body) == `{"status":1}`
	}, 10*time.Second, 100*time.Millisecond)
}
