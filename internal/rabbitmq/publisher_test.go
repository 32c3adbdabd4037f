package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/internal/rabbitmq/rabbitmqtest"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishToQueue declares the queue and routes by name", func(t *testing.T) {
		broker := rabbitmqtest.New()
		publisher := rabbitmq.NewPublisher(newManager(t, broker))

		err := publisher.PublishToQueue(ctx, "jobs", amqp.Publishing{Body: []byte(`{"n":1}`)})
		require.NoError(t, err)

		assert.True(t, broker.HasQueue("jobs"))
		assert.Equal(t, 1, broker.Ready("jobs"))

		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "jobs", published[0].RoutingKey)
		assert.False(t, published[0].Msg.Timestamp.IsZero())
	})

	t.Run("Publish declares a fanout exchange and reaches every bound queue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		consumer := rabbitmq.NewConsumer(cm)
		publisher := rabbitmq.NewPublisher(cm)

		first, err := consumer.ConsumeFanout(ctx, "events", "a")
		require.NoError(t, err)
		second, err := consumer.ConsumeFanout(ctx, "events", "b")
		require.NoError(t, err)

		require.NoError(t, publisher.Publish(ctx, "events", rabbitmq.KindFanout, "", amqp.Publishing{Body: []byte("hi")}))

		for _, sub := range []*rabbitmq.Subscription{first, second} {
			select {
			case d := <-sub.Deliveries:
				assert.Equal(t, []byte("hi"), d.Body)
				require.NoError(t, d.Ack(false))
			case <-time.After(time.Second):
				t.Fatalf("no delivery on %s", sub.Queue)
			}
		}
	})

	t.Run("publish to an unknown queue name is accepted and dropped", func(t *testing.T) {
		broker := rabbitmqtest.New()
		publisher := rabbitmq.NewPublisher(newManager(t, broker))

		err := publisher.Publish(ctx, rabbitmq.DefaultExchange, rabbitmq.KindDirect, "nowhere", amqp.Publishing{Body: []byte("x")})
		require.NoError(t, err)
		assert.False(t, broker.HasQueue("nowhere"))
	})

	t.Run("retries on the replacement channel after channel loss", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker, rabbitmq.WithChannelOptions(rabbitmq.ChannelOptions{Prefetch: 1}))
		publisher := rabbitmq.NewPublisher(cm, rabbitmq.WithPublishRetries(2, time.Millisecond))

		require.NoError(t, publisher.PublishToQueue(ctx, "jobs", amqp.Publishing{Body: []byte("1")}))
		broker.CloseChannels(brokerClosed)

		require.NoError(t, publisher.PublishToQueue(ctx, "jobs", amqp.Publishing{Body: []byte("2")}))
		assert.Equal(t, 2, broker.Ready("jobs"))
		assert.Equal(t, uint64(2), cm.Generation())
	})

	t.Run("fails with ErrNotConnected after close", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(cm)
		require.NoError(t, cm.Close())

		err := publisher.PublishToQueue(ctx, "jobs", amqp.Publishing{Body: []byte("x")})

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "jobs", pubErr.RoutingKey)
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("does not retry topology conflicts", func(t *testing.T) {
		broker := rabbitmqtest.New()
		cm := newManager(t, broker)
		require.NoError(t, cm.WithExchange(ctx, "events", rabbitmq.KindFanout, func(rabbitmq.Channel) error { return nil }))

		other := newManager(t, broker)
		publisher := rabbitmq.NewPublisher(other, rabbitmq.WithPublishRetries(3, time.Millisecond))
		err := publisher.Publish(ctx, "events", rabbitmq.KindDirect, "key", amqp.Publishing{})

		assert.ErrorIs(t, err, rabbitmq.ErrTopologyDeclarationFailed)
		assert.Equal(t, 2, broker.Declares("events"))
	})
}
