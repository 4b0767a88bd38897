// Package tests provides a broker-agnostic conformance suite for
// messaging.Broker adapters, covering the contract the routing core
// depends on. In this module only the memory adapter's tests run it.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

// RunBrokerTests exercises publish/consume, competing consumers within a
// group, and broadcast across distinct groups against broker.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Run("publish and consume", func(t *testing.T) {
		testPublishConsume(t, broker)
	})
	t.Run("competing consumers share a group", func(t *testing.T) {
		testCompetingConsumers(t, broker)
	})
	t.Run("distinct groups both receive broadcast", func(t *testing.T) {
		testBroadcastGroups(t, broker)
	})
	t.Run("healthy reports true before close", func(t *testing.T) {
		require.True(t, broker.Healthy(context.Background()))
	})
}

func testPublishConsume(t *testing.T, broker messaging.Broker) {
	topic := "tests.publish-consume"
	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.Consumer(topic, "group-a")
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *messaging.Message, 1)
	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			received <- msg
			cancel()
			return nil
		})
	}()

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   topic,
		Payload: []byte("payload"),
	}))

	select {
	case msg := <-received:
		require.Equal(t, []byte("payload"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func testCompetingConsumers(t *testing.T, broker messaging.Broker) {
	topic := "tests.competing-consumers"
	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	group := "shared-group"
	c1, err := broker.Consumer(topic, group)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := broker.Consumer(topic, group)
	require.NoError(t, err)
	defer c2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	handle := func(ctx context.Context, msg *messaging.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	go c1.Consume(ctx, handle)
	go c2.Consume(ctx, handle)

	for i := 0; i < 5; i++ {
		require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
			Topic: topic, Payload: []byte("x"),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 5
	}, 2*time.Second, 10*time.Millisecond, "exactly 5 deliveries across the shared group, not 10")
}

func testBroadcastGroups(t *testing.T, broker messaging.Broker) {
	topic := "tests.broadcast-groups"
	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	c1, err := broker.Consumer(topic, "group-1")
	require.NoError(t, err)
	defer c1.Close()
	c2, err := broker.Consumer(topic, "group-2")
	require.NoError(t, err)
	defer c2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	handle := func(name string) messaging.MessageHandler {
		return func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			seen[name]++
			mu.Unlock()
			return nil
		}
	}
	go c1.Consume(ctx, handle("group-1"))
	go c2.Consume(ctx, handle("group-2"))

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic: topic, Payload: []byte("x"),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["group-1"] == 1 && seen["group-2"] == 1
	}, 2*time.Second, 10*time.Millisecond, "both distinct groups receive their own copy")
}
