package datachannel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
	"github.com/sylvia-iot/broker-go/pkg/messaging/adapters/memory"
)

func TestChannelDeliversEnvelopes(t *testing.T) {
	broker := memory.New(memory.Config{BufferSize: 16})
	defer broker.Close()

	consumer, err := broker.Consumer("broker.data", "test")
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := New(ctx, broker, 4)
	require.NoError(t, err)
	defer ch.Close()

	received := make(chan *messaging.Message, 1)
	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			received <- msg
			return nil
		})
	}()

	ch.Send(ctx, envelope.KindNetworkUlData, envelope.NetworkUlData{DataID: "d1"})

	select {
	case msg := <-received:
		require.Contains(t, string(msg.Payload), "d1")
		require.Contains(t, string(msg.Payload), string(envelope.KindNetworkUlData))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data-channel delivery")
	}
}

func TestChannelSendAfterCloseIsNoop(t *testing.T) {
	broker := memory.New(memory.Config{BufferSize: 16})
	defer broker.Close()

	ch, err := New(context.Background(), broker, 4)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	// Must not panic or block once closed.
	ch.Send(context.Background(), envelope.KindNetworkUlData, envelope.NetworkUlData{DataID: "d1"})
}

// TestQueueDropsOldestWhenFull exercises the bounded queue directly,
// bypassing the background drain goroutine, so the drop-oldest behavior
// can be asserted without racing a consumer.
func TestQueueDropsOldestWhenFull(t *testing.T) {
	c := &Channel{maxSize: 2}
	c.cond = sync.NewCond(&c.mu)

	c.mu.Lock()
	for i := 0; i < 2; i++ {
		c.queue = append(c.queue, envelope.DataChannelEnvelope{Kind: envelope.KindNetworkUlData, Data: i})
	}
	c.mu.Unlock()

	c.Send(context.Background(), envelope.KindNetworkUlData, 2)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.queue, 2)
	require.Equal(t, 1, c.queue[0].Data)
	require.Equal(t, 2, c.queue[1].Data)
	require.EqualValues(t, 1, c.dropped.Load())
}
