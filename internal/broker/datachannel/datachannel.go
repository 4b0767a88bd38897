// Package datachannel is the archival mirror feed described in §4.8: one
// send-only producer on broker.data that every routing stage emits an
// envelope to. Delivery is best-effort — the data channel must never block
// a routing path, so Send enqueues onto a bounded buffer drained by a
// single background worker; when the buffer is full the oldest queued
// envelope is dropped (and counted) to make room for the new one.
package datachannel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

const defaultBufferSize = 1024

// Channel owns the broker.data producer and its bounded send buffer.
type Channel struct {
	producer messaging.Producer
	maxSize  int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []envelope.DataChannelEnvelope
	closed  bool
	dropped atomic.Int64
}

// New opens the broker.data producer on conn and starts the background
// drain loop that flushes buffered envelopes without blocking callers.
func New(ctx context.Context, conn messaging.Broker, bufferSize int) (*Channel, error) {
	producer, err := conn.Producer("broker.data")
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open data-channel producer")
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	c := &Channel{producer: producer, maxSize: bufferSize}
	c.cond = sync.NewCond(&c.mu)
	concurrency.SafeGo(ctx, func() { c.drain(ctx) })
	return c, nil
}

// Send enqueues one envelope for delivery and returns immediately.
func (c *Channel) Send(ctx context.Context, kind envelope.Kind, data interface{}) {
	env := envelope.DataChannelEnvelope{Kind: kind, Data: data}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.maxSize {
		// Drop the oldest buffered envelope rather than block the caller;
		// the counter makes the loss observable (§4.8, §7).
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *Channel) drain(ctx context.Context) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		env := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.publish(ctx, env)
	}
}

func (c *Channel) publish(ctx context.Context, env envelope.DataChannelEnvelope) {
	payload, err := envelope.Marshal(env.Kind, env.Data)
	if err != nil {
		logger.L().Error("failed to marshal data-channel envelope", "kind", env.Kind, "error", err)
		return
	}
	if err := c.producer.Publish(ctx, &messaging.Message{Topic: "broker.data", Payload: payload}); err != nil {
		logger.L().Warn("data-channel publish failed", "kind", env.Kind, "error", err)
	}
}

// Dropped returns the count of envelopes discarded because the send buffer
// was full.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops the drain loop once its queue empties and releases the
// underlying producer.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return c.producer.Close()
}
