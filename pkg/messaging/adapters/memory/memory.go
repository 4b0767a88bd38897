// Package memory implements an in-process messaging.Broker used by tests
// and by the embedded single-process deployment of the broker. It provides
// both AMQP-like competing consumers (subscribers sharing a group receive
// each message once between them) and MQTT-like broadcast (every distinct
// group receives every message), selected by the group argument passed to
// Consumer.
package memory

import (
	"context"
	"sync"

	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

// Config configures the memory broker.
type Config struct {
	// BufferSize bounds each topic's delivery channel.
	BufferSize int
}

type subscriber struct {
	group   string
	ch      chan *messaging.Message
	closeCh chan struct{}
}

type topic struct {
	mu          sync.Mutex
	subscribers []*subscriber
	closed      bool
}

// Broker is an in-memory messaging.Broker: every topic is a fan-out point
// to all subscribers sharing a group (competing consumers within a group,
// broadcast across distinct groups), matching the topic semantics used by
// both wire bindings this package stands in for in tests.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Broker{cfg: cfg, topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Producer(topicName string) (messaging.Producer, error) {
	if b.isClosed() {
		return nil, messaging.ErrClosed(nil)
	}
	return &producer{broker: b, topic: topicName}, nil
}

func (b *Broker) Consumer(topicName string, group string) (messaging.Consumer, error) {
	if b.isClosed() {
		return nil, messaging.ErrClosed(nil)
	}
	t := b.topicFor(topicName)

	sub := &subscriber{
		group:   group,
		ch:      make(chan *messaging.Message, b.cfg.BufferSize),
		closeCh: make(chan struct{}),
	}

	t.mu.Lock()
	t.subscribers = append(t.subscribers, sub)
	t.mu.Unlock()

	return &consumer{broker: b, topic: t, sub: sub}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.mu.Lock()
		t.closed = true
		for _, s := range t.subscribers {
			close(s.closeCh)
		}
		t.mu.Unlock()
	}
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	return !b.isClosed()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// publish delivers msg to one subscriber per distinct group, picking the
// first subscriber in the group whose buffer has room (so a single
// subscriber takes every message until its buffer fills); within a group,
// consumers compete for the message
// (AMQP-like); since every group gets its own delivery, distinct groups
// each see every message (MQTT-like shared-topic broadcast).
func (b *Broker) publish(ctx context.Context, topicName string, msg *messaging.Message) error {
	t := b.topicFor(topicName)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return messaging.ErrClosed(nil)
	}
	byGroup := make(map[string][]*subscriber)
	for _, s := range t.subscribers {
		byGroup[s.group] = append(byGroup[s.group], s)
	}
	t.mu.Unlock()

	for _, subs := range byGroup {
		delivered := false
		for _, s := range subs {
			select {
			case s.ch <- msg:
				delivered = true
			default:
				continue
			}
			if delivered {
				break
			}
		}
		if !delivered && len(subs) > 0 {
			// every subscriber in this group is full; block on the first
			// rather than silently dropping, honoring reliable=true semantics.
			select {
			case subs[0].ch <- msg:
			case <-ctx.Done():
				return ctx.Err()
			case <-subs[0].closeCh:
				return messaging.ErrClosed(nil)
			}
		}
	}
	return nil
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	if msg.Topic == "" {
		msg.Topic = p.topic
	}
	return p.broker.publish(ctx, p.topic, msg)
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, msg := range msgs {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	broker *Broker
	topic  *topic
	sub    *subscriber

	mu     sync.Mutex
	closed bool
}

// Consume runs handler for every delivered message until ctx is canceled
// or the consumer is closed. A handler that panics or returns an error
// results in the message being treated as nack'd: it is dropped here (the
// memory adapter has no redelivery queue) but never crashes the consume
// loop, matching the panic-safety requirement on recv handlers.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.sub.closeCh:
			return nil
		case msg := <-c.sub.ch:
			concurrency.SafeGo(ctx, func() {
				_ = handler(ctx, msg)
			})
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.topic.mu.Lock()
	defer c.topic.mu.Unlock()
	for i, s := range c.topic.subscribers {
		if s == c.sub {
			c.topic.subscribers = append(c.topic.subscribers[:i], c.topic.subscribers[i+1:]...)
			break
		}
	}
	select {
	case <-c.sub.closeCh:
	default:
		close(c.sub.closeCh)
	}
	return nil
}
