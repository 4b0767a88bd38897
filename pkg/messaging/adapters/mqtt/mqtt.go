// Package mqtt implements the broker's MQTT-like queue binding: topic
// pub/sub with QoS-1 reliable delivery, and shared-subscription groups
// ("$share/<group>/<topic>") for competing consumers.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

// ConnState mirrors the connection states the queue abstraction contracts for.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// Config configures the MQTT broker connection.
type Config struct {
	// BrokerURL is the MQTT broker address, e.g. "tcp://localhost:1883".
	BrokerURL string `env:"MQTT_BROKER_URL" env-required:"true"`

	// ClientID identifies this connection to the broker; left empty, a
	// process-unique id is generated.
	ClientID string `env:"MQTT_CLIENT_ID"`

	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`

	ReconnectInitialInterval time.Duration `env:"MQTT_RECONNECT_INITIAL" env-default:"200ms"`
	ReconnectMaxInterval     time.Duration `env:"MQTT_RECONNECT_MAX" env-default:"30s"`
}

// Broker wraps a paho client, translating its connection-lost/reconnect
// callbacks into the contracted connection states.
type Broker struct {
	cfg    Config
	client paho.Client
	state  atomic.Int32
}

func New(cfg Config) (*Broker, error) {
	if cfg.ReconnectInitialInterval <= 0 {
		cfg.ReconnectInitialInterval = 200 * time.Millisecond
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}

	b := &Broker{cfg: cfg}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(cfg.ReconnectMaxInterval).
		SetConnectionLostHandler(func(c paho.Client, err error) {
			b.state.Store(int32(StateConnecting))
			logger.L().Warn("mqtt connection lost, reconnecting", "error", err)
		}).
		SetOnConnectHandler(func(c paho.Client) {
			b.state.Store(int32(StateConnected))
			logger.L().Info("mqtt connection established")
		}).
		SetReconnectingHandler(func(c paho.Client, opts *paho.ClientOptions) {
			b.state.Store(int32(StateConnecting))
		})

	b.client = paho.NewClient(opts)
	b.state.Store(int32(StateConnecting))
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		b.state.Store(int32(StateDisconnected))
		return nil, messaging.ErrConnectionFailed(token.Error())
	}
	b.state.Store(int32(StateConnected))
	return b, nil
}

func (b *Broker) State() ConnState {
	return ConnState(b.state.Load())
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	return &producer{broker: b, topic: topic}, nil
}

// Consumer subscribes with QoS 1. A non-empty group subscribes to the
// shared-subscription topic "$share/<group>/<topic>" so that multiple
// consumers with the same group compete for deliveries (AMQP-like
// competing-consumer semantics layered on MQTT); an empty group subscribes
// directly to topic for broadcast/per-subscriber delivery.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	subTopic := topic
	if group != "" {
		subTopic = fmt.Sprintf("$share/%s/%s", group, topic)
	}
	return &consumer{broker: b, topic: topic, subTopic: subTopic}, nil
}

func (b *Broker) Close() error {
	b.state.Store(int32(StateClosing))
	b.client.Disconnect(250)
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	return b.client.IsConnectionOpen()
}

type producer struct {
	broker *Broker
	topic  string
}

// Publish sends at QoS 1 (reliable=true's MQTT mapping); paho queues the
// publish internally while disconnected and replays on reconnect up to its
// own internal bound, matching the bounded-buffer-while-disconnected rule.
func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	topic := p.topic
	if msg.Topic != "" {
		topic = msg.Topic
	}
	token := p.broker.client.Publish(topic, 1, false, msg.Payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return messaging.ErrPublishFailed(err)
	}
	return nil
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
	broker   *Broker
	topic    string
	subTopic string

	mu      sync.Mutex
	handler messaging.MessageHandler
	closed  bool
}

// Consume subscribes and blocks until ctx is canceled. Each delivery is
// handled on its own goroutine via concurrency.SafeGo so a panicking
// handler cannot take down paho's delivery loop; MQTT QoS-1 has no
// explicit nack, so a failed handler simply does not unsubscribe — the
// publisher's QoS-1 retry (on its own reconnect) is the redelivery path.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	token := c.broker.client.Subscribe(c.subTopic, 1, func(client paho.Client, m paho.Message) {
		msg := &messaging.Message{
			Topic:   m.Topic(),
			Payload: m.Payload(),
		}
		concurrency.SafeGo(ctx, func() {
			if err := handler(ctx, msg); err != nil {
				logger.L().WarnContext(ctx, "mqtt handler returned error", "topic", m.Topic(), "error", err)
			}
		})
	})
	if token.Wait() && token.Error() != nil {
		return messaging.ErrConsumeFailed(token.Error())
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.broker.client.Unsubscribe(c.subTopic)
	return nil
}
