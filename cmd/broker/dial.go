package main

import (
	"strings"
	"time"

	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
	"github.com/sylvia-iot/broker-go/pkg/messaging/adapters/amqp"
	"github.com/sylvia-iot/broker-go/pkg/messaging/adapters/memory"
	"github.com/sylvia-iot/broker-go/pkg/messaging/adapters/mqtt"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// dialer selects the AMQP-like or MQTT-like wire binding by the host URI's
// scheme (§4.1's "two wire bindings with one shape"), the same connect
// contract every ApplicationMgr/NetworkMgr shares via routing.ConnDialer.
func dialer() routing.ConnDialer {
	return func(hostURI string) (messaging.Broker, error) {
		switch {
		case strings.HasPrefix(hostURI, "amqp://") || strings.HasPrefix(hostURI, "amqps://"):
			b, err := amqp.New(amqp.Config{
				URI:                      hostURI,
				ReconnectInitialInterval: 200 * time.Millisecond,
				ReconnectMaxInterval:     30 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			return messaging.NewInstrumentedBroker(b), nil
		case strings.HasPrefix(hostURI, "tcp://") || strings.HasPrefix(hostURI, "ssl://") || strings.HasPrefix(hostURI, "mqtt://"):
			b, err := mqtt.New(mqtt.Config{
				BrokerURL:                hostURI,
				ReconnectInitialInterval: 200 * time.Millisecond,
				ReconnectMaxInterval:     30 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			return messaging.NewInstrumentedBroker(b), nil
		case strings.HasPrefix(hostURI, "memory://"):
			// Each acquire gets its own process-local bus; routing.connPool
			// still shares one broker across every manager dialing the same
			// hostURI for the pooled connection's lifetime.
			return memory.New(memory.Config{BufferSize: 256}), nil
		default:
			return nil, apperrors.InvalidArgument("unsupported host uri scheme: "+hostURI, nil)
		}
	}
}
