// Package controlbus is the broadcast invalidation channel described in
// §4.3: a thin wire layer over pkg/messaging (one broker.ctrl.<scope>
// topic per entity kind) feeding a per-process local fan-out so every
// interested component — the cache, the routing-state managers — can
// register its own handler without knowing about the wire transport.
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

// HandlerFunc processes one invalidation message for a given scope.
type HandlerFunc func(ctx context.Context, msg envelope.CtrlMessage) error

// Bus publishes and receives control-bus invalidations. nodeID
// distinguishes this process's subscription group from every other node's,
// so every node gets its own copy of every broadcast message instead of
// competing with peers for it.
type Bus struct {
	broker messaging.Broker
	nodeID string

	mu        sync.Mutex
	producers map[envelope.CtrlScope]messaging.Producer
	handlers  map[envelope.CtrlScope][]HandlerFunc
}

func New(broker messaging.Broker, nodeID string) *Bus {
	return &Bus{
		broker:    broker,
		nodeID:    nodeID,
		producers: make(map[envelope.CtrlScope]messaging.Producer),
		handlers:  make(map[envelope.CtrlScope][]HandlerFunc),
	}
}

func topicFor(scope envelope.CtrlScope) string {
	return fmt.Sprintf("broker.ctrl.%s", scope)
}

// Publish sends one invalidation message. Callers must publish after the
// originating model write commits and before they report success to their
// own caller (§4.3 ordering rule).
func (b *Bus) Publish(ctx context.Context, scope envelope.CtrlScope, msg envelope.CtrlMessage) error {
	producer, err := b.producerFor(scope)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal invalidation message")
	}
	return producer.Publish(ctx, &messaging.Message{Topic: topicFor(scope), Payload: payload})
}

func (b *Bus) producerFor(scope envelope.CtrlScope) (messaging.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.producers[scope]; ok {
		return p, nil
	}
	p, err := b.broker.Producer(topicFor(scope))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open control-bus producer")
	}
	b.producers[scope] = p
	return p, nil
}

// Handle registers a handler invoked for every message received for scope.
// Handlers run in registration order; the first error nacks the message so
// the broker redelivers it (handlers must be idempotent, per §4.3).
func (b *Bus) Handle(scope envelope.CtrlScope, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[scope] = append(b.handlers[scope], handler)
}

// Start opens one broadcast consumer for each scope passed in, whether or
// not a handler is registered for it; a message for a scope with no handler
// is acknowledged with no effect. Each node's group is its own nodeID, so
// every node independently receives every message instead of load-sharing it.
func (b *Bus) Start(ctx context.Context, scopes ...envelope.CtrlScope) error {
	for _, scope := range scopes {
		scope := scope
		consumer, err := b.broker.Consumer(topicFor(scope), b.nodeID)
		if err != nil {
			return apperrors.Wrap(err, "failed to open control-bus consumer")
		}
		go func() {
			err := consumer.Consume(ctx, func(ctx context.Context, m *messaging.Message) error {
				return b.dispatch(ctx, scope, m)
			})
			if err != nil && ctx.Err() == nil {
				logger.L().Error("control-bus consumer stopped", "scope", scope, "error", err)
			}
		}()
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, scope envelope.CtrlScope, m *messaging.Message) error {
	var msg envelope.CtrlMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		logger.L().Warn("discarding malformed invalidation message", "scope", scope, "error", err)
		return nil
	}

	b.mu.Lock()
	handlers := append([]HandlerFunc(nil), b.handlers[scope]...)
	b.mu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
