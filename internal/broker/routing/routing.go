// Package routing is the broker's routing state (§4.4): the per-process
// maps of live ApplicationMgr/NetworkMgr, their creation/teardown
// protocol, and the connection pool they share. Business logic (resolving
// a device, computing fan-out) lives in internal/broker/uplink and
// internal/broker/downlink; this package only owns queue lifecycle and
// dispatches received payloads to handlers those packages register.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
)

// Status is a manager's lifecycle state.
type Status string

const (
	NotReady Status = "not-ready"
	Ready    Status = "ready"
	Closing  Status = "closing"
)

// PayloadHandler processes one received message's raw payload for a given
// (unit_code, code) manager.
type PayloadHandler func(ctx context.Context, unitCode, code string, payload []byte) error

// Key identifies a manager: (unit_code, code). Public networks use an
// empty unit_code.
type Key struct {
	UnitCode string
	Code     string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.UnitCode, k.Code) }

// ApplicationMgr owns the four queues an application side speaks on.
type ApplicationMgr struct {
	mu      sync.RWMutex
	key     Key
	hostURI string
	status  Status

	conn messaging.Broker

	ulDataProducer       messaging.Producer
	dlDataConsumer       messaging.Consumer
	dlDataRespProducer   messaging.Producer
	dlDataResultProducer messaging.Producer
}

func (m *ApplicationMgr) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *ApplicationMgr) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// SendUlData publishes an uplink delivery to this application.
func (m *ApplicationMgr) SendUlData(ctx context.Context, payload []byte) error {
	return m.ulDataProducer.Publish(ctx, &messaging.Message{Payload: payload})
}

// SendDlDataResp publishes the immediate accept ack for a downlink.
func (m *ApplicationMgr) SendDlDataResp(ctx context.Context, payload []byte) error {
	return m.dlDataRespProducer.Publish(ctx, &messaging.Message{Payload: payload})
}

// SendDlDataResult publishes the terminal correlation result for a downlink.
func (m *ApplicationMgr) SendDlDataResult(ctx context.Context, payload []byte) error {
	return m.dlDataResultProducer.Publish(ctx, &messaging.Message{Payload: payload})
}

// NetworkMgr owns the queues a network side speaks on.
type NetworkMgr struct {
	mu      sync.RWMutex
	key     Key
	hostURI string
	status  Status

	conn messaging.Broker

	ulDataConsumer      messaging.Consumer
	dlDataProducer      messaging.Producer
	dlDataResultConsumer messaging.Consumer
}

func (m *NetworkMgr) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *NetworkMgr) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// SendDlData publishes a downlink fan-out to this network.
func (m *NetworkMgr) SendDlData(ctx context.Context, payload []byte) error {
	return m.dlDataProducer.Publish(ctx, &messaging.Message{Payload: payload})
}

// ConnDialer opens a messaging.Broker for a tenant-supplied host URI. The
// concrete dialer (amqp.New, mqtt.New, or the in-memory broker for tests)
// is injected so this package stays transport-agnostic.
type ConnDialer func(hostURI string) (messaging.Broker, error)

// connPool reference-counts connections by host URI so managers sharing a
// host share one underlying connection.
type connPool struct {
	mu     sync.Mutex
	dial   ConnDialer
	linger time.Duration
	conns  map[string]*pooledConn
}

type pooledConn struct {
	broker messaging.Broker
	refs   int
}

func newConnPool(dial ConnDialer, linger time.Duration) *connPool {
	return &connPool{dial: dial, linger: linger, conns: make(map[string]*pooledConn)}
}

func (p *connPool) acquire(hostURI string) (messaging.Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[hostURI]; ok {
		c.refs++
		return c.broker, nil
	}
	b, err := p.dial(hostURI)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to dial "+hostURI)
	}
	p.conns[hostURI] = &pooledConn{broker: b, refs: 1}
	return b, nil
}

func (p *connPool) release(hostURI string) {
	p.mu.Lock()
	c, ok := p.conns[hostURI]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.refs--
	if c.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Linger before closing to absorb a rapid destroy/recreate cycle
	// (§5 "the last release closes the connection after a short linger"):
	// an acquire within the linger finds the entry and reuses it.
	time.AfterFunc(p.linger, func() {
		p.mu.Lock()
		if cur, ok := p.conns[hostURI]; !ok || cur != c || c.refs > 0 {
			p.mu.Unlock()
			return
		}
		delete(p.conns, hostURI)
		p.mu.Unlock()
		_ = c.broker.Close()
	})
}

// State holds the two manager maps and the handlers invoked when a
// manager's queues receive a message.
type State struct {
	pool *connPool

	mu           sync.RWMutex
	applications map[Key]*ApplicationMgr
	networks     map[Key]*NetworkMgr

	onApplicationDlData  PayloadHandler
	onNetworkUlData      PayloadHandler
	onNetworkDlDataResult PayloadHandler
}

// Config configures the shared connection pool and the business-logic
// handlers each manager's inbound queues dispatch to.
type Config struct {
	Dial   ConnDialer
	Linger time.Duration

	OnApplicationDlData   PayloadHandler
	OnNetworkUlData       PayloadHandler
	OnNetworkDlDataResult PayloadHandler
}

func New(cfg Config) *State {
	linger := cfg.Linger
	if linger <= 0 {
		linger = time.Second
	}
	return &State{
		pool:                  newConnPool(cfg.Dial, linger),
		applications:          make(map[Key]*ApplicationMgr),
		networks:              make(map[Key]*NetworkMgr),
		onApplicationDlData:   cfg.OnApplicationDlData,
		onNetworkUlData:       cfg.OnNetworkUlData,
		onNetworkDlDataResult: cfg.OnNetworkDlDataResult,
	}
}

// Application returns the live manager for (unit_code, code), if any.
func (s *State) Application(unitCode, code string) (*ApplicationMgr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.applications[Key{unitCode, code}]
	return m, ok
}

// Network returns the live manager for (unit_code, code), if any. Public
// networks are looked up with unitCode == "".
func (s *State) Network(unitCode, code string) (*NetworkMgr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.networks[Key{unitCode, code}]
	return m, ok
}

// CreateApplicationManager is idempotent: an existing manager for the key
// is left untouched (§8 property 2, "add-manager on an existing key is a
// no-op").
func (s *State) CreateApplicationManager(ctx context.Context, unitCode, code, hostURI string) (*ApplicationMgr, error) {
	key := Key{unitCode, code}
	s.mu.Lock()
	if existing, ok := s.applications[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	m := &ApplicationMgr{key: key, hostURI: hostURI, status: NotReady}
	s.applications[key] = m
	s.mu.Unlock()

	conn, err := s.pool.acquire(hostURI)
	if err != nil {
		s.removeApplication(key)
		return nil, err
	}
	m.conn = conn

	ulDataProducer, err := conn.Producer(fmt.Sprintf("broker.application.%s.%s.uldata", unitCode, code))
	if err != nil {
		s.removeApplication(key)
		return nil, apperrors.Wrap(err, "failed to open uldata producer")
	}
	dlDataRespProducer, err := conn.Producer(fmt.Sprintf("broker.application.%s.%s.dldata-resp", unitCode, code))
	if err != nil {
		s.removeApplication(key)
		return nil, apperrors.Wrap(err, "failed to open dldata-resp producer")
	}
	dlDataResultProducer, err := conn.Producer(fmt.Sprintf("broker.application.%s.%s.dldata-result", unitCode, code))
	if err != nil {
		s.removeApplication(key)
		return nil, apperrors.Wrap(err, "failed to open dldata-result producer")
	}
	dlDataConsumer, err := conn.Consumer(fmt.Sprintf("broker.application.%s.%s.dldata", unitCode, code), "broker")
	if err != nil {
		s.removeApplication(key)
		return nil, apperrors.Wrap(err, "failed to open dldata consumer")
	}

	m.mu.Lock()
	m.ulDataProducer = ulDataProducer
	m.dlDataRespProducer = dlDataRespProducer
	m.dlDataResultProducer = dlDataResultProducer
	m.dlDataConsumer = dlDataConsumer
	m.mu.Unlock()

	if s.onApplicationDlData != nil {
		handler := s.onApplicationDlData
		go func() {
			err := dlDataConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
				return handler(ctx, unitCode, code, msg.Payload)
			})
			if err != nil && ctx.Err() == nil {
				logger.L().Error("application dldata consumer stopped", "unit", unitCode, "app", code, "error", err)
			}
		}()
	}

	m.setStatus(Ready)
	return m, nil
}

// DestroyApplicationManager transitions the manager to closing, releases
// its queues and connection reference, then removes it from the map.
func (s *State) DestroyApplicationManager(unitCode, code string) {
	key := Key{unitCode, code}
	s.mu.Lock()
	m, ok := s.applications[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.applications, key)
	s.mu.Unlock()

	m.setStatus(Closing)
	m.mu.RLock()
	if m.dlDataConsumer != nil {
		_ = m.dlDataConsumer.Close()
	}
	if m.ulDataProducer != nil {
		_ = m.ulDataProducer.Close()
	}
	if m.dlDataRespProducer != nil {
		_ = m.dlDataRespProducer.Close()
	}
	if m.dlDataResultProducer != nil {
		_ = m.dlDataResultProducer.Close()
	}
	m.mu.RUnlock()
	s.pool.release(m.hostURI)
}

func (s *State) removeApplication(key Key) {
	s.mu.Lock()
	delete(s.applications, key)
	s.mu.Unlock()
}

// CreateNetworkManager is idempotent, mirroring CreateApplicationManager.
// unitCode is "" for a public network.
func (s *State) CreateNetworkManager(ctx context.Context, unitCode, code, hostURI string) (*NetworkMgr, error) {
	key := Key{unitCode, code}
	s.mu.Lock()
	if existing, ok := s.networks[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	m := &NetworkMgr{key: key, hostURI: hostURI, status: NotReady}
	s.networks[key] = m
	s.mu.Unlock()

	conn, err := s.pool.acquire(hostURI)
	if err != nil {
		s.removeNetwork(key)
		return nil, err
	}
	m.conn = conn

	unitSeg := unitCode
	if unitSeg == "" {
		unitSeg = "_"
	}
	dlDataProducer, err := conn.Producer(fmt.Sprintf("broker.network.%s.%s.dldata", unitSeg, code))
	if err != nil {
		s.removeNetwork(key)
		return nil, apperrors.Wrap(err, "failed to open dldata producer")
	}
	ulDataConsumer, err := conn.Consumer(fmt.Sprintf("broker.network.%s.%s.uldata", unitSeg, code), "broker")
	if err != nil {
		s.removeNetwork(key)
		return nil, apperrors.Wrap(err, "failed to open uldata consumer")
	}
	dlDataResultConsumer, err := conn.Consumer(fmt.Sprintf("broker.network.%s.%s.dldata-result", unitSeg, code), "broker")
	if err != nil {
		s.removeNetwork(key)
		return nil, apperrors.Wrap(err, "failed to open dldata-result consumer")
	}

	m.mu.Lock()
	m.dlDataProducer = dlDataProducer
	m.ulDataConsumer = ulDataConsumer
	m.dlDataResultConsumer = dlDataResultConsumer
	m.mu.Unlock()

	if s.onNetworkUlData != nil {
		handler := s.onNetworkUlData
		go func() {
			err := ulDataConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
				return handler(ctx, unitCode, code, msg.Payload)
			})
			if err != nil && ctx.Err() == nil {
				logger.L().Error("network uldata consumer stopped", "unit", unitCode, "net", code, "error", err)
			}
		}()
	}
	if s.onNetworkDlDataResult != nil {
		handler := s.onNetworkDlDataResult
		go func() {
			err := dlDataResultConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
				return handler(ctx, unitCode, code, msg.Payload)
			})
			if err != nil && ctx.Err() == nil {
				logger.L().Error("network dldata-result consumer stopped", "unit", unitCode, "net", code, "error", err)
			}
		}()
	}

	m.setStatus(Ready)
	return m, nil
}

// DestroyNetworkManager mirrors DestroyApplicationManager.
func (s *State) DestroyNetworkManager(unitCode, code string) {
	key := Key{unitCode, code}
	s.mu.Lock()
	m, ok := s.networks[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.networks, key)
	s.mu.Unlock()

	m.setStatus(Closing)
	m.mu.RLock()
	if m.ulDataConsumer != nil {
		_ = m.ulDataConsumer.Close()
	}
	if m.dlDataResultConsumer != nil {
		_ = m.dlDataResultConsumer.Close()
	}
	if m.dlDataProducer != nil {
		_ = m.dlDataProducer.Close()
	}
	m.mu.RUnlock()
	s.pool.release(m.hostURI)
}

func (s *State) removeNetwork(key Key) {
	s.mu.Lock()
	delete(s.networks, key)
	s.mu.Unlock()
}

// Shutdown transitions every live manager to closing and releases its
// queues, used by the process's graceful-shutdown path (§5).
func (s *State) Shutdown() {
	s.mu.RLock()
	apps := make([]Key, 0, len(s.applications))
	for k := range s.applications {
		apps = append(apps, k)
	}
	nets := make([]Key, 0, len(s.networks))
	for k := range s.networks {
		nets = append(nets, k)
	}
	s.mu.RUnlock()

	for _, k := range apps {
		s.DestroyApplicationManager(k.UnitCode, k.Code)
	}
	for _, k := range nets {
		s.DestroyNetworkManager(k.UnitCode, k.Code)
	}
}
