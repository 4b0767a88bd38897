package downlink_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokercache "github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/datachannel"
	"github.com/sylvia-iot/broker-go/internal/broker/downlink"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	modelmemory "github.com/sylvia-iot/broker-go/internal/broker/model/memory"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	cachememory "github.com/sylvia-iot/broker-go/pkg/cache/adapters/memory"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
	msgmemory "github.com/sylvia-iot/broker-go/pkg/messaging/adapters/memory"
)

type fixture struct {
	store model.Store
	state *routing.State
	data  *datachannel.Channel
	h     *downlink.Handler

	respCh   chan *messaging.Message
	netCh    chan *messaging.Message
	resultCh chan *messaging.Message
	dataCh   chan *messaging.Message
}

func setup(t *testing.T, ctx context.Context) *fixture {
	t.Helper()

	store := modelmemory.New()
	require.NoError(t, store.Units().Add(ctx, &model.Unit{ID: "u1", Code: "unit1"}))
	require.NoError(t, store.Applications().Add(ctx, &model.Application{ID: "app1", Code: "app1", UnitID: "u1", HostURI: "memory://test"}))
	require.NoError(t, store.Networks().Add(ctx, &model.Network{ID: "n1", Code: "net1", UnitID: "u1", HostURI: "memory://test"}))
	require.NoError(t, store.Devices().Add(ctx, &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1"}))

	lookup := brokercache.New(cachememory.New())
	broker := msgmemory.New(msgmemory.Config{BufferSize: 16})
	t.Cleanup(func() { broker.Close() })

	dial := func(hostURI string) (messaging.Broker, error) { return broker, nil }
	state := routing.New(routing.Config{Dial: dial, Linger: time.Millisecond})

	dataCh, err := datachannel.New(ctx, broker, 16)
	require.NoError(t, err)
	t.Cleanup(func() { dataCh.Close() })

	_, err = state.CreateApplicationManager(ctx, "unit1", "app1", "memory://test")
	require.NoError(t, err)
	_, err = state.CreateNetworkManager(ctx, "unit1", "net1", "memory://test")
	require.NoError(t, err)

	respConsumer, err := broker.Consumer("broker.application.unit1.app1.dldata-resp", "test")
	require.NoError(t, err)
	netConsumer, err := broker.Consumer("broker.network.unit1.net1.dldata", "test")
	require.NoError(t, err)
	resultConsumer, err := broker.Consumer("broker.application.unit1.app1.dldata-result", "test")
	require.NoError(t, err)
	dataConsumer, err := broker.Consumer("broker.data", "test")
	require.NoError(t, err)

	respCh := make(chan *messaging.Message, 1)
	netCh := make(chan *messaging.Message, 1)
	resultCh := make(chan *messaging.Message, 1)
	dataChMsgs := make(chan *messaging.Message, 16)
	go respConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { respCh <- msg; return nil })
	go netConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { netCh <- msg; return nil })
	go resultConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { resultCh <- msg; return nil })
	go dataConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { dataChMsgs <- msg; return nil })

	return &fixture{
		store:    store,
		state:    state,
		data:     dataCh,
		h:        downlink.New(store, lookup, state, dataCh),
		respCh:   respCh,
		netCh:    netCh,
		resultCh: resultCh,
		dataCh:   dataChMsgs,
	}
}

// waitForDataKind drains f.dataCh until an envelope of the given kind
// arrives, failing the test if none shows up in time.
func waitForDataKind(t *testing.T, f *fixture, kind envelope.Kind) envelope.DataChannelEnvelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.dataCh:
			var env envelope.DataChannelEnvelope
			require.NoError(t, json.Unmarshal(msg.Payload, &env))
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for data-channel envelope of kind %q", kind)
		}
	}
}

func TestHandleApplicationDlDataByDeviceID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := setup(t, ctx)

	payload, err := json.Marshal(envelope.ApplicationDlDataIn{CorrelationID: "c1", DeviceID: "dev1", Data: "AABB"})
	require.NoError(t, err)

	require.NoError(t, f.h.HandleApplicationDlData(ctx, "unit1", "app1", payload))

	var dataID string
	select {
	case msg := <-f.respCh:
		var resp envelope.ApplicationDlDataResp
		require.NoError(t, json.Unmarshal(msg.Payload, &resp))
		require.Equal(t, "c1", resp.CorrelationID)
		require.Equal(t, downlink.StatusSuccess, resp.Status)
		dataID = resp.DataID
		require.NotEmpty(t, dataID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dldata-resp")
	}

	select {
	case msg := <-f.netCh:
		var out envelope.NetworkDlDataOut
		require.NoError(t, json.Unmarshal(msg.Payload, &out))
		require.Equal(t, dataID, out.DataID)
		require.Equal(t, "addr1", out.NetworkAddr)
		require.Equal(t, "AABB", out.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for network dldata fan-out")
	}

	env := waitForDataKind(t, f, envelope.KindNetworkDlData)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var netData envelope.NetworkDlData
	require.NoError(t, json.Unmarshal(raw, &netData))
	require.Equal(t, dataID, netData.DataID)
	require.Equal(t, "net1", netData.NetworkCode)
	require.Equal(t, "addr1", netData.NetworkAddr)
	require.Equal(t, "dev1", netData.DeviceID)
	require.Equal(t, "AABB", netData.Data)

	buf, err := f.store.DlDataBuffers().Get(ctx, model.Cond{"data_id": dataID})
	require.NoError(t, err)
	require.Equal(t, "c1", buf.CorrelationID)

	resultPayload, err := json.Marshal(envelope.NetworkDlDataResultIn{DataID: dataID, Status: downlink.StatusSuccess})
	require.NoError(t, err)
	require.NoError(t, f.h.HandleNetworkDlDataResult(ctx, "unit1", "net1", resultPayload))

	select {
	case msg := <-f.resultCh:
		var result envelope.ApplicationDlDataResultOut
		require.NoError(t, json.Unmarshal(msg.Payload, &result))
		require.Equal(t, "c1", result.CorrelationID)
		require.Equal(t, dataID, result.DataID)
		require.Equal(t, downlink.StatusSuccess, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dldata-result")
	}

	_, err = f.store.DlDataBuffers().Get(ctx, model.Cond{"data_id": dataID})
	require.Error(t, err, "buffer must be deleted once a non-transient result is correlated")
}

func TestHandleApplicationDlDataBadAddressingIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := setup(t, ctx)

	// Neither device_id nor (network_code, network_addr) is set.
	payload, err := json.Marshal(envelope.ApplicationDlDataIn{CorrelationID: "c2", Data: "AA=="})
	require.NoError(t, err)

	require.NoError(t, f.h.HandleApplicationDlData(ctx, "unit1", "app1", payload))

	select {
	case msg := <-f.resultCh:
		var result envelope.ApplicationDlDataResultOut
		require.NoError(t, json.Unmarshal(msg.Payload, &result))
		require.Equal(t, "c2", result.CorrelationID)
		require.Equal(t, downlink.StatusBadAddressing, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bad-addressing rejection")
	}

	select {
	case <-f.respCh:
		t.Fatal("a rejected dldata must never reach dldata-resp")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestHandleApplicationDlDataByAddrScopesNetworkByUnit reproduces two units
// each owning a private network under the same code: resolution by
// (network_code, network_addr) must pick the requesting unit's own network
// rather than an arbitrary same-code match from another unit (§4.6 step 2).
func TestHandleApplicationDlDataByAddrScopesNetworkByUnit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := modelmemory.New()
	require.NoError(t, store.Units().Add(ctx, &model.Unit{ID: "u1", Code: "unit1"}))
	require.NoError(t, store.Units().Add(ctx, &model.Unit{ID: "u2", Code: "unit2"}))
	require.NoError(t, store.Applications().Add(ctx, &model.Application{ID: "app1", Code: "app1", UnitID: "u1", HostURI: "memory://test"}))

	// Both units have a private network named "shared"; only unit1's should
	// ever resolve for an application belonging to unit1.
	require.NoError(t, store.Networks().Add(ctx, &model.Network{ID: "n1", Code: "shared", UnitID: "u1", HostURI: "memory://test"}))
	require.NoError(t, store.Networks().Add(ctx, &model.Network{ID: "n2", Code: "shared", UnitID: "u2", HostURI: "memory://test"}))
	require.NoError(t, store.Devices().Add(ctx, &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1"}))
	require.NoError(t, store.Devices().Add(ctx, &model.Device{ID: "dev2", UnitID: "u2", NetworkID: "n2", NetworkAddress: "addr1"}))

	lookup := brokercache.New(cachememory.New())
	broker := msgmemory.New(msgmemory.Config{BufferSize: 16})
	t.Cleanup(func() { broker.Close() })

	dial := func(hostURI string) (messaging.Broker, error) { return broker, nil }
	state := routing.New(routing.Config{Dial: dial, Linger: time.Millisecond})

	dataChannel, err := datachannel.New(ctx, broker, 16)
	require.NoError(t, err)
	t.Cleanup(func() { dataChannel.Close() })

	_, err = state.CreateApplicationManager(ctx, "unit1", "app1", "memory://test")
	require.NoError(t, err)
	_, err = state.CreateNetworkManager(ctx, "unit1", "shared", "memory://test")
	require.NoError(t, err)
	_, err = state.CreateNetworkManager(ctx, "unit2", "shared", "memory://test")
	require.NoError(t, err)

	netConsumer, err := broker.Consumer("broker.network.unit1.shared.dldata", "test")
	require.NoError(t, err)
	otherNetConsumer, err := broker.Consumer("broker.network.unit2.shared.dldata", "test")
	require.NoError(t, err)

	netCh := make(chan *messaging.Message, 1)
	otherNetCh := make(chan *messaging.Message, 1)
	go netConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { netCh <- msg; return nil })
	go otherNetConsumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error { otherNetCh <- msg; return nil })

	h := downlink.New(store, lookup, state, dataChannel)

	payload, err := json.Marshal(envelope.ApplicationDlDataIn{
		CorrelationID: "c3",
		NetworkCode:   "shared",
		NetworkAddr:   "addr1",
		Data:          "AABB",
	})
	require.NoError(t, err)

	require.NoError(t, h.HandleApplicationDlData(ctx, "unit1", "app1", payload))

	select {
	case msg := <-netCh:
		var out envelope.NetworkDlDataOut
		require.NoError(t, json.Unmarshal(msg.Payload, &out))
		require.Equal(t, "addr1", out.NetworkAddr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unit1's network to receive the downlink")
	}

	select {
	case <-otherNetCh:
		t.Fatal("downlink addressed to unit1's device must never be routed to unit2's same-code network")
	case <-time.After(200 * time.Millisecond):
	}
}
