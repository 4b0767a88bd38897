package uplink_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokercache "github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/datachannel"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	modelmemory "github.com/sylvia-iot/broker-go/internal/broker/model/memory"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/internal/broker/uplink"
	cachememory "github.com/sylvia-iot/broker-go/pkg/cache/adapters/memory"
	"github.com/sylvia-iot/broker-go/pkg/messaging"
	msgmemory "github.com/sylvia-iot/broker-go/pkg/messaging/adapters/memory"
)

func TestHandlePrivateUplinkRoutesToApplication(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := modelmemory.New()
	require.NoError(t, store.Units().Add(ctx, &model.Unit{ID: "u1", Code: "unit1"}))
	require.NoError(t, store.Applications().Add(ctx, &model.Application{ID: "app1", Code: "app1", UnitID: "u1", HostURI: "memory://test"}))
	require.NoError(t, store.Networks().Add(ctx, &model.Network{ID: "n1", Code: "net1", UnitID: "u1"}))
	require.NoError(t, store.Devices().Add(ctx, &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1", Profile: "prof1"}))
	require.NoError(t, store.DeviceRoutes().Add(ctx, &model.DeviceRoute{ID: "dr1", DeviceID: "dev1", ApplicationID: "app1", NetworkID: "n1", UnitID: "u1"}))

	lookup := brokercache.New(cachememory.New())
	broker := msgmemory.New(msgmemory.Config{BufferSize: 16})
	defer broker.Close()

	dial := func(hostURI string) (messaging.Broker, error) { return broker, nil }
	state := routing.New(routing.Config{Dial: dial, Linger: time.Millisecond})

	dataCh, err := datachannel.New(ctx, broker, 16)
	require.NoError(t, err)
	defer dataCh.Close()

	_, err = state.CreateApplicationManager(ctx, "unit1", "app1", "memory://test")
	require.NoError(t, err)

	consumer, err := broker.Consumer("broker.application.unit1.app1.uldata", "test")
	require.NoError(t, err)
	defer consumer.Close()

	received := make(chan *messaging.Message, 1)
	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			received <- msg
			return nil
		})
	}()

	h := uplink.New(store, lookup, state, dataCh)

	payload, err := json.Marshal(envelope.NetworkUlDataIn{Time: "2026-07-31T00:00:00Z", NetworkAddr: "addr1", Data: "AABB"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, "unit1", "net1", payload))

	select {
	case msg := <-received:
		var out envelope.ApplicationUlDataOut
		require.NoError(t, json.Unmarshal(msg.Payload, &out))
		require.Equal(t, "dev1", out.DeviceID)
		require.Equal(t, "u1", out.UnitID)
		require.Equal(t, "prof1", out.Profile)
		require.Equal(t, "AABB", out.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application delivery")
	}
}

func TestHandlePublicUplinkUnclaimedAddressIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := modelmemory.New()
	require.NoError(t, store.Networks().Add(ctx, &model.Network{ID: "n1", Code: "pub1"}))

	lookup := brokercache.New(cachememory.New())
	broker := msgmemory.New(msgmemory.Config{BufferSize: 16})
	defer broker.Close()

	dial := func(hostURI string) (messaging.Broker, error) { return broker, nil }
	state := routing.New(routing.Config{Dial: dial, Linger: time.Millisecond})

	dataCh, err := datachannel.New(ctx, broker, 16)
	require.NoError(t, err)
	defer dataCh.Close()

	h := uplink.New(store, lookup, state, dataCh)

	payload, err := json.Marshal(envelope.NetworkUlDataIn{Time: "2026-07-31T00:00:00Z", NetworkAddr: "unknown-addr", Data: "AA=="})
	require.NoError(t, err)

	// No device claims this address; the handler must not error, just log
	// and drop the routing attempt.
	require.NoError(t, h.Handle(ctx, "", "pub1", payload))
}
