package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	brokercache "github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	cachememory "github.com/sylvia-iot/broker-go/pkg/cache/adapters/memory"
)

func TestDeviceByAddrRoundTrip(t *testing.T) {
	ctx := context.Background()
	lookup := brokercache.New(cachememory.New())

	_, err := lookup.DeviceByAddr(ctx, "u1", "n1", "addr1")
	require.Error(t, err, "a cache miss must be reported, not just zero-valued")

	d := &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1"}
	lookup.PutDeviceByAddr(ctx, "u1", "n1", "addr1", d)

	got, err := lookup.DeviceByAddr(ctx, "u1", "n1", "addr1")
	require.NoError(t, err)
	require.Equal(t, "dev1", got.ID)
}

func TestDelForDevicePurgesBothAddrAndIDEntries(t *testing.T) {
	ctx := context.Background()
	lookup := brokercache.New(cachememory.New())

	d := &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1"}
	lookup.PutDeviceByAddr(ctx, "u1", "n1", "addr1", d)
	lookup.PutDeviceByID(ctx, d)

	lookup.DelForDevice(ctx, "dev1")

	_, err := lookup.DeviceByAddr(ctx, "u1", "n1", "addr1")
	require.Error(t, err)
	_, err = lookup.DeviceByID(ctx, "dev1")
	require.Error(t, err)
}

func TestDelForApplicationPurgesRouteCaches(t *testing.T) {
	ctx := context.Background()
	lookup := brokercache.New(cachememory.New())

	targets := []brokercache.RouteTarget{{ApplicationID: "app1", ApplicationCode: "app1", UnitCode: "unit1"}}
	lookup.PutRoutesForDevice(ctx, "dev1", targets)
	lookup.PutRoutesForNetwork(ctx, "u1", "n1", targets)

	lookup.DelForApplication(ctx, "app1")

	_, err := lookup.RoutesForDevice(ctx, "dev1")
	require.Error(t, err)
	_, err = lookup.RoutesForNetwork(ctx, "u1", "n1")
	require.Error(t, err)
}

func TestDelForNetworkLeavesUnrelatedDeviceCached(t *testing.T) {
	ctx := context.Background()
	lookup := brokercache.New(cachememory.New())

	d1 := &model.Device{ID: "dev1", UnitID: "u1", NetworkID: "n1", NetworkAddress: "addr1"}
	d2 := &model.Device{ID: "dev2", UnitID: "u1", NetworkID: "n2", NetworkAddress: "addr2"}
	lookup.PutDeviceByAddr(ctx, "u1", "n1", "addr1", d1)
	lookup.PutDeviceByAddr(ctx, "u1", "n2", "addr2", d2)

	lookup.DelForNetwork(ctx, "n1")

	_, err := lookup.DeviceByAddr(ctx, "u1", "n1", "addr1")
	require.Error(t, err)

	got, err := lookup.DeviceByAddr(ctx, "u1", "n2", "addr2")
	require.NoError(t, err)
	require.Equal(t, "dev2", got.ID)
}
