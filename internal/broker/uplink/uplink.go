// Package uplink implements the network→application routing path (§4.5):
// resolve the sending device, emit a data-log envelope, compute the
// application fan-out, and deliver to each target.
package uplink

import (
	"context"
	"encoding/json"

	"github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/datachannel"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	"github.com/sylvia-iot/broker-go/pkg/ids"
	"github.com/sylvia-iot/broker-go/pkg/logger"
)

// Handler resolves and fans out one network-side uplink message.
type Handler struct {
	store model.Store
	cache *cache.Lookup
	state *routing.State
	data  *datachannel.Channel
}

func New(store model.Store, lookup *cache.Lookup, state *routing.State, data *datachannel.Channel) *Handler {
	return &Handler{store: store, cache: lookup, state: state, data: data}
}

// Handle is registered as routing.PayloadHandler for every NetworkMgr's
// uldata consumer.
func (h *Handler) Handle(ctx context.Context, unitCode, networkCode string, payload []byte) error {
	var in envelope.NetworkUlDataIn
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.L().Warn("discarding malformed uldata message", "unit", unitCode, "network", networkCode, "error", err)
		return nil
	}

	dataID := ids.NewDataID()
	proc := ids.Now()

	network, err := h.resolveNetwork(ctx, unitCode, networkCode)
	if err != nil {
		logger.L().Error("network not found for uldata", "unit", unitCode, "network", networkCode, "error", err)
		return nil
	}

	device, err := h.resolveDevice(ctx, network, in.NetworkAddr)
	if err != nil {
		// No routing possible; still log the attempt with null identities.
		h.emitNetworkUlData(ctx, dataID, proc, unitCode, networkCode, in, nil, nil)
		return nil
	}

	unitID := device.UnitID
	deviceID := device.ID
	h.emitNetworkUlData(ctx, dataID, proc, unitCode, networkCode, in, &unitID, &deviceID)

	targets, err := h.fanOutTargets(ctx, device)
	if err != nil {
		logger.L().Error("failed to compute uplink fan-out", "device", device.ID, "error", err)
		return nil
	}

	pub := ids.Now()
	concurrency.FanOut(ctx, len(targets), func(i int) {
		t := targets[i]
		out := envelope.ApplicationUlDataOut{
			DataID:      dataID,
			Proc:        proc,
			Pub:         pub,
			UnitCode:    t.UnitCode,
			NetworkCode: networkCode,
			NetworkAddr: in.NetworkAddr,
			UnitID:      device.UnitID,
			DeviceID:    device.ID,
			Time:        in.Time,
			Profile:     device.Profile,
			Data:        in.Data,
			Extension:   in.Extension,
		}
		payload, err := json.Marshal(out)
		if err != nil {
			logger.L().Error("failed to marshal application uldata", "app", t.ApplicationID, "error", err)
			return
		}
		mgr, ok := h.state.Application(t.UnitCode, t.ApplicationCode)
		if !ok {
			logger.L().Warn("no live manager for uplink delivery target", "app", t.ApplicationID)
			return
		}
		if err := mgr.SendUlData(ctx, payload); err != nil {
			logger.L().Error("uplink delivery failed", "app", t.ApplicationID, "error", err)
			return
		}
		h.data.Send(ctx, envelope.KindApplicationUlData, out)
	})

	return nil
}

func (h *Handler) resolveNetwork(ctx context.Context, unitCode, networkCode string) (*model.Network, error) {
	cond := model.Cond{"code": networkCode}
	if unitCode == "" {
		cond["unit_id"] = ""
	} else if unit, err := h.store.Units().Get(ctx, model.Cond{"code": unitCode}); err == nil {
		cond["unit_id"] = unit.ID
	}
	return h.store.Networks().Get(ctx, cond)
}

func (h *Handler) resolveDevice(ctx context.Context, network *model.Network, networkAddr string) (*model.Device, error) {
	if d, err := h.cache.DeviceByAddr(ctx, network.UnitID, network.ID, networkAddr); err == nil {
		return d, nil
	}
	d, err := h.store.Devices().Get(ctx, model.Cond{"network_id": network.ID, "network_address": networkAddr})
	if err != nil {
		return nil, err
	}
	h.cache.PutDeviceByAddr(ctx, network.UnitID, network.ID, networkAddr, d)
	h.cache.PutDeviceByID(ctx, d)
	return d, nil
}

func (h *Handler) fanOutTargets(ctx context.Context, device *model.Device) ([]cache.RouteTarget, error) {
	deviceTargets, err := h.deviceRoutes(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	networkTargets, err := h.networkRoutes(ctx, device.UnitID, device.NetworkID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(deviceTargets)+len(networkTargets))
	out := make([]cache.RouteTarget, 0, len(deviceTargets)+len(networkTargets))
	for _, t := range append(append([]cache.RouteTarget{}, deviceTargets...), networkTargets...) {
		if _, ok := seen[t.ApplicationID]; ok {
			continue
		}
		seen[t.ApplicationID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (h *Handler) deviceRoutes(ctx context.Context, deviceID string) ([]cache.RouteTarget, error) {
	if targets, err := h.cache.RoutesForDevice(ctx, deviceID); err == nil {
		return targets, nil
	}
	routes, _, err := h.store.DeviceRoutes().List(ctx, model.ListOptions{Cond: model.Cond{"device_id": deviceID}})
	if err != nil {
		return nil, err
	}
	appIDs := make([]string, len(routes))
	for i, r := range routes {
		appIDs[i] = r.ApplicationID
	}
	targets, err := applicationTargets(ctx, h.store, appIDs)
	if err != nil {
		return nil, err
	}
	h.cache.PutRoutesForDevice(ctx, deviceID, targets)
	return targets, nil
}

func (h *Handler) networkRoutes(ctx context.Context, unitID, networkID string) ([]cache.RouteTarget, error) {
	if targets, err := h.cache.RoutesForNetwork(ctx, unitID, networkID); err == nil {
		return targets, nil
	}
	routes, _, err := h.store.NetworkRoutes().List(ctx, model.ListOptions{Cond: model.Cond{"network_id": networkID, "unit_id": unitID}})
	if err != nil {
		return nil, err
	}
	appIDs := make([]string, len(routes))
	for i, r := range routes {
		appIDs[i] = r.ApplicationID
	}
	targets, err := applicationTargets(ctx, h.store, appIDs)
	if err != nil {
		return nil, err
	}
	h.cache.PutRoutesForNetwork(ctx, unitID, networkID, targets)
	return targets, nil
}

// applicationTargets resolves application ids into the cache's
// RouteTarget shape, joining through Unit to get the unit code. A
// per-target lookup failure is logged and the target skipped rather than
// failing the whole fan-out (§7 "fan-out is best-effort across multiple
// targets").
func applicationTargets(ctx context.Context, store model.Store, appIDs []string) ([]cache.RouteTarget, error) {
	out := make([]cache.RouteTarget, 0, len(appIDs))
	for _, id := range appIDs {
		app, err := store.Applications().Get(ctx, model.Cond{"id": id})
		if err != nil {
			logger.L().Warn("application referenced by route not found", "application_id", id, "error", err)
			continue
		}
		unitCode := ""
		if app.UnitID != "" {
			if unit, err := store.Units().Get(ctx, model.Cond{"id": app.UnitID}); err == nil {
				unitCode = unit.Code
			}
		}
		out = append(out, cache.RouteTarget{
			ApplicationID:   app.ID,
			ApplicationCode: app.Code,
			UnitCode:        unitCode,
		})
	}
	return out, nil
}

func (h *Handler) emitNetworkUlData(ctx context.Context, dataID, proc, unitCode, networkCode string, in envelope.NetworkUlDataIn, unitID, deviceID *string) {
	out := envelope.NetworkUlData{
		DataID:      dataID,
		Proc:        proc,
		UnitCode:    unitCode,
		NetworkCode: networkCode,
		NetworkAddr: in.NetworkAddr,
		UnitID:      unitID,
		DeviceID:    deviceID,
		Time:        in.Time,
		Data:        in.Data,
		Extension:   in.Extension,
	}
	h.data.Send(ctx, envelope.KindNetworkUlData, out)
}
