// Package downlink implements the application→network routing path
// (§4.6): resolve the addressed device, persist a DlData Buffer entry,
// fan out to the owning network, and correlate the eventual network
// result back to the originating application.
package downlink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/datachannel"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/pkg/ids"
	"github.com/sylvia-iot/broker-go/pkg/logger"
)

// Result status codes (§4.6, §8).
const (
	StatusSuccess       = 0
	StatusExpired       = -1
	StatusBadAddressing = -2
)

// Handler resolves, buffers, and correlates one application-side downlink.
type Handler struct {
	store model.Store
	cache *cache.Lookup
	state *routing.State
	data  *datachannel.Channel
}

func New(store model.Store, lookup *cache.Lookup, state *routing.State, data *datachannel.Channel) *Handler {
	return &Handler{store: store, cache: lookup, state: state, data: data}
}

// HandleApplicationDlData is registered as routing.PayloadHandler for every
// ApplicationMgr's dldata consumer (§4.6 steps 1-6).
func (h *Handler) HandleApplicationDlData(ctx context.Context, unitCode, appCode string, payload []byte) error {
	var in envelope.ApplicationDlDataIn
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.L().Warn("discarding malformed dldata message", "unit", unitCode, "app", appCode, "error", err)
		return nil
	}

	app, unit, err := h.resolveApplication(ctx, unitCode, appCode)
	if err != nil {
		logger.L().Error("application not found for dldata", "unit", unitCode, "app", appCode, "error", err)
		return nil
	}

	// Step 1: exactly one of device_id or (network_code, network_addr).
	hasDeviceID := in.DeviceID != ""
	hasAddr := in.NetworkCode != "" && in.NetworkAddr != ""
	if hasDeviceID == hasAddr {
		h.replyNegative(ctx, app, in.CorrelationID, StatusBadAddressing)
		return nil
	}

	device, network, err := h.resolveTarget(ctx, unit, in)
	if err != nil {
		h.replyNegative(ctx, app, in.CorrelationID, StatusBadAddressing)
		return nil
	}

	dataID := ids.NewDataID()
	proc := time.Now()
	ttl := unitTTLSeconds(unit)
	expiresAt := proc.Add(time.Duration(ttl) * time.Second)

	buf := &model.DlDataBuffer{
		DataID:          dataID,
		UnitID:          app.UnitID,
		UnitCode:        unitCode,
		ApplicationID:   app.ID,
		ApplicationCode: appCode,
		NetworkID:       network.ID,
		NetworkAddress:  device.NetworkAddress,
		DeviceID:        device.ID,
		CorrelationID:   in.CorrelationID,
		CreatedAt:       proc,
		ExpiresAt:       expiresAt,
	}
	if err := h.store.DlDataBuffers().Add(ctx, buf); err != nil {
		logger.L().Error("failed to persist downlink buffer", "data_id", dataID, "error", err)
		h.replyNegative(ctx, app, in.CorrelationID, StatusBadAddressing)
		return nil
	}

	h.data.Send(ctx, envelope.KindApplicationDlData, envelope.ApplicationDlData{
		DataID:      dataID,
		Proc:        ids.TimeString(proc),
		Status:      StatusSuccess,
		UnitID:      app.UnitID,
		DeviceID:    device.ID,
		NetworkCode: in.NetworkCode,
		NetworkAddr: device.NetworkAddress,
		Profile:     device.Profile,
		Data:        in.Data,
		Extension:   in.Extension,
	})

	respPayload, err := json.Marshal(envelope.ApplicationDlDataResp{
		DataID:        dataID,
		CorrelationID: in.CorrelationID,
		RespTime:      ids.TimeString(proc),
		Status:        StatusSuccess,
	})
	if err != nil {
		logger.L().Error("failed to marshal dldata-resp", "data_id", dataID, "error", err)
	} else if mgr, ok := h.state.Application(unitCode, appCode); ok {
		if err := mgr.SendDlDataResp(ctx, respPayload); err != nil {
			logger.L().Error("dldata-resp delivery failed", "data_id", dataID, "error", err)
		}
	}

	h.fanOutToNetwork(ctx, unitCode, network, device, in, dataID, proc, ttl)
	return nil
}

func (h *Handler) fanOutToNetwork(ctx context.Context, unitCode string, network *model.Network, device *model.Device, in envelope.ApplicationDlDataIn, dataID string, proc time.Time, ttl int64) {
	pub := ids.TimeString(time.Now())
	out := envelope.NetworkDlDataOut{
		DataID:      dataID,
		PubTime:     pub,
		ExpiresIn:   ttl,
		NetworkAddr: device.NetworkAddress,
		Data:        in.Data,
		Extension:   in.Extension,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		logger.L().Error("failed to marshal network dldata", "data_id", dataID, "error", err)
		return
	}
	netUnitCode := unitCode
	if network.UnitID == "" {
		netUnitCode = ""
	}
	mgr, ok := h.state.Network(netUnitCode, network.Code)
	if !ok {
		logger.L().Warn("no live manager for downlink network target", "network", network.Code, "data_id", dataID)
		return
	}
	if err := mgr.SendDlData(ctx, payload); err != nil {
		logger.L().Error("downlink network fan-out failed", "data_id", dataID, "error", err)
		return
	}

	h.data.Send(ctx, envelope.KindNetworkDlData, envelope.NetworkDlData{
		DataID:      dataID,
		Pub:         pub,
		UnitCode:    netUnitCode,
		NetworkCode: network.Code,
		NetworkAddr: device.NetworkAddress,
		UnitID:      device.UnitID,
		DeviceID:    device.ID,
		Data:        in.Data,
		Extension:   in.Extension,
	})
}

// HandleNetworkDlDataResult is registered as routing.PayloadHandler for
// every NetworkMgr's dldata-result consumer (§4.6 result correlation).
func (h *Handler) HandleNetworkDlDataResult(ctx context.Context, unitCode, networkCode string, payload []byte) error {
	var in envelope.NetworkDlDataResultIn
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.L().Warn("discarding malformed dldata-result message", "unit", unitCode, "network", networkCode, "error", err)
		return nil
	}

	buf, err := h.store.DlDataBuffers().Get(ctx, model.Cond{"data_id": in.DataID})
	if err != nil {
		// Already swept or already correlated; a late/duplicate result is a
		// silent no-op (§4.6 step 1).
		return nil
	}

	h.correlate(ctx, buf, in.Status)
	return nil
}

// correlate handles a terminal or transient result arriving from the
// network: emits the outcome, then deletes the buffer unless the status is
// transient (§4.6 "Status codes").
func (h *Handler) correlate(ctx context.Context, buf *model.DlDataBuffer, status int) {
	h.emitCorrelation(ctx, buf, status)
	if status > 0 {
		// Transient: leave the buffer for a later terminal result or the
		// sweeper's eventual expiry.
		return
	}
	if err := h.store.DlDataBuffers().Delete(ctx, model.Cond{"data_id": buf.DataID}); err != nil {
		logger.L().Error("failed to delete downlink buffer after correlation", "data_id", buf.DataID, "error", err)
	}
}

// CorrelateExpired emits the synthetic expired result for a buffer row the
// sweeper has already deleted (§4.7): the row is gone, so only the
// emission half of correlate applies here.
func (h *Handler) CorrelateExpired(ctx context.Context, buf *model.DlDataBuffer) {
	h.emitCorrelation(ctx, buf, StatusExpired)
}

func (h *Handler) emitCorrelation(ctx context.Context, buf *model.DlDataBuffer, status int) {
	h.data.Send(ctx, envelope.KindNetworkDlDataResult, envelope.NetworkDlDataResult{
		DataID: buf.DataID,
		Status: status,
	})

	h.data.Send(ctx, envelope.KindApplicationDlDataResult, envelope.ApplicationDlDataResult{
		DataID: buf.DataID,
		Resp:   ids.Now(),
		Status: status,
	})

	h.publishApplicationResult(ctx, buf.UnitCode, buf.ApplicationCode, buf.DataID, buf.CorrelationID, status)
}

func (h *Handler) publishApplicationResult(ctx context.Context, unitCode, appCode, dataID, correlationID string, status int) {
	payload, err := json.Marshal(envelope.ApplicationDlDataResultOut{
		CorrelationID: correlationID,
		DataID:        dataID,
		Status:        status,
	})
	if err != nil {
		logger.L().Error("failed to marshal dldata-result", "data_id", dataID, "error", err)
		return
	}
	mgr, ok := h.state.Application(unitCode, appCode)
	if !ok {
		logger.L().Warn("no live manager for dldata-result delivery", "unit", unitCode, "app", appCode, "data_id", dataID)
		return
	}
	if err := mgr.SendDlDataResult(ctx, payload); err != nil {
		logger.L().Error("dldata-result delivery failed", "data_id", dataID, "error", err)
	}
}

func (h *Handler) replyNegative(ctx context.Context, app *model.Application, correlationID string, status int) {
	unitCode := ""
	if app != nil {
		if unit, err := h.store.Units().Get(ctx, model.Cond{"id": app.UnitID}); err == nil {
			unitCode = unit.Code
		}
	}
	appCode := ""
	if app != nil {
		appCode = app.Code
	}
	payload, err := json.Marshal(envelope.ApplicationDlDataResultOut{
		CorrelationID: correlationID,
		Status:        status,
	})
	if err != nil {
		logger.L().Error("failed to marshal negative dldata-result", "error", err)
		return
	}
	mgr, ok := h.state.Application(unitCode, appCode)
	if !ok {
		return
	}
	if err := mgr.SendDlDataResult(ctx, payload); err != nil {
		logger.L().Error("negative dldata-result delivery failed", "error", err)
	}
}

func (h *Handler) resolveApplication(ctx context.Context, unitCode, appCode string) (*model.Application, *model.Unit, error) {
	unit, err := h.store.Units().Get(ctx, model.Cond{"code": unitCode})
	if err != nil {
		return nil, nil, err
	}
	app, err := h.store.Applications().Get(ctx, model.Cond{"code": appCode, "unit_id": unit.ID})
	if err != nil {
		return nil, nil, err
	}
	return app, unit, nil
}

// resolveTarget resolves the downlink target device either by id or by
// (network_code, network_addr), and verifies the owning unit matches the
// requesting application's unit unless the device sits on a public
// network (§4.6 step 2).
func (h *Handler) resolveTarget(ctx context.Context, unit *model.Unit, in envelope.ApplicationDlDataIn) (*model.Device, *model.Network, error) {
	var device *model.Device
	var err error
	if in.DeviceID != "" {
		device, err = h.deviceByID(ctx, in.DeviceID)
	} else {
		device, err = h.deviceByAddr(ctx, unit.ID, in.NetworkCode, in.NetworkAddr)
	}
	if err != nil {
		return nil, nil, err
	}

	network, err := h.store.Networks().Get(ctx, model.Cond{"id": device.NetworkID})
	if err != nil {
		return nil, nil, err
	}
	if network.UnitID != "" && network.UnitID != unit.ID {
		return nil, nil, fmt.Errorf("device unit %q does not match application unit %q", network.UnitID, unit.ID)
	}
	return device, network, nil
}

func (h *Handler) deviceByID(ctx context.Context, deviceID string) (*model.Device, error) {
	if d, err := h.cache.DeviceByID(ctx, deviceID); err == nil {
		return d, nil
	}
	d, err := h.store.Devices().Get(ctx, model.Cond{"id": deviceID})
	if err != nil {
		return nil, err
	}
	h.cache.PutDeviceByID(ctx, d)
	return d, nil
}

// resolveNetworkByCode resolves a network by its code scoped to the
// requesting unit first (private network codes are unique only within a
// unit, §3 invariant 1), falling back to the public network of the same
// code if no private one matches (§4.6 step 2, mirroring uplink's
// resolveNetwork unit-scoped lookup).
func (h *Handler) resolveNetworkByCode(ctx context.Context, unitID, networkCode string) (*model.Network, error) {
	if network, err := h.store.Networks().Get(ctx, model.Cond{"code": networkCode, "unit_id": unitID}); err == nil {
		return network, nil
	}
	return h.store.Networks().Get(ctx, model.Cond{"code": networkCode, "unit_id": ""})
}

func (h *Handler) deviceByAddr(ctx context.Context, unitID, networkCode, networkAddr string) (*model.Device, error) {
	network, err := h.resolveNetworkByCode(ctx, unitID, networkCode)
	if err != nil {
		return nil, err
	}
	if d, err := h.cache.DeviceByAddr(ctx, unitID, network.ID, networkAddr); err == nil {
		return d, nil
	}
	d, err := h.store.Devices().Get(ctx, model.Cond{"network_id": network.ID, "network_address": networkAddr})
	if err != nil {
		return nil, err
	}
	h.cache.PutDeviceByAddr(ctx, unitID, network.ID, networkAddr, d)
	h.cache.PutDeviceByID(ctx, d)
	return d, nil
}

func unitTTLSeconds(unit *model.Unit) int64 {
	if unit != nil && unit.TTLSeconds > 0 {
		return unit.TTLSeconds
	}
	return model.DefaultUnitTTLSeconds
}
