// Package envelope defines the wire shapes exchanged on the broker's queues
// and the archival data channel: the payloads nodes publish and receive,
// and the data-channel envelopes that mirror every routing stage.
package envelope

import "encoding/json"

// Kind tags a DataChannelEnvelope with which routing stage produced it.
type Kind string

const (
	KindApplicationUlData       Kind = "application-uldata"
	KindApplicationDlData       Kind = "application-dldata"
	KindApplicationDlDataResult Kind = "application-dldata-result"
	KindNetworkUlData           Kind = "network-uldata"
	KindNetworkDlData           Kind = "network-dldata"
	KindNetworkDlDataResult     Kind = "network-dldata-result"
)

// DataChannelEnvelope is the single shape published onto broker.data; Data
// holds one of the *Data structs below, chosen by Kind.
type DataChannelEnvelope struct {
	Kind Kind        `json:"kind"`
	Data interface{} `json:"data"`
}

// Marshal wraps a concrete data payload in a tagged DataChannelEnvelope.
func Marshal(kind Kind, data interface{}) ([]byte, error) {
	return json.Marshal(DataChannelEnvelope{Kind: kind, Data: data})
}

// NetworkUlDataIn is the inbound payload on broker.network.<unit>.<net>.uldata.
type NetworkUlDataIn struct {
	Time        string          `json:"time"`
	NetworkAddr string          `json:"network_addr"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// NetworkUlData is the network-uldata data-channel envelope payload,
// emitted once per uplink regardless of whether the device resolved.
type NetworkUlData struct {
	DataID      string          `json:"data_id"`
	Proc        string          `json:"proc"`
	UnitCode    string          `json:"unit_code"`
	NetworkCode string          `json:"network_code"`
	NetworkAddr string          `json:"network_addr"`
	UnitID      *string         `json:"unit_id"`
	DeviceID    *string         `json:"device_id"`
	Time        string          `json:"time"`
	Profile     string          `json:"profile"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// ApplicationUlDataOut is published on an application's uldata queue, and
// also emitted verbatim (with Pub stamped) onto the data channel as
// application-uldata — one per delivered application.
type ApplicationUlDataOut struct {
	DataID      string          `json:"data_id"`
	Proc        string          `json:"proc"`
	Pub         string          `json:"pub"`
	UnitCode    string          `json:"unit_code,omitempty"`
	NetworkCode string          `json:"network_code"`
	NetworkAddr string          `json:"network_addr"`
	UnitID      string          `json:"unit_id"`
	DeviceID    string          `json:"device_id"`
	Time        string          `json:"time"`
	Profile     string          `json:"profile"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// ApplicationDlDataIn is the inbound payload on
// broker.application.<unit>.<app>.dldata.
type ApplicationDlDataIn struct {
	CorrelationID string          `json:"correlation_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	NetworkCode   string          `json:"network_code,omitempty"`
	NetworkAddr   string          `json:"network_addr,omitempty"`
	Data          string          `json:"data"`
	Extension     json.RawMessage `json:"extension,omitempty"`
}

// ApplicationDlData is the application-dldata data-channel envelope.
type ApplicationDlData struct {
	DataID      string          `json:"data_id"`
	Proc        string          `json:"proc"`
	Status      int             `json:"status"`
	UnitID      string          `json:"unit_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	NetworkCode string          `json:"network_code,omitempty"`
	NetworkAddr string          `json:"network_addr,omitempty"`
	Profile     string          `json:"profile"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// ApplicationDlDataResp is published on the application's dldata-resp queue
// immediately after the buffer is persisted.
type ApplicationDlDataResp struct {
	DataID        string `json:"data_id"`
	CorrelationID string `json:"correlation_id"`
	RespTime      string `json:"resp_time"`
	Status        int    `json:"status"`
}

// ApplicationDlDataResultOut is published on the application's
// dldata-result queue, either from network correlation or from the
// sweeper's synthetic expiry.
type ApplicationDlDataResultOut struct {
	CorrelationID string `json:"correlation_id"`
	DataID        string `json:"data_id"`
	Status        int    `json:"status"`
}

// ApplicationDlDataResult is the application-dldata-result data-channel
// envelope.
type ApplicationDlDataResult struct {
	DataID string `json:"data_id"`
	Resp   string `json:"resp"`
	Status int    `json:"status"`
}

// NetworkDlDataOut is published on broker.network.<unit or "_">.<net>.dldata.
type NetworkDlDataOut struct {
	DataID      string          `json:"data_id"`
	PubTime     string          `json:"pub_time"`
	ExpiresIn   int64           `json:"expires_in"`
	NetworkAddr string          `json:"network_addr"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// NetworkDlData is the network-dldata data-channel envelope, emitted once
// per network delivery (§4.6 step 6, §4.8).
type NetworkDlData struct {
	DataID      string          `json:"data_id"`
	Pub         string          `json:"pub"`
	UnitCode    string          `json:"unit_code,omitempty"`
	NetworkCode string          `json:"network_code"`
	NetworkAddr string          `json:"network_addr"`
	UnitID      string          `json:"unit_id,omitempty"`
	DeviceID    string          `json:"device_id"`
	Data        string          `json:"data"`
	Extension   json.RawMessage `json:"extension,omitempty"`
}

// NetworkDlDataResultIn is the inbound payload on
// broker.network.<unit>.<net>.dldata-result.
type NetworkDlDataResultIn struct {
	DataID string `json:"data_id"`
	Status int    `json:"status"`
}

// NetworkDlDataResult is the network-dldata-result data-channel envelope.
type NetworkDlDataResult struct {
	DataID string `json:"data_id"`
	Status int    `json:"status"`
}

// CtrlOperation enumerates the invalidation-bus operation kinds.
type CtrlOperation string

const (
	CtrlAdd        CtrlOperation = "add"
	CtrlDel        CtrlOperation = "del"
	CtrlAddManager CtrlOperation = "add-manager"
	CtrlDelManager CtrlOperation = "del-manager"
)

// CtrlScope enumerates the entities an invalidation message describes.
type CtrlScope string

const (
	ScopeUnit         CtrlScope = "unit"
	ScopeApplication  CtrlScope = "application"
	ScopeNetwork      CtrlScope = "network"
	ScopeDevice       CtrlScope = "device"
	ScopeDeviceRoute  CtrlScope = "device-route"
	ScopeNetworkRoute CtrlScope = "network-route"
)

// CtrlEntityRef names the entity an invalidation targets; unset fields are
// left zero. Subscribers tolerate unknown fields in the wire encoding.
type CtrlEntityRef struct {
	UnitID        string `json:"unit_id,omitempty"`
	ApplicationID string `json:"app_id,omitempty"`
	NetworkID     string `json:"network_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	Code          string `json:"code,omitempty"`
}

// CtrlMessage is the invalidation bus payload published on broker.ctrl.<scope>.
type CtrlMessage struct {
	Operation CtrlOperation  `json:"operation"`
	New       CtrlEntityRef  `json:"new"`
	Old       *CtrlEntityRef `json:"old,omitempty"`
}
