// Package model is the Model Contract the routing core consumes: a
// get/add/update/delete/count/list surface for each entity, with
// list-pagination left opaque to the caller. This package defines the
// entities, the contract, and the shared invariants; concrete storage
// lives in the sqlite (embedded) and postgres (server-backed) subpackages.
package model

import (
	"context"
	"time"
)

// Cond is a flat equality condition, e.g. Cond{"code": "manager", "unit_id": "u1"}.
// Every concrete backend translates it into its own query mechanism.
type Cond map[string]interface{}

// Sort is one (key, ascending) pair in a list's sort order.
type Sort struct {
	Key string
	Asc bool
}

// ListOptions is the generic list request shape named in the external
// interface contract.
type ListOptions struct {
	Cond      Cond
	Offset    int
	Limit     int
	Sort      []Sort
	CursorMax int
}

// Repo is the CRUD surface every entity exposes to the routing core.
// List returns items plus an opaque cursor; an empty cursor means there
// is no further page.
type Repo[T any] interface {
	Get(ctx context.Context, cond Cond) (*T, error)
	Add(ctx context.Context, record *T) error
	Update(ctx context.Context, cond Cond, patch Cond) error
	Delete(ctx context.Context, cond Cond) error
	Count(ctx context.Context, cond Cond) (int64, error)
	List(ctx context.Context, opts ListOptions) ([]*T, string, error)
}

// Unit isolates a tenant: it owns applications, networks, and devices.
type Unit struct {
	ID         string `gorm:"primaryKey"`
	Code       string `gorm:"uniqueIndex"`
	OwnerID    string
	Members    []string `gorm:"serializer:json"`
	Name       string
	Info       map[string]interface{} `gorm:"serializer:json"`
	TTLSeconds int64                  // default 86400, per-unit downlink TTL override
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Application is a consumer endpoint a unit routes uplink data to.
type Application struct {
	ID         string `gorm:"primaryKey"`
	Code       string `gorm:"uniqueIndex:idx_app_unit_code"`
	UnitID     string `gorm:"uniqueIndex:idx_app_unit_code"`
	HostURI    string
	Name       string
	Info       map[string]interface{} `gorm:"serializer:json"`
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Network is a transport endpoint devices connect through. UnitID is
// empty for a public network.
type Network struct {
	ID         string `gorm:"primaryKey"`
	Code       string `gorm:"index:idx_net_unit_code"`
	UnitID     string `gorm:"index:idx_net_unit_code"` // empty => public network
	HostURI    string
	Name       string
	Info       map[string]interface{} `gorm:"serializer:json"`
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Device sits on a Network at a NetworkAddress. On a public network the
// address is disambiguated per-unit by a DeviceRoute.
type Device struct {
	ID             string `gorm:"primaryKey"`
	UnitID         string `gorm:"index:idx_device_network_addr"`
	NetworkID      string `gorm:"index:idx_device_network_addr"`
	NetworkAddress string `gorm:"index:idx_device_network_addr"`
	Profile        string
	Name           string
	Info           map[string]interface{} `gorm:"serializer:json"`
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// DeviceRoute is the fan-out edge device -> application. Network and Unit
// are derived from Device at creation time and kept in sync by the
// routing core, never written independently.
type DeviceRoute struct {
	ID            string `gorm:"primaryKey"`
	DeviceID      string `gorm:"index"`
	ApplicationID string `gorm:"index"`
	NetworkID     string
	UnitID        string `gorm:"index"`
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// NetworkRoute is the fan-out edge network -> application (an
// entire-network subscription used when no device route matches).
type NetworkRoute struct {
	ID            string `gorm:"primaryKey"`
	NetworkID     string `gorm:"index"`
	ApplicationID string `gorm:"index"`
	UnitID        string `gorm:"index"`
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// DlDataBuffer is an in-flight downlink awaiting a network result.
// CorrelationID is not part of the spec's literal attribute list but must
// be retained somewhere to echo the application-chosen correlation id back
// on the eventual dldata-result (§4.6, GLOSSARY "Correlation id"); the
// buffer record is the only stateful place that survives from ingress to
// correlation, so it is stored here rather than introducing a second table.
type DlDataBuffer struct {
	DataID          string `gorm:"primaryKey"`
	UnitID          string
	UnitCode        string
	ApplicationID   string
	ApplicationCode string
	NetworkID       string
	NetworkAddress  string
	DeviceID        string
	CorrelationID   string
	CreatedAt       time.Time
	ExpiresAt       time.Time `gorm:"index"`
}

// Store is the aggregate Model Contract surface the routing core depends
// on: one Repo per entity plus lifecycle close.
type Store interface {
	Units() Repo[Unit]
	Applications() Repo[Application]
	Networks() Repo[Network]
	Devices() Repo[Device]
	DeviceRoutes() Repo[DeviceRoute]
	NetworkRoutes() Repo[NetworkRoute]
	DlDataBuffers() Repo[DlDataBuffer]
	Close() error
}

// DefaultUnitTTLSeconds is the downlink buffer TTL used when a unit does
// not override it (§4.6 step 3).
const DefaultUnitTTLSeconds = 86400
