// Package cache is the routing core's lookup-cache layer (§4.3): device
// resolution and fan-out route lookups, backed by pkg/cache.Cache, plus a
// scope-tagged reverse index so a control-bus invalidation can purge every
// cached entry touched by a given unit/application/network/device without
// the underlying cache needing an enumeration primitive of its own.
package cache

import (
	"context"
	"fmt"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/pkg/cache"
	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	"github.com/sylvia-iot/broker-go/pkg/datastructures/concurrentmap"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// Scope names a unit of invalidation, e.g. "unit:<id>" or "device:<id>".
// Every Set call tags the entry with the scopes that should evict it.
type Scope string

func unitScope(id string) Scope        { return Scope("unit:" + id) }
func applicationScope(id string) Scope { return Scope("application:" + id) }
func networkScope(id string) Scope     { return Scope("network:" + id) }
func deviceScope(id string) Scope      { return Scope("device:" + id) }

// RouteTarget names one fan-out destination: an application a device or
// network route points at.
type RouteTarget struct {
	ApplicationID   string
	ApplicationCode string
	UnitCode        string
}

// Lookup is the routing core's cache surface: device resolution by wire
// address, and the two route fan-out sets.
type Lookup struct {
	backend cache.Cache
	// reverse maps a Scope to the set of cache keys tagged with it, so
	// DelFor can enumerate and evict without the backend supporting
	// enumeration itself. Each scope's set is itself mutated in place
	// (get-modify-put), so tagMu serializes that read-modify-write across
	// concurrent populations of the same scope; concurrentmap.ShardedMap
	// only makes its own Get/Set atomic, not a caller's subsequent mutation
	// of the value it returned.
	reverse *concurrentmap.ShardedMap[string, map[string]struct{}]
	tagMu   *concurrency.SmartMutex
}

func New(backend cache.Cache) *Lookup {
	return &Lookup{
		backend: backend,
		reverse: concurrentmap.New[string, map[string]struct{}](32),
		tagMu:   concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "broker-cache-reverse-index"}),
	}
}

func (l *Lookup) tag(key string, scopes ...Scope) {
	l.tagMu.Lock()
	defer l.tagMu.Unlock()
	for _, s := range scopes {
		set, _ := l.reverse.Get(string(s))
		if set == nil {
			set = make(map[string]struct{})
		}
		set[key] = struct{}{}
		l.reverse.Set(string(s), set)
	}
}

// DeviceByAddr resolves a device by its wire-level address within a
// network, the hot-path lookup performed on every uplink message.
func (l *Lookup) DeviceByAddr(ctx context.Context, unitID, networkID, networkAddr string) (*model.Device, error) {
	key := deviceAddrKey(unitID, networkID, networkAddr)
	var d model.Device
	if err := l.backend.Get(ctx, key, &d); err == nil {
		return &d, nil
	}
	return nil, apperrors.NotFound("device not cached", nil)
}

func (l *Lookup) PutDeviceByAddr(ctx context.Context, unitID, networkID, networkAddr string, d *model.Device) {
	key := deviceAddrKey(unitID, networkID, networkAddr)
	if err := l.backend.Set(ctx, key, d, 0); err != nil {
		return
	}
	l.tag(key, unitScope(unitID), networkScope(networkID), deviceScope(d.ID))
}

// DeviceByID resolves a device by id, used by the downlink path.
func (l *Lookup) DeviceByID(ctx context.Context, deviceID string) (*model.Device, error) {
	key := deviceIDKey(deviceID)
	var d model.Device
	if err := l.backend.Get(ctx, key, &d); err == nil {
		return &d, nil
	}
	return nil, apperrors.NotFound("device not cached", nil)
}

func (l *Lookup) PutDeviceByID(ctx context.Context, d *model.Device) {
	key := deviceIDKey(d.ID)
	if err := l.backend.Set(ctx, key, d, 0); err != nil {
		return
	}
	l.tag(key, unitScope(d.UnitID), networkScope(d.NetworkID), deviceScope(d.ID))
}

// RoutesForDevice returns the cached fan-out targets for a device's device
// routes.
func (l *Lookup) RoutesForDevice(ctx context.Context, deviceID string) ([]RouteTarget, error) {
	key := deviceRoutesKey(deviceID)
	var targets []RouteTarget
	if err := l.backend.Get(ctx, key, &targets); err == nil {
		return targets, nil
	}
	return nil, apperrors.NotFound("device routes not cached", nil)
}

func (l *Lookup) PutRoutesForDevice(ctx context.Context, deviceID string, targets []RouteTarget) {
	key := deviceRoutesKey(deviceID)
	if err := l.backend.Set(ctx, key, targets, 0); err != nil {
		return
	}
	scopes := []Scope{deviceScope(deviceID)}
	for _, t := range targets {
		scopes = append(scopes, applicationScope(t.ApplicationID))
	}
	l.tag(key, scopes...)
}

// RoutesForNetwork returns the cached fan-out targets for a unit's
// whole-network subscriptions.
func (l *Lookup) RoutesForNetwork(ctx context.Context, unitID, networkID string) ([]RouteTarget, error) {
	key := networkRoutesKey(unitID, networkID)
	var targets []RouteTarget
	if err := l.backend.Get(ctx, key, &targets); err == nil {
		return targets, nil
	}
	return nil, apperrors.NotFound("network routes not cached", nil)
}

func (l *Lookup) PutRoutesForNetwork(ctx context.Context, unitID, networkID string, targets []RouteTarget) {
	key := networkRoutesKey(unitID, networkID)
	if err := l.backend.Set(ctx, key, targets, 0); err != nil {
		return
	}
	scopes := []Scope{unitScope(unitID), networkScope(networkID)}
	for _, t := range targets {
		scopes = append(scopes, applicationScope(t.ApplicationID))
	}
	l.tag(key, scopes...)
}

// DelForUnit, DelForApplication, DelForNetwork and DelForDevice purge every
// cache entry tagged with the given entity, per the invalidation rules in
// §4.3 ("purge all cached entries scoped to that unit/application/...").
func (l *Lookup) DelForUnit(ctx context.Context, unitID string)               { l.delFor(ctx, unitScope(unitID)) }
func (l *Lookup) DelForApplication(ctx context.Context, applicationID string) { l.delFor(ctx, applicationScope(applicationID)) }
func (l *Lookup) DelForNetwork(ctx context.Context, networkID string)        { l.delFor(ctx, networkScope(networkID)) }
func (l *Lookup) DelForDevice(ctx context.Context, deviceID string)          { l.delFor(ctx, deviceScope(deviceID)) }

func (l *Lookup) delFor(ctx context.Context, scope Scope) {
	l.tagMu.Lock()
	set, ok := l.reverse.Get(string(scope))
	if ok {
		l.reverse.Delete(string(scope))
	}
	l.tagMu.Unlock()
	if !ok {
		return
	}
	for key := range set {
		_ = l.backend.Delete(ctx, key)
	}
}

func deviceAddrKey(unitID, networkID, networkAddr string) string {
	return fmt.Sprintf("device:addr:%s:%s:%s", unitID, networkID, networkAddr)
}

func deviceIDKey(deviceID string) string {
	return fmt.Sprintf("device:id:%s", deviceID)
}

func deviceRoutesKey(deviceID string) string {
	return fmt.Sprintf("routes:device:%s", deviceID)
}

func networkRoutesKey(unitID, networkID string) string {
	return fmt.Sprintf("routes:network:%s:%s", unitID, networkID)
}
