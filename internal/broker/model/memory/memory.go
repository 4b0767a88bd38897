// Package memory is an in-process model.Store used by routing-core tests,
// standing in for the two production backends (sqlite, postgres) so the
// core's own tests never depend on a database driver.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// Store is a map-backed model.Store.
type Store struct {
	units         *table[model.Unit]
	applications  *table[model.Application]
	networks      *table[model.Network]
	devices       *table[model.Device]
	deviceRoutes  *table[model.DeviceRoute]
	networkRoutes *table[model.NetworkRoute]
	dlDataBuffers *table[model.DlDataBuffer]
}

func New() *Store {
	return &Store{
		units:         newTable[model.Unit](func(u *model.Unit) string { return u.ID }),
		applications:  newTable[model.Application](func(a *model.Application) string { return a.ID }),
		networks:      newTable[model.Network](func(n *model.Network) string { return n.ID }),
		devices:       newTable[model.Device](func(d *model.Device) string { return d.ID }),
		deviceRoutes:  newTable[model.DeviceRoute](func(r *model.DeviceRoute) string { return r.ID }),
		networkRoutes: newTable[model.NetworkRoute](func(r *model.NetworkRoute) string { return r.ID }),
		dlDataBuffers: newTable[model.DlDataBuffer](func(b *model.DlDataBuffer) string { return b.DataID }),
	}
}

func (s *Store) Units() model.Repo[model.Unit]                 { return s.units }
func (s *Store) Applications() model.Repo[model.Application]   { return s.applications }
func (s *Store) Networks() model.Repo[model.Network]           { return s.networks }
func (s *Store) Devices() model.Repo[model.Device]             { return s.devices }
func (s *Store) DeviceRoutes() model.Repo[model.DeviceRoute]   { return s.deviceRoutes }
func (s *Store) NetworkRoutes() model.Repo[model.NetworkRoute] { return s.networkRoutes }
func (s *Store) DlDataBuffers() model.Repo[model.DlDataBuffer] { return s.dlDataBuffers }
func (s *Store) Close() error                                 { return nil }

// table is a generic map-backed Repo[T], matching records against a Cond
// by reflection (matchAny): each snake_case Cond key addresses the
// exported field of the same name, e.g. "network_address" addresses
// NetworkAddress.
type table[T any] struct {
	mu      sync.RWMutex
	byID    map[string]*T
	idOf    func(*T) string
	matches func(*T, model.Cond) bool
}

func newTable[T any](idOf func(*T) string) *table[T] {
	return &table[T]{byID: make(map[string]*T), idOf: idOf, matches: func(rec *T, cond model.Cond) bool {
		return matchAny(rec, cond)
	}}
}

func (t *table[T]) Get(ctx context.Context, cond model.Cond) (*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.byID {
		if t.matches(rec, cond) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("record not found", nil)
}

func (t *table[T]) Add(ctx context.Context, record *T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.idOf(record)
	if _, exists := t.byID[id]; exists {
		return apperrors.AlreadyExists("record already exists", nil)
	}
	cp := *record
	t.byID[id] = &cp
	return nil
}

func (t *table[T]) Update(ctx context.Context, cond model.Cond, patch model.Cond) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.byID {
		if t.matches(rec, cond) {
			applyPatch(rec, patch)
		}
	}
	return nil
}

func (t *table[T]) Delete(ctx context.Context, cond model.Cond) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.byID {
		if t.matches(rec, cond) {
			delete(t.byID, id)
		}
	}
	return nil
}

func (t *table[T]) Count(ctx context.Context, cond model.Cond) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, rec := range t.byID {
		if t.matches(rec, cond) {
			n++
		}
	}
	return n, nil
}

// List always orders by id and ignores opts.Sort; unlike the gorm-backed
// stores this test double never needs caller-specified ordering, so
// callers must not rely on Sort being honored against this backend.
func (t *table[T]) List(ctx context.Context, opts model.ListOptions) ([]*T, string, error) {
	t.mu.RLock()
	var all []*T
	for _, rec := range t.byID {
		if t.matches(rec, opts.Cond) {
			cp := *rec
			all = append(all, &cp)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return t.idOf(all[i]) < t.idOf(all[j]) })

	limit := opts.Limit
	if limit <= 0 {
		limit = len(all)
	}
	offset := opts.Offset
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	cursor := ""
	if end < len(all) {
		cursor = model.EncodeCursor(end)
	}
	return all[offset:end], cursor, nil
}
