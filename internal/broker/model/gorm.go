package model

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// gormRepo is a generic Repo[T] over a GORM connection, shared by every
// concrete backend (sqlite, postgres) — the backends differ only in how
// they open *gorm.DB.
type gormRepo[T any] struct {
	db *gorm.DB
}

func newGormRepo[T any](db *gorm.DB) *gormRepo[T] {
	return &gormRepo[T]{db: db}
}

func (r *gormRepo[T]) Get(ctx context.Context, cond Cond) (*T, error) {
	var rec T
	q := r.db.WithContext(ctx)
	if len(cond) > 0 {
		q = q.Where(map[string]interface{}(cond))
	}
	if err := q.First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("record not found", err)
		}
		return nil, apperrors.Wrap(err, "get failed")
	}
	return &rec, nil
}

func (r *gormRepo[T]) Add(ctx context.Context, record *T) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return apperrors.Wrap(err, "add failed")
	}
	return nil
}

func (r *gormRepo[T]) Update(ctx context.Context, cond Cond, patch Cond) error {
	var zero T
	q := r.db.WithContext(ctx).Model(&zero)
	if len(cond) > 0 {
		q = q.Where(map[string]interface{}(cond))
	}
	if err := q.Updates(map[string]interface{}(patch)).Error; err != nil {
		return apperrors.Wrap(err, "update failed")
	}
	return nil
}

func (r *gormRepo[T]) Delete(ctx context.Context, cond Cond) error {
	var zero T
	q := r.db.WithContext(ctx)
	if len(cond) > 0 {
		q = q.Where(map[string]interface{}(cond))
	}
	if err := q.Delete(&zero).Error; err != nil {
		return apperrors.Wrap(err, "delete failed")
	}
	return nil
}

func (r *gormRepo[T]) Count(ctx context.Context, cond Cond) (int64, error) {
	var zero T
	var count int64
	q := r.db.WithContext(ctx).Model(&zero)
	if len(cond) > 0 {
		q = q.Where(map[string]interface{}(cond))
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, apperrors.Wrap(err, "count failed")
	}
	return count, nil
}

// List applies opts and returns an opaque offset-encoded cursor; callers
// must treat it as opaque, but it round-trips safely into the next List's
// opts.Offset via DecodeCursor for convenience within this module.
func (r *gormRepo[T]) List(ctx context.Context, opts ListOptions) ([]*T, string, error) {
	var items []*T
	q := r.db.WithContext(ctx)
	if len(opts.Cond) > 0 {
		q = q.Where(map[string]interface{}(opts.Cond))
	}
	for _, s := range opts.Sort {
		dir := "ASC"
		if !s.Asc {
			dir = "DESC"
		}
		q = q.Order(fmt.Sprintf("%s %s", s.Key, dir))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if opts.CursorMax > 0 && limit > opts.CursorMax {
		limit = opts.CursorMax
	}
	// fetch one extra row to detect whether a next page exists.
	q = q.Offset(opts.Offset).Limit(limit + 1)

	if err := q.Find(&items).Error; err != nil {
		return nil, "", apperrors.Wrap(err, "list failed")
	}

	cursor := ""
	if len(items) > limit {
		items = items[:limit]
		cursor = EncodeCursor(opts.Offset + limit)
	}
	return items, cursor, nil
}

// EncodeCursor opaquely encodes the next offset.
func EncodeCursor(nextOffset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
}

// DecodeCursor recovers the offset encoded by EncodeCursor. Callers that
// receive a cursor from a prior List response pass the decoded value back
// as the next call's ListOptions.Offset.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperrors.InvalidArgument("invalid cursor", err)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, apperrors.InvalidArgument("invalid cursor", err)
	}
	return n, nil
}

// gormStore implements Store over a single *gorm.DB, AutoMigrating every
// entity on construction.
type gormStore struct {
	db *gorm.DB

	units         *gormRepo[Unit]
	applications  *gormRepo[Application]
	networks      *gormRepo[Network]
	devices       *gormRepo[Device]
	deviceRoutes  *gormRepo[DeviceRoute]
	networkRoutes *gormRepo[NetworkRoute]
	dlDataBuffers *gormRepo[DlDataBuffer]
}

// NewGormStore wraps an already-open *gorm.DB as a Store, migrating every
// entity's table. Used by both the sqlite and postgres backends.
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(
		&Unit{}, &Application{}, &Network{}, &Device{},
		&DeviceRoute{}, &NetworkRoute{}, &DlDataBuffer{},
	); err != nil {
		return nil, apperrors.Wrap(err, "failed to migrate schema")
	}

	return &gormStore{
		db:            db,
		units:         newGormRepo[Unit](db),
		applications:  newGormRepo[Application](db),
		networks:      newGormRepo[Network](db),
		devices:       newGormRepo[Device](db),
		deviceRoutes:  newGormRepo[DeviceRoute](db),
		networkRoutes: newGormRepo[NetworkRoute](db),
		dlDataBuffers: newGormRepo[DlDataBuffer](db),
	}, nil
}

func (s *gormStore) Units() Repo[Unit]                     { return s.units }
func (s *gormStore) Applications() Repo[Application]       { return s.applications }
func (s *gormStore) Networks() Repo[Network]               { return s.networks }
func (s *gormStore) Devices() Repo[Device]                 { return s.devices }
func (s *gormStore) DeviceRoutes() Repo[DeviceRoute]       { return s.deviceRoutes }
func (s *gormStore) NetworkRoutes() Repo[NetworkRoute]     { return s.networkRoutes }
func (s *gormStore) DlDataBuffers() Repo[DlDataBuffer]     { return s.dlDataBuffers }

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}
