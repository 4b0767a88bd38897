// Package sqlite is the embedded single-file Model Contract backend named
// in the design notes ("embedded single-file store").
package sqlite

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// Config configures the embedded sqlite store.
type Config struct {
	// Path is the database file path; empty defaults to "broker.db".
	Path string `env:"MODEL_SQLITE_PATH" env-default:"broker.db"`
}

// New opens (creating if absent) the sqlite file and returns a migrated
// model.Store.
func New(cfg Config) (model.Store, error) {
	path := cfg.Path
	if path == "" {
		path = "broker.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open sqlite database")
	}

	return model.NewGormStore(db)
}
