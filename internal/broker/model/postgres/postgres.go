// Package postgres is the server-backed Model Contract backend named in
// the design notes ("server-backed store").
package postgres

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
)

// Config configures the postgres connection and pool.
type Config struct {
	Host     string `env:"MODEL_PG_HOST" env-default:"localhost"`
	Port     string `env:"MODEL_PG_PORT" env-default:"5432"`
	User     string `env:"MODEL_PG_USER" env-default:"broker"`
	Password string `env:"MODEL_PG_PASSWORD"`
	Name     string `env:"MODEL_PG_DATABASE" env-default:"broker"`
	SSLMode  string `env:"MODEL_PG_SSLMODE" env-default:"disable"`

	MaxIdleConns    int           `env:"MODEL_PG_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"MODEL_PG_MAX_OPEN_CONNS" env-default:"50"`
	ConnMaxLifetime time.Duration `env:"MODEL_PG_CONN_MAX_LIFETIME" env-default:"1h"`
}

// New connects to Postgres and returns a migrated model.Store.
func New(cfg Config) (model.Store, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to connect to postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get sql.DB")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return model.NewGormStore(db)
}
