package main

import (
	"time"

	"github.com/sylvia-iot/broker-go/internal/broker/model/postgres"
	"github.com/sylvia-iot/broker-go/internal/broker/model/sqlite"
	"github.com/sylvia-iot/broker-go/pkg/cache"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/telemetry"
)

// Config is the broker process's full environment-loaded configuration.
// Each queue manager's own host URI comes from its Application/Network
// record, not from here; this config covers only the node-wide
// collaborators (model backend, cache, control bus, data channel).
type Config struct {
	Logger    logger.Config
	Telemetry telemetry.Config

	NodeID string `env:"BROKER_NODE_ID" env-default:"broker-1"`

	ModelDriver string          `env:"MODEL_DRIVER" env-default:"sqlite"`
	Sqlite      sqlite.Config   `env-prefix:""`
	Postgres    postgres.Config `env-prefix:""`

	CacheDriver string      `env:"CACHE_DRIVER" env-default:"memory"`
	Cache       cache.Config `env-prefix:""`

	// ControlBusURI and DataChannelURI are the host URIs the node's
	// broker.ctrl.* and broker.data topics are opened on; both speak the
	// AMQP-like or MQTT-like scheme selected by Dial (§4.3, §4.8).
	ControlBusURI   string `env:"CONTROL_BUS_URI" env-required:"true"`
	DataChannelURI  string `env:"DATA_CHANNEL_URI" env-required:"true"`
	DataChannelSize int    `env:"DATA_CHANNEL_BUFFER" env-default:"1024"`

	ConnLinger time.Duration `env:"CONN_LINGER" env-default:"1s"`

	// StartupConcurrency bounds how many application/network managers are
	// dialed in parallel while hydrating routing state at process start
	// (§3 "Queue managers are created when their backing entity is seen
	// (on startup...)"); unbounded parallelism here would open every
	// tenant's broker connection at once on a large deployment.
	StartupConcurrency int `env:"STARTUP_CONCURRENCY" env-default:"8"`

	SweepPeriod time.Duration `env:"SWEEPER_PERIOD" env-default:"60s"`

	ShutdownDrain time.Duration `env:"SHUTDOWN_DRAIN" env-default:"5s"`
}
