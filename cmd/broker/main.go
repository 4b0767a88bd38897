// Command broker runs the Sylvia-IoT-style routing core: the data-plane
// process that resolves uplink/downlink traffic between networks and
// applications, serves the distributed cache's invalidation protocol, and
// sweeps expired downlink buffer entries. The admin HTTP API, CLI, and
// concrete broker-management REST clients are out of this repository's
// scope (§1); this binary is the routing engine alone.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	brokercache "github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/controlbus"
	"github.com/sylvia-iot/broker-go/internal/broker/datachannel"
	"github.com/sylvia-iot/broker-go/internal/broker/downlink"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/internal/broker/model/postgres"
	"github.com/sylvia-iot/broker-go/internal/broker/model/sqlite"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/internal/broker/sweeper"
	"github.com/sylvia-iot/broker-go/internal/broker/uplink"
	"github.com/sylvia-iot/broker-go/pkg/cache"
	cacheMemory "github.com/sylvia-iot/broker-go/pkg/cache/adapters/memory"
	cacheRedis "github.com/sylvia-iot/broker-go/pkg/cache/adapters/redis"
	"github.com/sylvia-iot/broker-go/pkg/concurrency"
	"github.com/sylvia-iot/broker-go/pkg/config"
	apperrors "github.com/sylvia-iot/broker-go/pkg/errors"
	"github.com/sylvia-iot/broker-go/pkg/logger"
	"github.com/sylvia-iot/broker-go/pkg/telemetry"
)

func main() {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	logger.Init(cfg.Logger)

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		logger.L().Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		logger.L().Error("failed to open model store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	backend, err := openCache(cfg)
	if err != nil {
		logger.L().Error("failed to open cache backend", "error", err)
		os.Exit(1)
	}
	lookup := brokercache.New(backend)

	dial := dialer()

	ctrlConn, err := dial(cfg.ControlBusURI)
	if err != nil {
		logger.L().Error("failed to dial control bus", "error", err)
		os.Exit(1)
	}
	bus := controlbus.New(ctrlConn, cfg.NodeID)

	dataConn, err := dial(cfg.DataChannelURI)
	if err != nil {
		logger.L().Error("failed to dial data channel", "error", err)
		os.Exit(1)
	}
	dataChannel, err := datachannel.New(ctx, dataConn, cfg.DataChannelSize)
	if err != nil {
		logger.L().Error("failed to open data channel", "error", err)
		os.Exit(1)
	}
	defer dataChannel.Close()

	// Routing state's handlers close over these two pointers, which are
	// filled in once the handlers themselves exist — both sides depend on
	// routing.State's queue lifecycle, so construction is two-phase.
	var upHandler *uplink.Handler
	var dlHandler *downlink.Handler

	state := routing.New(routing.Config{
		Dial:   dial,
		Linger: cfg.ConnLinger,
		OnNetworkUlData: func(ctx context.Context, unitCode, code string, payload []byte) error {
			return upHandler.Handle(ctx, unitCode, code, payload)
		},
		OnApplicationDlData: func(ctx context.Context, unitCode, code string, payload []byte) error {
			return dlHandler.HandleApplicationDlData(ctx, unitCode, code, payload)
		},
		OnNetworkDlDataResult: func(ctx context.Context, unitCode, code string, payload []byte) error {
			return dlHandler.HandleNetworkDlDataResult(ctx, unitCode, code, payload)
		},
	})

	upHandler = uplink.New(store, lookup, state, dataChannel)
	dlHandler = downlink.New(store, lookup, state, dataChannel)

	registerInvalidationHandlers(ctx, bus, store, lookup, state)
	if err := bus.Start(ctx,
		envelope.ScopeUnit, envelope.ScopeApplication, envelope.ScopeNetwork,
		envelope.ScopeDevice, envelope.ScopeDeviceRoute, envelope.ScopeNetworkRoute,
	); err != nil {
		logger.L().Error("failed to start control bus", "error", err)
		os.Exit(1)
	}

	if err := hydrateAllManagers(ctx, store, state, cfg.StartupConcurrency); err != nil {
		logger.L().Error("failed to hydrate managers at startup", "error", err)
		os.Exit(1)
	}

	sweep := sweeper.New(store, dlHandler, cfg.SweepPeriod)
	go sweep.Run(ctx)

	logger.L().Info("broker routing core started", "node_id", cfg.NodeID)
	<-ctx.Done()
	logger.L().Info("shutting down", "drain", cfg.ShutdownDrain)

	// In-flight handlers were started against ctx and are already unwinding
	// by the time Shutdown tears down queues. The process waits the full
	// cfg.ShutdownDrain here, without tracking whether those handlers have
	// finished, and then tears down every manager's queues.
	time.Sleep(cfg.ShutdownDrain)
	state.Shutdown()
}

func openStore(cfg Config) (model.Store, error) {
	switch cfg.ModelDriver {
	case "postgres":
		return postgres.New(cfg.Postgres)
	case "sqlite", "":
		return sqlite.New(cfg.Sqlite)
	default:
		return nil, apperrors.InvalidArgument("unsupported model driver: "+cfg.ModelDriver, nil)
	}
}

func openCache(cfg Config) (cache.Cache, error) {
	switch cfg.CacheDriver {
	case "redis":
		backend, err := cacheRedis.New(cfg.Cache)
		if err != nil {
			return nil, err
		}
		return cache.NewInstrumentedCache(backend), nil
	case "memory", "":
		return cacheMemory.New(), nil
	default:
		return nil, apperrors.InvalidArgument("unsupported cache driver: "+cfg.CacheDriver, nil)
	}
}

// hydrateAllManagers creates every application's and network's manager at
// process startup, the other trigger named alongside add-manager
// invalidations in §3's Lifecycles section ("Queue managers are created
// when their backing entity is seen (on startup or after an add-manager
// invalidation)"). Manager creation dials a broker connection per host URI,
// so a deployment with many tenants fans this out through a bounded worker
// pool rather than one goroutine per entity.
func hydrateAllManagers(ctx context.Context, store model.Store, state *routing.State, concurrencyLimit int) error {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	apps, _, err := store.Applications().List(ctx, model.ListOptions{})
	if err != nil {
		return err
	}
	networks, _, err := store.Networks().List(ctx, model.ListOptions{})
	if err != nil {
		return err
	}

	pool := concurrency.NewWorkerPool(concurrencyLimit, len(apps)+len(networks))
	pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(len(apps) + len(networks))
	for _, app := range apps {
		app := app
		pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			if err := createApplicationManager(ctx, store, state, app.ID); err != nil {
				logger.L().Error("failed to create application manager at startup", "application_id", app.ID, "error", err)
			}
		})
	}
	for _, n := range networks {
		n := n
		pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			if err := createNetworkManager(ctx, store, state, n.ID); err != nil {
				logger.L().Error("failed to create network manager at startup", "network_id", n.ID, "error", err)
			}
		})
	}
	wg.Wait()
	pool.Stop()
	return nil
}
