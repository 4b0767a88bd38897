package main

import (
	"context"

	brokercache "github.com/sylvia-iot/broker-go/internal/broker/cache"
	"github.com/sylvia-iot/broker-go/internal/broker/controlbus"
	"github.com/sylvia-iot/broker-go/internal/broker/envelope"
	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/internal/broker/routing"
	"github.com/sylvia-iot/broker-go/pkg/logger"
)

// registerInvalidationHandlers wires every broker.ctrl.<scope> message to
// the routing-state and cache-purge effects described in §4.3. Handlers
// must be idempotent since invalidations may be redelivered or, for
// add/del-manager, target an already-(non-)existent manager.
func registerInvalidationHandlers(ctx context.Context, bus *controlbus.Bus, store model.Store, lookup *brokercache.Lookup, state *routing.State) {
	bus.Handle(envelope.ScopeUnit, func(ctx context.Context, msg envelope.CtrlMessage) error {
		switch msg.Operation {
		case envelope.CtrlAddManager:
			return hydrateUnitManagers(ctx, store, state, msg.New.UnitID)
		case envelope.CtrlDelManager:
			destroyUnitManagers(ctx, store, state, msg.New.UnitID)
		case envelope.CtrlDel:
			lookup.DelForUnit(ctx, msg.New.UnitID)
			destroyUnitManagers(ctx, store, state, msg.New.UnitID)
		}
		return nil
	})

	bus.Handle(envelope.ScopeApplication, func(ctx context.Context, msg envelope.CtrlMessage) error {
		switch msg.Operation {
		case envelope.CtrlAddManager:
			return createApplicationManager(ctx, store, state, msg.New.ApplicationID)
		case envelope.CtrlDelManager:
			destroyApplicationManager(ctx, store, state, msg.New.ApplicationID, msg.New.Code, msg.New.UnitID)
		case envelope.CtrlDel:
			lookup.DelForApplication(ctx, msg.New.ApplicationID)
			destroyApplicationManager(ctx, store, state, msg.New.ApplicationID, msg.New.Code, msg.New.UnitID)
		}
		return nil
	})

	bus.Handle(envelope.ScopeNetwork, func(ctx context.Context, msg envelope.CtrlMessage) error {
		switch msg.Operation {
		case envelope.CtrlAddManager:
			return createNetworkManager(ctx, store, state, msg.New.NetworkID)
		case envelope.CtrlDelManager:
			destroyNetworkManager(ctx, store, state, msg.New.NetworkID, msg.New.Code, msg.New.UnitID)
		case envelope.CtrlDel:
			lookup.DelForNetwork(ctx, msg.New.NetworkID)
			destroyNetworkManager(ctx, store, state, msg.New.NetworkID, msg.New.Code, msg.New.UnitID)
		}
		return nil
	})

	bus.Handle(envelope.ScopeDevice, func(ctx context.Context, msg envelope.CtrlMessage) error {
		if msg.Operation == envelope.CtrlDel {
			lookup.DelForDevice(ctx, msg.New.DeviceID)
		}
		return nil
	})

	bus.Handle(envelope.ScopeDeviceRoute, func(ctx context.Context, msg envelope.CtrlMessage) error {
		lookup.DelForDevice(ctx, msg.New.DeviceID)
		lookup.DelForApplication(ctx, msg.New.ApplicationID)
		return nil
	})

	bus.Handle(envelope.ScopeNetworkRoute, func(ctx context.Context, msg envelope.CtrlMessage) error {
		lookup.DelForNetwork(ctx, msg.New.NetworkID)
		lookup.DelForApplication(ctx, msg.New.ApplicationID)
		return nil
	})
}

func hydrateUnitManagers(ctx context.Context, store model.Store, state *routing.State, unitID string) error {
	apps, _, err := store.Applications().List(ctx, model.ListOptions{Cond: model.Cond{"unit_id": unitID}})
	if err != nil {
		return err
	}
	for _, app := range apps {
		if _, err := state.CreateApplicationManager(ctx, unitCodeOf(ctx, store, app.UnitID), app.Code, app.HostURI); err != nil {
			logger.L().Error("failed to create application manager from unit hydrate", "application_id", app.ID, "error", err)
		}
	}
	networks, _, err := store.Networks().List(ctx, model.ListOptions{Cond: model.Cond{"unit_id": unitID}})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if _, err := state.CreateNetworkManager(ctx, unitCodeOf(ctx, store, n.UnitID), n.Code, n.HostURI); err != nil {
			logger.L().Error("failed to create network manager from unit hydrate", "network_id", n.ID, "error", err)
		}
	}
	return nil
}

func destroyUnitManagers(ctx context.Context, store model.Store, state *routing.State, unitID string) {
	apps, _, err := store.Applications().List(ctx, model.ListOptions{Cond: model.Cond{"unit_id": unitID}})
	if err == nil {
		for _, app := range apps {
			state.DestroyApplicationManager(unitCodeOf(ctx, store, app.UnitID), app.Code)
		}
	}
	networks, _, err := store.Networks().List(ctx, model.ListOptions{Cond: model.Cond{"unit_id": unitID}})
	if err == nil {
		for _, n := range networks {
			state.DestroyNetworkManager(unitCodeOf(ctx, store, n.UnitID), n.Code)
		}
	}
}

func createApplicationManager(ctx context.Context, store model.Store, state *routing.State, applicationID string) error {
	app, err := store.Applications().Get(ctx, model.Cond{"id": applicationID})
	if err != nil {
		return err
	}
	_, err = state.CreateApplicationManager(ctx, unitCodeOf(ctx, store, app.UnitID), app.Code, app.HostURI)
	return err
}

func destroyApplicationManager(ctx context.Context, store model.Store, state *routing.State, applicationID, code, unitID string) {
	unitCode := unitCodeOf(ctx, store, unitID)
	if code == "" {
		if app, err := store.Applications().Get(ctx, model.Cond{"id": applicationID}); err == nil {
			code = app.Code
			unitCode = unitCodeOf(ctx, store, app.UnitID)
		}
	}
	state.DestroyApplicationManager(unitCode, code)
}

func createNetworkManager(ctx context.Context, store model.Store, state *routing.State, networkID string) error {
	n, err := store.Networks().Get(ctx, model.Cond{"id": networkID})
	if err != nil {
		return err
	}
	_, err = state.CreateNetworkManager(ctx, unitCodeOf(ctx, store, n.UnitID), n.Code, n.HostURI)
	return err
}

func destroyNetworkManager(ctx context.Context, store model.Store, state *routing.State, networkID, code, unitID string) {
	unitCode := unitCodeOf(ctx, store, unitID)
	if code == "" {
		if n, err := store.Networks().Get(ctx, model.Cond{"id": networkID}); err == nil {
			code = n.Code
			unitCode = unitCodeOf(ctx, store, n.UnitID)
		}
	}
	state.DestroyNetworkManager(unitCode, code)
}

// unitCodeOf resolves a unit id to its code; a public network's empty
// unitID maps to the empty unit-code segment routing.State keys on.
func unitCodeOf(ctx context.Context, store model.Store, unitID string) string {
	if unitID == "" {
		return ""
	}
	unit, err := store.Units().Get(ctx, model.Cond{"id": unitID})
	if err != nil {
		return ""
	}
	return unit.Code
}
