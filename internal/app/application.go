// Package app wires the payment-channel components together and manages
// their lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/paychan/internal/app/ledger"
	"github.com/R3E-Network/paychan/internal/app/plugin"
	"github.com/R3E-Network/paychan/internal/app/rpc"
	"github.com/R3E-Network/paychan/internal/app/settlement"
	"github.com/R3E-Network/paychan/internal/app/settlement/neo"
	"github.com/R3E-Network/paychan/internal/app/storage"
	"github.com/R3E-Network/paychan/internal/app/storage/memory"
	"github.com/R3E-Network/paychan/internal/app/system"
	"github.com/R3E-Network/paychan/internal/config"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Application ties the channel endpoint together: store, transfer log, RPC
// pair, settlement backend and engine.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Engine *plugin.Engine
	Server *rpc.Server
	Ledger *ledger.Log
}

// New builds a fully initialised application. A nil store defaults to the
// in-memory implementation.
func New(cfg *config.Config, store storage.Store, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if store == nil {
		store = memory.New()
	}

	factory := ledger.NewFactory(store, log)
	transferLog, err := factory.TransferLog(context.Background(), cfg.LogKey)
	if err != nil {
		return nil, fmt.Errorf("open transfer log: %w", err)
	}

	// The token source defers to the backend once it exists.
	var backend settlement.Backend
	token := func() string {
		if backend != nil {
			return backend.AuthToken()
		}
		return cfg.Token
	}

	client, err := rpc.NewClient(cfg.PeerURIs(), cfg.Prefix, token, log)
	if err != nil {
		return nil, err
	}
	server := rpc.NewServer(cfg.Listen, token, log)

	pctx := &settlement.Context{
		RPC:         client,
		Ledger:      factory,
		TransferLog: transferLog,
	}

	switch cfg.Backend.Type {
	case "":
	case "neo":
		var opts neo.Options
		if err := cfg.Backend.Options.Decode(&opts); err != nil {
			return nil, fmt.Errorf("decode neo backend options: %w", err)
		}
		if opts.Prefix == "" {
			opts.Prefix = cfg.Prefix
		}
		backend, err = neo.New(pctx, opts, log)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown settlement backend %q", cfg.Backend.Type)
	}

	var info json.RawMessage
	if cfg.Info != nil {
		raw, err := json.Marshal(cfg.Info)
		if err != nil {
			return nil, fmt.Errorf("encode info record: %w", err)
		}
		info = raw
	}

	engine, err := plugin.New(plugin.Config{
		Prefix:             cfg.Prefix,
		Token:              cfg.Token,
		Stateful:           cfg.Stateful,
		TolerateRPCFailure: cfg.TolerateRPCFailure,
		MaxBalance:         cfg.MaxBalance,
		MinBalance:         cfg.MinBalance,
		Info:               info,
	}, transferLog, client, server, backend, log)
	if err != nil {
		return nil, err
	}
	pctx.Plugin = engine

	manager := system.NewManager()
	if err := manager.Register(server); err != nil {
		return nil, err
	}
	if err := manager.Register(engine.Expiry()); err != nil {
		return nil, err
	}

	return &Application{
		manager: manager,
		log:     log,
		Engine:  engine,
		Server:  server,
		Ledger:  transferLog,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start brings the listener and scheduler up, then connects the engine.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	if err := a.Engine.Connect(ctx); err != nil {
		stopErr := a.manager.Stop(ctx)
		if stopErr != nil {
			a.log.WithError(stopErr).Warn("cleanup after failed connect")
		}
		return err
	}
	return nil
}

// Stop disconnects the engine (draining and settling) and stops services.
func (a *Application) Stop(ctx context.Context) error {
	if err := a.Engine.Disconnect(ctx); err != nil {
		a.log.WithError(err).Warn("engine disconnect failed")
	}
	return a.manager.Stop(ctx)
}
