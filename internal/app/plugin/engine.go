// Package plugin implements the bilateral payment-channel engine: the state
// machine that clears conditional transfers between two peers and
// coordinates settlement.
package plugin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/ledger"
	"github.com/R3E-Network/paychan/internal/app/metrics"
	"github.com/R3E-Network/paychan/internal/app/rpc"
	"github.com/R3E-Network/paychan/internal/app/settlement"
	"github.com/R3E-Network/paychan/internal/app/validate"
	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Connection states.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// Accounts fixed by the asymmetric mode. A stateful endpoint serves exactly
// one client.
const (
	accountServer = "server"
	accountClient = "client"
)

// Config holds the engine options recognized per the external contract.
type Config struct {
	// Prefix is the ILP address prefix shared by both endpoints. Required
	// in asymmetric mode; New does not check it when a backend is
	// configured, and the engine never asks the backend for a prefix.
	Prefix string

	// Token is the shared bearer secret for asymmetric mode. With a
	// backend configured the backend's AuthToken wins.
	Token string

	// Stateful marks the side that owns the log bounds in asymmetric
	// mode. With a backend configured the engine is always stateful.
	Stateful bool

	// TolerateRPCFailure keeps individual RPC failures from aborting
	// operations.
	TolerateRPCFailure bool

	// MaxBalance / MinBalance bound the stateful side's position.
	// Empty string means unbounded.
	MaxBalance string
	MinBalance string

	// Info is the opaque ledger-info record served to callers.
	Info json.RawMessage
}

// Engine orchestrates the transfer log, the RPC pair, the expiry scheduler
// and the settlement backend. All public operations require the connected
// state.
type Engine struct {
	cfg     Config
	log     *logger.Logger
	ledger  *ledger.Log
	client  *rpc.Client
	server  *rpc.Server
	backend settlement.Backend // nil in asymmetric mode
	events  *EventBus
	expiry  *ExpiryScheduler

	validator *validate.Validator

	mu       sync.Mutex
	state    connState
	peerInfo json.RawMessage // cached by the stateless side at connect

	handlerMu      sync.Mutex
	requestHandler func(ctx context.Context, msg transfer.Message) (transfer.Message, error)

	inflight sync.WaitGroup
}

// New assembles an engine. The server's method table is populated here; the
// caller starts the server and the returned engine's Connect afterwards.
func New(cfg Config, lg *ledger.Log, client *rpc.Client, server *rpc.Server, backend settlement.Backend, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewDefault("plugin")
	}
	if backend == nil && cfg.Prefix == "" {
		return nil, errors.InvalidFields("prefix is required without a settlement backend")
	}
	if backend == nil && cfg.Token == "" {
		return nil, errors.InvalidFields("token is required without a settlement backend")
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		ledger:  lg,
		client:  client,
		server:  server,
		backend: backend,
		events:  NewEventBus(log),
	}
	e.expiry = NewExpiryScheduler(e.expireTransfer, log)
	e.registerHandlers()

	// Transfer events double as metrics and websocket frames.
	e.events.Subscribe(func(ev Event) {
		if rec, ok := ev.Payload.(transfer.Record); ok {
			metrics.RecordTransferEvent(rec.IsIncoming, string(rec.State))
		}
		server.Hub().Broadcast(ev.Name, ev.Payload)
	})

	return e, nil
}

// Expiry returns the scheduler for lifecycle registration.
func (e *Engine) Expiry() *ExpiryScheduler { return e.expiry }

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// AuthToken is the secret inbound requests must present.
func (e *Engine) AuthToken() string {
	if e.backend != nil {
		return e.backend.AuthToken()
	}
	return e.cfg.Token
}

// Prefix returns the channel's address prefix.
func (e *Engine) Prefix() string { return e.cfg.Prefix }

// Account returns this side's address. Never blocks.
func (e *Engine) Account() string {
	if e.backend != nil {
		return e.backend.Account()
	}
	if e.cfg.Stateful {
		return e.cfg.Prefix + accountServer
	}
	return e.cfg.Prefix + accountClient
}

// PeerAccount returns the peer's address. Never blocks.
func (e *Engine) PeerAccount() string {
	if e.backend != nil {
		return e.backend.PeerAccount()
	}
	if e.cfg.Stateful {
		return e.cfg.Prefix + accountClient
	}
	return e.cfg.Prefix + accountServer
}

// Info returns the ledger-info record. The stateless side serves the copy
// cached at connect. Never blocks.
func (e *Engine) Info() json.RawMessage {
	if e.backend != nil {
		if info := e.backend.Info(); info != nil {
			return info
		}
	}
	if e.cfg.Info != nil {
		return e.cfg.Info
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerInfo
}

// stateful reports whether this side owns the authoritative balance.
func (e *Engine) stateful() bool {
	return e.backend != nil || e.cfg.Stateful
}

// Connect brings the engine to connected: backend resources first, then the
// stateless-side info fetch, then the connect event.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateConnected, stateConnecting:
		e.mu.Unlock()
		return nil
	case stateDisconnecting:
		e.mu.Unlock()
		return errors.NotConnected()
	}
	e.state = stateConnecting
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.state = stateDisconnected
		e.mu.Unlock()
		return err
	}

	if e.backend != nil {
		if err := e.backend.Connect(ctx); err != nil {
			return fail(err)
		}
	}

	if err := e.applyBounds(ctx); err != nil {
		return fail(err)
	}

	if !e.stateful() {
		// Cache the peer's info so Info() never blocks.
		raw, err := e.client.Call(ctx, "get_info")
		if err != nil {
			e.log.WithError(err).Warn("could not fetch peer info at connect")
		} else {
			e.mu.Lock()
			e.peerInfo = raw
			e.mu.Unlock()
		}
	}

	e.validator = validate.New(e.Prefix(), e.Account(), e.PeerAccount())

	e.mu.Lock()
	e.state = stateConnected
	e.mu.Unlock()

	e.events.Emit(EventConnect, nil)
	e.log.Infof("connected as %s (peer %s)", e.Account(), e.PeerAccount())
	return nil
}

// applyBounds installs the configured balance bounds on the log.
func (e *Engine) applyBounds(ctx context.Context) error {
	if !e.stateful() {
		return nil
	}
	if e.cfg.MaxBalance != "" {
		max, err := decimal.NewFromString(e.cfg.MaxBalance)
		if err != nil {
			return errors.InvalidFields("invalid maxBalance %q", e.cfg.MaxBalance)
		}
		if err := e.ledger.SetMaximum(ctx, max); err != nil {
			return err
		}
	}
	if e.cfg.MinBalance != "" {
		min, err := decimal.NewFromString(e.cfg.MinBalance)
		if err != nil {
			return errors.InvalidFields("invalid minBalance %q", e.cfg.MinBalance)
		}
		if err := e.ledger.SetMinimum(ctx, min); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect drains in-flight operations, performs final settlement, and
// returns the engine to disconnected. New public operations are refused as
// soon as the state leaves connected.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateConnected {
		e.mu.Unlock()
		return nil
	}
	e.state = stateDisconnecting
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.inflight.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("disconnect proceeding with operations still in flight")
	}

	if e.backend != nil {
		if err := e.backend.Disconnect(ctx); err != nil {
			e.log.WithError(err).Warn("backend disconnect failed; settlement is best-effort")
		}
	}

	e.mu.Lock()
	e.state = stateDisconnected
	e.mu.Unlock()

	e.events.Emit(EventDisconnect, nil)
	e.log.Info("disconnected")
	return nil
}

// IsConnected reports whether public operations are currently permitted.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateConnected
}

// assertConnected guards every public operation and registers it with the
// disconnect drain.
func (e *Engine) assertConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConnected {
		return errors.NotConnected()
	}
	e.inflight.Add(1)
	return nil
}

// Balance returns the signed net position as a decimal string. The stateless
// side proxies the peer's report and flips the sign.
func (e *Engine) Balance(ctx context.Context) (string, error) {
	if err := e.assertConnected(); err != nil {
		return "", err
	}
	defer e.inflight.Done()

	if e.stateful() {
		return e.ledger.Balance().String(), nil
	}

	raw, err := e.client.Call(ctx, "get_balance")
	if err != nil {
		return "", err
	}
	var reported string
	if err := json.Unmarshal(raw, &reported); err != nil {
		return "", errors.InvalidFields("peer returned malformed balance")
	}
	flipped, err := negate(reported)
	if err != nil {
		return "", errors.InvalidFields("peer returned non-decimal balance %q", reported)
	}
	return flipped, nil
}

// Limit returns the channel's maximum balance as seen from this side. The
// stateless side fetches the peer's maximum and flips the sign.
func (e *Engine) Limit(ctx context.Context) (string, error) {
	if err := e.assertConnected(); err != nil {
		return "", err
	}
	defer e.inflight.Done()

	if e.stateful() {
		if max, ok := e.ledger.Maximum(); ok {
			return max.String(), nil
		}
		return "0", nil
	}

	raw, err := e.client.Call(ctx, "get_limit")
	if err != nil {
		return "", err
	}
	var reported string
	if err := json.Unmarshal(raw, &reported); err != nil {
		return "", errors.InvalidFields("peer returned malformed limit")
	}
	flipped, err := negate(reported)
	if err != nil {
		return "", errors.InvalidFields("peer returned non-decimal limit %q", reported)
	}
	return flipped, nil
}

// Fulfillment returns the stored preimage for a fulfilled transfer.
func (e *Engine) Fulfillment(id string) (string, error) {
	if err := e.assertConnected(); err != nil {
		return "", err
	}
	defer e.inflight.Done()

	rec, ok := e.ledger.Get(id)
	if !ok {
		return "", errors.TransferNotFound(id)
	}
	switch rec.State {
	case transfer.StateCancelled:
		return "", errors.AlreadyRejected(id)
	case transfer.StatePrepared:
		return "", errors.MissingFulfillment(id)
	}
	return rec.Fulfillment, nil
}

// RegisterRequestHandler installs the handler answering peer requests. Only
// one handler may exist at a time.
func (e *Engine) RegisterRequestHandler(fn func(ctx context.Context, msg transfer.Message) (transfer.Message, error)) error {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if e.requestHandler != nil && fn != nil {
		return errors.HandlerRegistered()
	}
	e.requestHandler = fn
	return nil
}

// DeregisterRequestHandler removes the custom request handler.
func (e *Engine) DeregisterRequestHandler() {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.requestHandler = nil
}

// negate flips the sign of a decimal string exactly.
func negate(value string) (string, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", err
	}
	return d.Neg().String(), nil
}
