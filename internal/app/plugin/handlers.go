package plugin

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/errors"
)

// registerHandlers installs the engine's method table on the RPC server.
// Every method that mutates the log tolerates redelivery: the log's
// idempotent prepare and no-op terminal transitions carry the contract.
func (e *Engine) registerHandlers() {
	e.server.Register("send_transfer", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var t transfer.Transfer
		if err := decodeArg(args, 0, &t); err != nil {
			return nil, err
		}
		return e.handleSendTransfer(ctx, t)
	})

	e.server.Register("fulfill_condition", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var id, fulfillment string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		if err := decodeArg(args, 1, &fulfillment); err != nil {
			return nil, err
		}
		return e.handleFulfillCondition(ctx, id, fulfillment)
	})

	e.server.Register("reject_incoming_transfer", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		var reason json.RawMessage
		if len(args) > 1 {
			reason = args[1]
		}
		return e.handleRejectIncomingTransfer(ctx, id, reason)
	})

	e.server.Register("expire_transfer", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		return e.handleExpireTransfer(ctx, id)
	})

	e.server.Register("send_message", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var msg transfer.Message
		if err := decodeArg(args, 0, &msg); err != nil {
			return nil, err
		}
		return e.handleSendMessage(ctx, msg)
	})

	e.server.Register("send_request", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var msg transfer.Message
		if err := decodeArg(args, 0, &msg); err != nil {
			return nil, err
		}
		return e.handleSendRequest(ctx, msg)
	})

	e.server.Register("get_balance", func(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
		if err := e.assertConnected(); err != nil {
			return nil, err
		}
		defer e.inflight.Done()
		if !e.stateful() {
			return nil, errors.NotAccepted("balance is not held on this side")
		}
		return e.ledger.Balance().String(), nil
	})

	e.server.Register("get_limit", func(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
		if err := e.assertConnected(); err != nil {
			return nil, err
		}
		defer e.inflight.Done()
		if !e.stateful() {
			return nil, errors.NotAccepted("limit is not held on this side")
		}
		if max, ok := e.ledger.Maximum(); ok {
			return max.String(), nil
		}
		return "0", nil
	})

	e.server.Register("get_info", func(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
		if err := e.assertConnected(); err != nil {
			return nil, err
		}
		defer e.inflight.Done()
		info := e.Info()
		if info == nil {
			info = json.RawMessage(`{}`)
		}
		return info, nil
	})

	e.server.Register("get_fulfillment", func(ctx context.Context, args []json.RawMessage) (interface{}, error) {
		var id string
		if err := decodeArg(args, 0, &id); err != nil {
			return nil, err
		}
		return e.fulfillmentForPeer(id)
	})
}

// fulfillmentForPeer serves get_fulfillment without the caller-side connect
// assertion duplication.
func (e *Engine) fulfillmentForPeer(id string) (interface{}, error) {
	fulfillment, err := e.Fulfillment(id)
	if err != nil {
		return nil, err
	}
	return fulfillment, nil
}

// decodeArg unpacks positional argument i into v.
func decodeArg(args []json.RawMessage, i int, v interface{}) error {
	if i >= len(args) {
		return errors.InvalidFields("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return errors.InvalidFields("malformed argument %d: %v", i, err)
	}
	return nil
}
