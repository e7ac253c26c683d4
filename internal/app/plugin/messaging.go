package plugin

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/errors"
)

// SendMessage delivers an unconditional message to the peer.
func (e *Engine) SendMessage(ctx context.Context, msg transfer.Message) error {
	if err := e.assertConnected(); err != nil {
		return err
	}
	defer e.inflight.Done()

	if msg.Ledger == "" {
		msg.Ledger = e.Prefix()
	}
	if msg.From == "" {
		msg.From = e.Account()
	}
	if msg.To == "" {
		msg.To = e.PeerAccount()
	}
	if err := e.validator.OutgoingMessage(msg); err != nil {
		return err
	}

	if _, err := e.client.Call(ctx, "send_message", msg); err != nil {
		return err
	}
	e.events.Emit(EventOutgoingMessage, msg)
	return nil
}

func (e *Engine) handleSendMessage(_ context.Context, msg transfer.Message) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	if err := e.validator.IncomingMessage(msg); err != nil {
		return nil, err
	}
	e.events.Emit(EventIncomingMessage, msg)
	return true, nil
}

// SendRequest performs a request/response message exchange with the peer and
// returns the peer's response message.
func (e *Engine) SendRequest(ctx context.Context, msg transfer.Message) (transfer.Message, error) {
	if err := e.assertConnected(); err != nil {
		return transfer.Message{}, err
	}
	defer e.inflight.Done()

	if msg.Ledger == "" {
		msg.Ledger = e.Prefix()
	}
	if msg.From == "" {
		msg.From = e.Account()
	}
	if msg.To == "" {
		msg.To = e.PeerAccount()
	}
	if err := e.validator.OutgoingMessage(msg); err != nil {
		return transfer.Message{}, err
	}

	e.events.Emit(EventOutgoingRequest, msg)

	raw, err := e.client.Call(ctx, "send_request", msg)
	if err != nil {
		return transfer.Message{}, err
	}

	var resp transfer.Message
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transfer.Message{}, errors.InvalidFields("peer returned malformed response message")
	}
	e.events.Emit(EventIncomingResponse, resp)
	return resp, nil
}

func (e *Engine) handleSendRequest(ctx context.Context, msg transfer.Message) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	if err := e.validator.IncomingMessage(msg); err != nil {
		return nil, err
	}
	e.events.Emit(EventIncomingRequest, msg)

	e.handlerMu.Lock()
	handler := e.requestHandler
	e.handlerMu.Unlock()
	if handler == nil {
		return nil, errors.NotAccepted("no request handler registered")
	}

	resp, err := handler(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp.Ledger == "" {
		resp.Ledger = e.Prefix()
	}
	if resp.From == "" {
		resp.From = e.Account()
	}
	if resp.To == "" {
		resp.To = e.PeerAccount()
	}
	e.events.Emit(EventOutgoingResponse, resp)
	return resp, nil
}
