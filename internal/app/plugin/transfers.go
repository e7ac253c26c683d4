package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/validate"
	"github.com/R3E-Network/paychan/internal/errors"
)

// expiredReason is the cancellation reason recorded by the expiry path.
var expiredReason = json.RawMessage(`"expired"`)

// SendTransfer prepares an outgoing conditional transfer and forwards it to
// the peer. The local prepare is authoritative: once it succeeds the expiry
// timer guarantees eventual resolution even if the peer never answers.
func (e *Engine) SendTransfer(ctx context.Context, t transfer.Transfer) error {
	if err := e.assertConnected(); err != nil {
		return err
	}
	defer e.inflight.Done()

	t.Ledger = e.Prefix()
	if t.From == "" {
		t.From = e.Account()
	}
	if t.To == "" {
		t.To = e.PeerAccount()
	}
	if err := e.validator.OutgoingTransfer(t); err != nil {
		return err
	}

	if err := e.ledger.Prepare(ctx, t, false); err != nil {
		return err
	}
	e.expiry.Schedule(t.ID, t.ExpiresAt)

	if _, err := e.client.Call(ctx, "send_transfer", t.WithoutNote()); err != nil {
		if e.stateful() || e.cfg.TolerateRPCFailure {
			// The peer may still have accepted; the expiry timer is
			// authoritative for the prepared record.
			e.log.WithError(err).Warnf("send_transfer %s not acknowledged", t.ID)
		} else {
			return err
		}
	}

	rec, _ := e.ledger.Get(t.ID)
	e.events.Emit(EventOutgoingPrepare, rec)
	return nil
}

// handleSendTransfer records an incoming transfer. The backend may refuse
// it, which cancels the local record and propagates the refusal.
func (e *Engine) handleSendTransfer(ctx context.Context, t transfer.Transfer) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	if err := e.validator.IncomingTransfer(t); err != nil {
		return nil, err
	}

	if existing, ok := e.ledger.Get(t.ID); ok {
		// Redelivery of a transfer we already hold: acknowledge without
		// re-emitting events or re-consulting the backend.
		if existing.Transfer.Equal(t) {
			return true, nil
		}
		return nil, errors.Duplicate(t.ID)
	}

	if err := e.ledger.Prepare(ctx, t, true); err != nil {
		return nil, err
	}
	e.expiry.Schedule(t.ID, t.ExpiresAt)

	if e.backend != nil {
		if err := e.backend.HandleIncomingPrepare(ctx, t); err != nil {
			reason, _ := json.Marshal(transfer.BadRequest(e.Account(), err.Error()))
			if cancelErr := e.ledger.Cancel(ctx, t.ID, reason); cancelErr != nil {
				e.log.WithError(cancelErr).Warnf("cancel refused transfer %s", t.ID)
			}
			e.expiry.Unschedule(t.ID)
			if se := errors.Get(err); se != nil {
				return nil, se
			}
			return nil, errors.NotAccepted("backend refused transfer %s: %v", t.ID, err)
		}
	}

	rec, _ := e.ledger.Get(t.ID)
	e.events.Emit(EventIncomingPrepare, rec)
	return true, nil
}

// FulfillCondition releases an incoming prepared transfer with its preimage
// and notifies the peer, then hands the peer's claim to the backend.
func (e *Engine) FulfillCondition(ctx context.Context, id, fulfillment string) error {
	if err := e.assertConnected(); err != nil {
		return err
	}
	defer e.inflight.Done()

	changed, err := e.fulfillLocal(ctx, id, fulfillment, true)
	if err != nil {
		return err
	}
	if changed {
		rec, _ := e.ledger.Get(id)
		e.events.Emit(EventIncomingFulfill, rec)
	}

	claim, err := e.client.Call(ctx, "fulfill_condition", id, fulfillment)
	if err != nil {
		if e.cfg.TolerateRPCFailure {
			e.log.WithError(err).Warnf("fulfill_condition %s not acknowledged", id)
			return nil
		}
		return err
	}

	if e.backend != nil && len(claim) > 0 && string(claim) != "true" {
		// Settlement is best-effort: a bad claim must not fail the
		// fulfillment that already committed.
		if err := e.backend.HandleIncomingClaim(ctx, claim); err != nil {
			e.log.WithError(err).Warnf("incoming claim for %s rejected", id)
		}
	}
	return nil
}

// handleFulfillCondition releases an outgoing prepared transfer on the
// peer's behalf and answers with a fresh claim over the new outgoing sum.
func (e *Engine) handleFulfillCondition(ctx context.Context, id, fulfillment string) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	changed, err := e.fulfillLocal(ctx, id, fulfillment, false)
	if err != nil {
		return nil, err
	}
	if changed {
		rec, _ := e.ledger.Get(id)
		e.events.Emit(EventOutgoingFulfill, rec)
	}

	if e.backend != nil {
		claim, err := e.backend.CreateOutgoingClaim(ctx, e.ledger.OutgoingFulfilled().String())
		if err != nil {
			e.log.WithError(err).Warnf("create outgoing claim after %s failed", id)
		} else if claim != nil {
			return claim, nil
		}
	}
	return true, nil
}

// fulfillLocal validates and commits a fulfillment for the given direction.
// It reports whether this call performed the transition: a redelivered
// fulfillment succeeds without a transition, so the caller does not emit a
// second event.
func (e *Engine) fulfillLocal(ctx context.Context, id, fulfillment string, incoming bool) (bool, error) {
	if err := validate.Fulfillment(fulfillment); err != nil {
		return false, err
	}

	rec, ok := e.ledger.Get(id)
	if !ok {
		return false, errors.TransferNotFound(id)
	}
	if rec.IsIncoming != incoming {
		if incoming {
			return false, errors.NotAccepted("transfer %s is outgoing and cannot be fulfilled here", id)
		}
		return false, errors.NotAccepted("transfer %s is incoming and cannot be fulfilled by the peer", id)
	}
	if rec.State == transfer.StatePrepared {
		if err := validate.NotExpired(rec.Transfer, time.Now()); err != nil {
			return false, err
		}
	}
	if !conditionMatches(rec.Transfer.ExecutionCondition, fulfillment) {
		return false, errors.NotAccepted("fulfillment does not match condition of transfer %s", id)
	}

	already := rec.State == transfer.StateFulfilled
	if err := e.ledger.Fulfill(ctx, id, fulfillment); err != nil {
		return false, err
	}
	e.expiry.Unschedule(id)
	return !already, nil
}

// conditionMatches checks SHA-256(fulfillment) == executionCondition.
func conditionMatches(condition, fulfillment string) bool {
	preimage, err := base64.RawURLEncoding.DecodeString(fulfillment)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(preimage)
	return base64.RawURLEncoding.EncodeToString(digest[:]) == condition
}

// RejectIncomingTransfer cancels an incoming prepared transfer and asks the
// peer to mirror the cancellation.
func (e *Engine) RejectIncomingTransfer(ctx context.Context, id string, reason json.RawMessage) error {
	if err := e.assertConnected(); err != nil {
		return err
	}
	defer e.inflight.Done()

	rec, ok := e.ledger.Get(id)
	if !ok {
		return errors.TransferNotFound(id)
	}
	if !rec.IsIncoming {
		return errors.NotAccepted("transfer %s is outgoing; only the receiver may reject it", id)
	}
	already := rec.State == transfer.StateCancelled

	if err := e.ledger.Cancel(ctx, id, reason); err != nil {
		return err
	}
	e.expiry.Unschedule(id)

	if !already {
		rec, _ = e.ledger.Get(id)
		e.events.Emit(EventIncomingReject, rec)
	}

	if _, err := e.client.Call(ctx, "reject_incoming_transfer", id, reason); err != nil {
		if e.cfg.TolerateRPCFailure {
			e.log.WithError(err).Warnf("reject %s not acknowledged", id)
			return nil
		}
		return err
	}
	return nil
}

// handleRejectIncomingTransfer mirrors the peer's rejection of a transfer we
// sent.
func (e *Engine) handleRejectIncomingTransfer(ctx context.Context, id string, reason json.RawMessage) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	rec, ok := e.ledger.Get(id)
	if !ok {
		return nil, errors.TransferNotFound(id)
	}
	if rec.IsIncoming {
		return nil, errors.NotAccepted("transfer %s is incoming here; the peer cannot reject it", id)
	}
	already := rec.State == transfer.StateCancelled

	if err := e.ledger.Cancel(ctx, id, reason); err != nil {
		return nil, err
	}
	e.expiry.Unschedule(id)

	if !already {
		rec, _ = e.ledger.Get(id)
		e.events.Emit(EventOutgoingReject, rec)
	}
	return true, nil
}

// expireTransfer is the expiry scheduler's callback. It re-reads the record
// and only acts if the transfer is still prepared.
func (e *Engine) expireTransfer(ctx context.Context, id string) {
	rec, ok := e.ledger.Get(id)
	if !ok || rec.State != transfer.StatePrepared {
		return
	}
	if time.Now().Before(rec.Transfer.ExpiresAt) {
		// Rescheduled or clock skew; try again at the real deadline.
		e.expiry.Schedule(id, rec.Transfer.ExpiresAt)
		return
	}

	if err := e.ledger.Cancel(ctx, id, expiredReason); err != nil {
		// Lost the race against a concurrent fulfill or cancel.
		e.log.WithError(err).Debugf("expiry of %s superseded", id)
		return
	}

	rec, _ = e.ledger.Get(id)
	if rec.IsIncoming {
		e.events.Emit(EventIncomingCancel, rec)
	} else {
		e.events.Emit(EventOutgoingCancel, rec)
	}

	// Best-effort: the peer expires independently.
	if _, err := e.client.Call(ctx, "expire_transfer", id); err != nil {
		e.log.WithError(err).Debugf("peer did not acknowledge expiry of %s", id)
	}
}

// handleExpireTransfer processes the peer's expiry notice. An early notice
// is refused; a duplicate one is a no-op.
func (e *Engine) handleExpireTransfer(ctx context.Context, id string) (interface{}, error) {
	if err := e.assertConnected(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	rec, ok := e.ledger.Get(id)
	if !ok {
		return nil, errors.TransferNotFound(id)
	}
	if rec.State == transfer.StateCancelled {
		return true, nil
	}
	if time.Now().Before(rec.Transfer.ExpiresAt) {
		return nil, errors.NotAccepted("transfer %s has not expired yet", id)
	}

	if err := e.ledger.Cancel(ctx, id, expiredReason); err != nil {
		return nil, err
	}
	e.expiry.Unschedule(id)

	rec, _ = e.ledger.Get(id)
	if rec.IsIncoming {
		e.events.Emit(EventIncomingCancel, rec)
	} else {
		e.events.Emit(EventOutgoingCancel, rec)
	}
	return true, nil
}
