// Package validate performs structural validation of transfers, messages and
// fulfillments before they reach the ledger.
package validate

import (
	"encoding/base64"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/errors"
)

// conditionPattern matches 43 characters of unpadded base64url, the encoding
// of exactly 32 bytes.
var conditionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// Validator checks inbound and outbound records against the channel's
// addressing. It is stateless and safe for concurrent use.
type Validator struct {
	Prefix  string
	Account string
	Peer    string
}

// New returns a validator for the channel identified by prefix with the local
// and peer accounts.
func New(prefix, account, peer string) *Validator {
	return &Validator{Prefix: prefix, Account: account, Peer: peer}
}

// Condition checks a 32-byte base64url condition or fulfillment string.
func Condition(value string) error {
	if !conditionPattern.MatchString(value) {
		return errors.InvalidFields("condition must be 43 characters of base64url, got %q", value)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(value); err != nil || len(raw) != 32 {
		return errors.InvalidFields("condition must decode to 32 bytes")
	}
	return nil
}

// Amount checks a nonnegative decimal string.
func Amount(value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return errors.InvalidFields("amount %q is not a decimal", value)
	}
	if d.IsNegative() {
		return errors.InvalidFields("amount %q is negative", value)
	}
	return nil
}

// ID checks a canonical UUID.
func ID(value string) error {
	parsed, err := uuid.Parse(value)
	if err != nil || parsed.String() != value {
		return errors.InvalidFields("id %q is not a canonical UUID", value)
	}
	return nil
}

// transferCommon checks the fields shared by both directions.
func (v *Validator) transferCommon(t transfer.Transfer) error {
	if err := ID(t.ID); err != nil {
		return err
	}
	if err := Amount(t.Amount); err != nil {
		return err
	}
	if err := Condition(t.ExecutionCondition); err != nil {
		return err
	}
	if t.Ledger != v.Prefix {
		return errors.InvalidFields("transfer ledger %q does not match prefix %q", t.Ledger, v.Prefix)
	}
	if t.ExpiresAt.IsZero() {
		return errors.InvalidFields("transfer must carry expiresAt")
	}
	return nil
}

// OutgoingTransfer checks a transfer this side is about to send.
func (v *Validator) OutgoingTransfer(t transfer.Transfer) error {
	if err := v.transferCommon(t); err != nil {
		return err
	}
	if t.From != v.Account {
		return errors.InvalidFields("outgoing transfer from %q, expected %q", t.From, v.Account)
	}
	if t.To != v.Peer {
		return errors.InvalidFields("outgoing transfer to %q, expected %q", t.To, v.Peer)
	}
	return nil
}

// IncomingTransfer checks a transfer received from the peer.
func (v *Validator) IncomingTransfer(t transfer.Transfer) error {
	if err := v.transferCommon(t); err != nil {
		return err
	}
	if t.From != v.Peer {
		return errors.InvalidFields("incoming transfer from %q, expected %q", t.From, v.Peer)
	}
	if t.To != v.Account {
		return errors.InvalidFields("incoming transfer to %q, expected %q", t.To, v.Account)
	}
	return nil
}

// Fulfillment checks the preimage encoding: 43 characters of unpadded
// base64url that decode to 32 bytes. The hash comparison itself is the
// engine's job.
func Fulfillment(value string) error {
	if !conditionPattern.MatchString(value) {
		return errors.InvalidFields("fulfillment must be 43 characters of base64url")
	}
	if raw, err := base64.RawURLEncoding.DecodeString(value); err != nil || len(raw) != 32 {
		return errors.InvalidFields("fulfillment must decode to 32 bytes")
	}
	return nil
}

// IncomingMessage checks a message received from the peer.
func (v *Validator) IncomingMessage(m transfer.Message) error {
	if m.Ledger != v.Prefix {
		return errors.InvalidFields("message ledger %q does not match prefix %q", m.Ledger, v.Prefix)
	}
	if m.From != v.Peer {
		return errors.InvalidFields("message from %q, expected %q", m.From, v.Peer)
	}
	if m.To != v.Account {
		return errors.InvalidFields("message to %q, expected %q", m.To, v.Account)
	}
	return nil
}

// OutgoingMessage checks a message this side is about to send.
func (v *Validator) OutgoingMessage(m transfer.Message) error {
	if m.Ledger != v.Prefix {
		return errors.InvalidFields("message ledger %q does not match prefix %q", m.Ledger, v.Prefix)
	}
	if m.From != v.Account {
		return errors.InvalidFields("message from %q, expected %q", m.From, v.Account)
	}
	if m.To != v.Peer {
		return errors.InvalidFields("message to %q, expected %q", m.To, v.Peer)
	}
	return nil
}

// NotExpired checks that now is before the transfer's deadline.
func NotExpired(t transfer.Transfer, now time.Time) error {
	if !now.Before(t.ExpiresAt) {
		return errors.NotAccepted("transfer %s expired at %s", t.ID, t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
