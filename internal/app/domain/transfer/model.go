// Package transfer defines the conditional transfer model shared by the
// ledger, the engine and the RPC layer.
package transfer

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a recorded transfer.
type State string

const (
	StatePrepared  State = "prepared"
	StateFulfilled State = "fulfilled"
	StateCancelled State = "cancelled"
)

// Transfer is a conditional promise to pay Amount, released by a 32-byte
// preimage whose SHA-256 matches ExecutionCondition before ExpiresAt.
// NoteToSelf is local metadata and never travels on the wire.
type Transfer struct {
	ID                 string          `json:"id"`
	Amount             string          `json:"amount"`
	Ledger             string          `json:"ledger"`
	From               string          `json:"from"`
	To                 string          `json:"to"`
	ExecutionCondition string          `json:"executionCondition"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	ILP                string          `json:"ilp,omitempty"`
	NoteToSelf         json.RawMessage `json:"noteToSelf,omitempty"`
}

// AmountDecimal parses the amount as an exact decimal.
func (t Transfer) AmountDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Amount)
}

// WithoutNote returns a copy safe to put on the wire.
func (t Transfer) WithoutNote() Transfer {
	t.NoteToSelf = nil
	return t
}

// Equal reports field-for-field equality. NoteToSelf is excluded: the peer's
// redelivery of a transfer never carries it, and idempotent re-prepare must
// treat such a redelivery as the same transfer.
func (t Transfer) Equal(other Transfer) bool {
	return t.ID == other.ID &&
		t.Amount == other.Amount &&
		t.Ledger == other.Ledger &&
		t.From == other.From &&
		t.To == other.To &&
		t.ExecutionCondition == other.ExecutionCondition &&
		t.ExpiresAt.Equal(other.ExpiresAt) &&
		t.ILP == other.ILP
}

// ILPError is an F00 ("Bad Request") rejection record with the stringified
// cause in Data. The engine stores it as the cancellation reason of an
// incoming transfer the backend refuses; the peer receives that refusal as
// an RPC error envelope ({name, message}), not as this record.
type ILPError struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	Data        string    `json:"data,omitempty"`
}

// BadRequest builds the F00 rejection record for the given cause.
func BadRequest(triggeredBy, cause string) ILPError {
	return ILPError{
		Code:        "F00",
		Name:        "Bad Request",
		TriggeredBy: triggeredBy,
		TriggeredAt: time.Now().UTC(),
		Data:        cause,
	}
}

// Message is an unconditional peer-to-peer message on the channel.
type Message struct {
	Ledger string          `json:"ledger"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Record is a Transfer as recorded by the ledger, together with its
// direction, state and terminal data.
type Record struct {
	Transfer           Transfer        `json:"transfer"`
	IsIncoming         bool            `json:"isIncoming"`
	State              State           `json:"state"`
	Fulfillment        string          `json:"fulfillment,omitempty"`
	CancellationReason json.RawMessage `json:"cancellationReason,omitempty"`
}
