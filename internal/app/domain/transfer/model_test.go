package transfer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Transfer {
	return Transfer{
		ID:                 "11111111-1111-1111-1111-111111111111",
		Amount:             "100",
		Ledger:             "peer.t.",
		From:               "peer.t.client",
		To:                 "peer.t.server",
		ExecutionCondition: "47DEQpj8HBSa-_TImW-5JCeuQeRkm5NMpJWZG3hSuFU",
		ExpiresAt:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		NoteToSelf:         json.RawMessage(`{"local":true}`),
	}
}

func TestTransfer_Equal(t *testing.T) {
	a := sample()
	b := sample()
	assert.True(t, a.Equal(b))

	// NoteToSelf never travels on the wire, so it must not break equality.
	b.NoteToSelf = nil
	assert.True(t, a.Equal(b))

	b = sample()
	b.Amount = "101"
	assert.False(t, a.Equal(b))

	b = sample()
	b.ExpiresAt = b.ExpiresAt.Add(time.Second)
	assert.False(t, a.Equal(b))
}

func TestTransfer_WithoutNote(t *testing.T) {
	tr := sample()
	wire := tr.WithoutNote()
	assert.Nil(t, wire.NoteToSelf)
	assert.NotNil(t, tr.NoteToSelf)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "noteToSelf")
}

func TestTransfer_AmountDecimal(t *testing.T) {
	tr := sample()
	amount, err := tr.AmountDecimal()
	require.NoError(t, err)
	assert.Equal(t, "100", amount.String())

	tr.Amount = "not-a-number"
	_, err = tr.AmountDecimal()
	assert.Error(t, err)
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	rec := Record{
		Transfer:    sample(),
		IsIncoming:  true,
		State:       StateFulfilled,
		Fulfillment: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, rec.Transfer.Equal(back.Transfer))
	assert.Equal(t, rec.State, back.State)
	assert.Equal(t, rec.Fulfillment, back.Fulfillment)
}
