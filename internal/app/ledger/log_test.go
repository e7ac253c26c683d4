package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/storage/memory"
	"github.com/R3E-Network/paychan/internal/errors"
)

func newTransfer(id, amount string) transfer.Transfer {
	return transfer.Transfer{
		ID:                 id,
		Amount:             amount,
		Ledger:             "peer.t.",
		From:               "peer.t.client",
		To:                 "peer.t.server",
		ExecutionCondition: "47DEQpj8HBSa-_TImW-5JCeuQeRkm5NMpJWZG3hSuFU",
		ExpiresAt:          time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond),
	}
}

func mustOpen(t *testing.T, key string, store *memory.Store) *Log {
	t.Helper()
	l, err := Open(context.Background(), key, store, nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func TestLog_PrepareFulfillAggregates(t *testing.T) {
	ctx := context.Background()
	l := mustOpen(t, "", nil)

	if err := l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000001", "100"), true); err != nil {
		t.Fatalf("prepare incoming: %v", err)
	}
	if got := l.IncomingFulfilledAndPrepared().String(); got != "100" {
		t.Fatalf("incoming prepared aggregate: %s", got)
	}
	if got := l.IncomingFulfilled().String(); got != "0" {
		t.Fatalf("incoming fulfilled should be zero before fulfill: %s", got)
	}

	if err := l.Fulfill(ctx, "6a8e9d1e-0000-4000-8000-000000000001", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := l.IncomingFulfilled().String(); got != "100" {
		t.Fatalf("incoming fulfilled aggregate: %s", got)
	}
	if got := l.Balance().String(); got != "100" {
		t.Fatalf("balance after incoming fulfill: %s", got)
	}

	if err := l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000002", "40"), false); err != nil {
		t.Fatalf("prepare outgoing: %v", err)
	}
	if err := l.Fulfill(ctx, "6a8e9d1e-0000-4000-8000-000000000002", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("fulfill outgoing: %v", err)
	}
	if got := l.Balance().String(); got != "60" {
		t.Fatalf("balance after outgoing fulfill: %s", got)
	}
	if got := l.OutgoingFulfilled().String(); got != "40" {
		t.Fatalf("outgoing fulfilled aggregate: %s", got)
	}
}

func TestLog_PrepareIdempotent(t *testing.T) {
	ctx := context.Background()
	l := mustOpen(t, "", nil)
	tr := newTransfer("6a8e9d1e-0000-4000-8000-000000000003", "25")

	if err := l.Prepare(ctx, tr, true); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if err := l.Prepare(ctx, tr, true); err != nil {
		t.Fatalf("identical re-prepare should succeed: %v", err)
	}
	if got := l.IncomingFulfilledAndPrepared().String(); got != "25" {
		t.Fatalf("aggregate counted twice: %s", got)
	}

	altered := tr
	altered.Amount = "26"
	err := l.Prepare(ctx, altered, true)
	if !errors.HasName(err, errors.NameDuplicateID) {
		t.Fatalf("expected DuplicateIdError, got %v", err)
	}
	if got := l.IncomingFulfilledAndPrepared().String(); got != "25" {
		t.Fatalf("failed prepare mutated state: %s", got)
	}
}

func TestLog_Bounds(t *testing.T) {
	ctx := context.Background()
	l := mustOpen(t, "", nil)
	if err := l.SetMaximum(ctx, decimal.RequireFromString("50")); err != nil {
		t.Fatalf("set maximum: %v", err)
	}
	if err := l.SetMinimum(ctx, decimal.RequireFromString("-30")); err != nil {
		t.Fatalf("set minimum: %v", err)
	}

	err := l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000004", "100"), true)
	if !errors.HasName(err, errors.NameNotAccepted) {
		t.Fatalf("expected NotAcceptedError on maximum, got %v", err)
	}
	if got := l.IncomingFulfilledAndPrepared().String(); got != "0" {
		t.Fatalf("rejected prepare mutated aggregates: %s", got)
	}

	if err := l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000005", "50"), true); err != nil {
		t.Fatalf("prepare at the bound should succeed: %v", err)
	}

	err = l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000006", "31"), false)
	if !errors.HasName(err, errors.NameNotAccepted) {
		t.Fatalf("expected NotAcceptedError on minimum, got %v", err)
	}
	if err := l.Prepare(ctx, newTransfer("6a8e9d1e-0000-4000-8000-000000000007", "30"), false); err != nil {
		t.Fatalf("outgoing at the bound should succeed: %v", err)
	}
}

func TestLog_Transitions(t *testing.T) {
	ctx := context.Background()
	l := mustOpen(t, "", nil)
	tr := newTransfer("6a8e9d1e-0000-4000-8000-000000000008", "10")
	if err := l.Prepare(ctx, tr, true); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := l.Cancel(ctx, tr.ID, json.RawMessage(`"expired"`)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := l.Cancel(ctx, tr.ID, nil); err != nil {
		t.Fatalf("repeated cancel should be a no-op: %v", err)
	}
	err := l.Fulfill(ctx, tr.ID, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if !errors.HasName(err, errors.NameAlreadyRejected) {
		t.Fatalf("expected AlreadyRejectedError, got %v", err)
	}
	if got := l.IncomingFulfilledAndPrepared().String(); got != "0" {
		t.Fatalf("cancel did not release the prepared aggregate: %s", got)
	}

	tr2 := newTransfer("6a8e9d1e-0000-4000-8000-000000000009", "10")
	if err := l.Prepare(ctx, tr2, false); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := l.Fulfill(ctx, tr2.ID, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := l.Fulfill(ctx, tr2.ID, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("repeated fulfill should be a no-op: %v", err)
	}
	err = l.Cancel(ctx, tr2.ID, nil)
	if !errors.HasName(err, errors.NameAlreadyFulfilled) {
		t.Fatalf("expected AlreadyFulfilledError, got %v", err)
	}

	rec, ok := l.Get(tr2.ID)
	if !ok || rec.State != transfer.StateFulfilled {
		t.Fatalf("unexpected record state: %+v", rec)
	}
}

func TestLog_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	l := mustOpen(t, "logA", store)
	if err := l.SetMaximum(ctx, decimal.RequireFromString("500")); err != nil {
		t.Fatalf("set maximum: %v", err)
	}
	tr := newTransfer("6a8e9d1e-0000-4000-8000-00000000000a", "75")
	if err := l.Prepare(ctx, tr, true); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := l.Fulfill(ctx, tr.ID, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	restored := mustOpen(t, "logA", store)
	if got := restored.IncomingFulfilled().String(); got != "75" {
		t.Fatalf("restored aggregate: %s", got)
	}
	if max, ok := restored.Maximum(); !ok || max.String() != "500" {
		t.Fatalf("restored maximum: %v %v", max, ok)
	}
	rec, ok := restored.Get(tr.ID)
	if !ok || rec.State != transfer.StateFulfilled || !rec.Transfer.Equal(tr) {
		t.Fatalf("restored record mismatch: %+v", rec)
	}

	// Unrelated keys stay independent.
	other := mustOpen(t, "logB", store)
	if got := other.IncomingFulfilled().String(); got != "0" {
		t.Fatalf("unrelated log shares state: %s", got)
	}
}

func TestLog_AggregatesMatchRecordSet(t *testing.T) {
	ctx := context.Background()
	l := mustOpen(t, "", nil)

	ids := []string{
		"6a8e9d1e-0000-4000-8000-000000000010",
		"6a8e9d1e-0000-4000-8000-000000000011",
		"6a8e9d1e-0000-4000-8000-000000000012",
		"6a8e9d1e-0000-4000-8000-000000000013",
	}
	for i, id := range ids {
		if err := l.Prepare(ctx, newTransfer(id, "10"), i%2 == 0); err != nil {
			t.Fatalf("prepare %s: %v", id, err)
		}
	}
	if err := l.Fulfill(ctx, ids[0], "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := l.Cancel(ctx, ids[1], nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Derive the sums from the records and compare with the cached
	// aggregates.
	var inF, inFP, outF, outFP decimal.Decimal
	for _, id := range ids {
		rec, ok := l.Get(id)
		if !ok {
			t.Fatalf("record %s missing", id)
		}
		amount := decimal.RequireFromString(rec.Transfer.Amount)
		switch {
		case rec.IsIncoming && rec.State == transfer.StateFulfilled:
			inF = inF.Add(amount)
			inFP = inFP.Add(amount)
		case rec.IsIncoming && rec.State == transfer.StatePrepared:
			inFP = inFP.Add(amount)
		case !rec.IsIncoming && rec.State == transfer.StateFulfilled:
			outF = outF.Add(amount)
			outFP = outFP.Add(amount)
		case !rec.IsIncoming && rec.State == transfer.StatePrepared:
			outFP = outFP.Add(amount)
		}
	}

	if !l.IncomingFulfilled().Equal(inF) ||
		!l.IncomingFulfilledAndPrepared().Equal(inFP) ||
		!l.OutgoingFulfilled().Equal(outF) ||
		!l.OutgoingFulfilledAndPrepared().Equal(outFP) {
		t.Fatalf("aggregates diverge from record set: %s %s %s %s",
			l.IncomingFulfilled(), l.IncomingFulfilledAndPrepared(),
			l.OutgoingFulfilled(), l.OutgoingFulfilledAndPrepared())
	}
}
