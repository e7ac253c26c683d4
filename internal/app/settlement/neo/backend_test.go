package neo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/paychan/internal/app/ledger"
	"github.com/R3E-Network/paychan/internal/app/settlement"
	"github.com/R3E-Network/paychan/internal/app/storage/memory"
	"github.com/R3E-Network/paychan/internal/errors"
)

// newBackendPair builds the two ends of one channel with freshly generated
// keys. No node connection is made.
func newBackendPair(t *testing.T) (*Backend, *Backend) {
	t.Helper()
	ctx := context.Background()

	keyA, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key A: %v", err)
	}
	keyB, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key B: %v", err)
	}

	newSide := func(name string, own *keys.PrivateKey, peer *keys.PrivateKey) *Backend {
		store := memory.New()
		factory := ledger.NewFactory(store, nil)
		transferLog, err := factory.TransferLog(ctx, "log")
		if err != nil {
			t.Fatalf("open log: %v", err)
		}
		pctx := &settlement.Context{Ledger: factory, TransferLog: transferLog}
		b, err := New(pctx, Options{
			ChannelID:     "chan-1",
			PrivateKey:    own.String(),
			PeerPublicKey: peer.PublicKey().StringCompressed(),
			Token:         "hush",
			Prefix:        "peer.neo.",
		}, nil)
		if err != nil {
			t.Fatalf("backend %s: %v", name, err)
		}
		return b
	}

	return newSide("A", keyA, keyB), newSide("B", keyB, keyA)
}

func TestBackend_ClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := newBackendPair(t)

	raw, err := a.CreateOutgoingClaim(ctx, "100")
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if err := b.HandleIncomingClaim(ctx, raw); err != nil {
		t.Fatalf("verify claim: %v", err)
	}

	best, err := b.bestClaim.GetMax(ctx)
	if err != nil {
		t.Fatalf("get best claim: %v", err)
	}
	if best.Value != "100" {
		t.Fatalf("best claim value: %s", best.Value)
	}
}

func TestBackend_RejectsForgedClaim(t *testing.T) {
	ctx := context.Background()
	a, b := newBackendPair(t)

	raw, err := a.CreateOutgoingClaim(ctx, "100")
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}

	var claim Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	claim.Amount = "100000" // inflate without re-signing
	forged, _ := json.Marshal(claim)

	err = b.HandleIncomingClaim(ctx, forged)
	if !errors.HasName(err, errors.NameNotAccepted) {
		t.Fatalf("expected NotAcceptedError for forged claim, got %v", err)
	}

	best, _ := b.bestClaim.GetMax(ctx)
	if best.Value != "0" {
		t.Fatalf("forged claim stored: %s", best.Value)
	}
}

func TestBackend_BestClaimMonotone(t *testing.T) {
	ctx := context.Background()
	a, b := newBackendPair(t)

	seen := []string{"30", "50", "40", "70"}
	want := []string{"30", "50", "50", "70"}
	for i, amount := range seen {
		raw, err := a.CreateOutgoingClaim(ctx, amount)
		if err != nil {
			t.Fatalf("create claim over %s: %v", amount, err)
		}
		if err := b.HandleIncomingClaim(ctx, raw); err != nil {
			t.Fatalf("handle claim over %s: %v", amount, err)
		}
		best, err := b.bestClaim.GetMax(ctx)
		if err != nil {
			t.Fatalf("get best: %v", err)
		}
		if best.Value != want[i] {
			t.Fatalf("after %s expected best %s, got %s", amount, want[i], best.Value)
		}
	}
}

func TestBackend_WrongChannelRejected(t *testing.T) {
	ctx := context.Background()
	a, b := newBackendPair(t)

	raw, err := a.CreateOutgoingClaim(ctx, "10")
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	var claim Claim
	_ = json.Unmarshal(raw, &claim)
	claim.ChannelID = "chan-2"
	other, _ := json.Marshal(claim)

	err = b.HandleIncomingClaim(ctx, other)
	if !errors.HasName(err, errors.NameNotAccepted) {
		t.Fatalf("expected NotAcceptedError for wrong channel, got %v", err)
	}
}

func TestBackend_Accounts(t *testing.T) {
	a, b := newBackendPair(t)

	if a.Account() == a.PeerAccount() {
		t.Fatal("own and peer accounts collide")
	}
	if a.Account() != b.PeerAccount() || b.Account() != a.PeerAccount() {
		t.Fatalf("address mismatch: a=%s b.peer=%s", a.Account(), b.PeerAccount())
	}
	if a.AuthToken() != "hush" {
		t.Fatalf("auth token: %s", a.AuthToken())
	}
}
