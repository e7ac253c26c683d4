// Package settlement defines the capability set a settlement backend offers
// the plugin engine, and the context through which the backend reaches the
// engine's resources.
package settlement

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/ledger"
	"github.com/R3E-Network/paychan/internal/app/rpc"
)

// Facade is the slice of the plugin engine a backend may call back into.
type Facade interface {
	Prefix() string
	SendMessage(ctx context.Context, msg transfer.Message) error
}

// Context carries the engine resources a backend builds on. Backend-private
// state (trackers, incoming-claim logs) is obtained from Ledger so it shares
// the store and its atomicity guarantees.
type Context struct {
	RPC         *rpc.Client
	Ledger      *ledger.Factory
	TransferLog *ledger.Log
	Plugin      Facade
}

// Backend produces and verifies the claims that secure the accumulated
// channel balance. Every method except Connect and Disconnect is expected to
// return promptly (≤ 500ms); anything longer is the backend's own background
// work.
type Backend interface {
	// Connect establishes network resources. Address, prefix and ledger
	// info must be available once it returns.
	Connect(ctx context.Context) error

	// HandleIncomingPrepare is called after an incoming transfer has been
	// recorded as prepared. An error cancels the transfer and propagates
	// to the peer.
	HandleIncomingPrepare(ctx context.Context, t transfer.Transfer) error

	// CreateOutgoingClaim is called after each outgoing fulfillment with
	// the updated outgoing-fulfilled sum. It returns a JSON-serializable
	// claim for the peer, or nil to skip.
	CreateOutgoingClaim(ctx context.Context, outgoingFulfilled string) (json.RawMessage, error)

	// HandleIncomingClaim receives the peer's CreateOutgoingClaim result
	// after an incoming fulfillment round-trip.
	HandleIncomingClaim(ctx context.Context, claim json.RawMessage) error

	// Synchronous metadata. Must not block.
	AuthToken() string
	Account() string
	PeerAccount() string
	Info() json.RawMessage

	// Disconnect performs final settlement, typically submitting the best
	// claim to the settlement network.
	Disconnect(ctx context.Context) error
}
