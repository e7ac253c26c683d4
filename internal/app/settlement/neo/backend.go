// Package neo implements the reference settlement backend: a Neo N3 payment
// channel whose claims are signed (channel, amount) pairs redeemable against
// the channel contract.
package neo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/paychan/internal/app/domain/transfer"
	"github.com/R3E-Network/paychan/internal/app/ledger"
	"github.com/R3E-Network/paychan/internal/app/settlement"
	"github.com/R3E-Network/paychan/internal/chain"
	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Options configures the backend. The section is forwarded unmodified from
// the engine configuration.
type Options struct {
	RPCURL        string          `json:"rpcUrl" yaml:"rpc_url"`
	NetworkID     uint32          `json:"networkId" yaml:"network_id"`
	ContractHash  string          `json:"contractHash" yaml:"contract_hash"`
	ChannelID     string          `json:"channelId" yaml:"channel_id"`
	PrivateKey    string          `json:"privateKey" yaml:"private_key"`
	PeerPublicKey string          `json:"peerPublicKey" yaml:"peer_public_key"`
	Token         string          `json:"token" yaml:"token"`
	Prefix        string          `json:"prefix" yaml:"prefix"`
	Info          json.RawMessage `json:"info" yaml:"-"`
}

// Claim is the artifact exchanged after fulfillments. Amount is the total
// outgoing-fulfilled sum, so a later claim always supersedes an earlier one.
type Claim struct {
	ChannelID string `json:"channelId"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// Backend secures the channel balance with signed claims and redeems the
// best one on disconnect.
type Backend struct {
	opts Options
	pctx *settlement.Context
	log  *logger.Logger

	wallet      *chain.Wallet
	peerAddress string
	client      *chain.Client
	bestClaim   *ledger.MaxValueTracker
}

var _ settlement.Backend = (*Backend)(nil)

// New constructs the backend. The context supplies the shared ledger factory
// so the best-claim tracker lives in the same store as the transfer log.
func New(pctx *settlement.Context, opts Options, log *logger.Logger) (*Backend, error) {
	if log == nil {
		log = logger.NewDefault("neo-backend")
	}
	if opts.PrivateKey == "" {
		return nil, errors.InvalidFields("neo backend requires a private key")
	}
	if opts.PeerPublicKey == "" {
		return nil, errors.InvalidFields("neo backend requires the peer public key")
	}
	if opts.ChannelID == "" {
		return nil, errors.InvalidFields("neo backend requires a channel id")
	}
	if opts.Token == "" {
		return nil, errors.InvalidFields("neo backend requires an auth token")
	}

	wallet, err := chain.NewWallet(opts.PrivateKey)
	if err != nil {
		return nil, err
	}
	peerAddress, err := chain.AddressFromPublicKey(opts.PeerPublicKey)
	if err != nil {
		return nil, err
	}

	return &Backend{
		opts:        opts,
		pctx:        pctx,
		log:         log,
		wallet:      wallet,
		peerAddress: peerAddress,
		bestClaim:   pctx.Ledger.Tracker("best_claim:" + opts.ChannelID),
	}, nil
}

// Connect dials the Neo node and verifies it answers.
func (b *Backend) Connect(ctx context.Context) error {
	client, err := chain.NewClient(chain.Config{RPCURL: b.opts.RPCURL, NetworkID: b.opts.NetworkID})
	if err != nil {
		return err
	}
	height, err := client.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("neo node unreachable: %w", err)
	}
	b.client = client
	b.log.Infof("connected to neo node at height %d", height)
	return nil
}

// HandleIncomingPrepare refuses amounts that are not whole base units and,
// when a contract and node are configured, refuses an incoming transfer once
// everything prepared so far exceeds the channel's on-chain capacity. Without
// a contract or node, or when the capacity read fails, the transfer is
// admitted.
func (b *Backend) HandleIncomingPrepare(ctx context.Context, t transfer.Transfer) error {
	amount, err := t.AmountDecimal()
	if err != nil || !amount.IsInteger() {
		return errors.InvalidFields("transfer amount %q is not in base units", t.Amount)
	}

	if b.opts.ContractHash == "" || b.client == nil {
		return nil
	}

	capacity, err := b.channelCapacity(ctx)
	if err != nil {
		// The node being briefly unreachable must not wedge the channel.
		b.log.WithError(err).Warn("could not check channel capacity; admitting transfer")
		return nil
	}

	exposure := b.pctx.TransferLog.IncomingFulfilledAndPrepared()
	if exposure.GreaterThan(capacity) {
		return errors.NotAccepted("channel capacity %s exceeded by prepared total %s", capacity.String(), exposure.String())
	}
	return nil
}

// channelCapacity reads the channel's funded amount from the contract.
func (b *Backend) channelCapacity(ctx context.Context) (decimal.Decimal, error) {
	result, err := b.client.InvokeFunction(ctx, b.opts.ContractHash, "channelBalance", []chain.ContractParam{
		chain.NewStringParam(b.opts.ChannelID),
	})
	if err != nil {
		return decimal.Zero, err
	}
	if result.State != "HALT" || len(result.Stack) == 0 {
		return decimal.Zero, fmt.Errorf("channelBalance faulted: %s", result.Exception)
	}
	value, err := chain.ParseInteger(result.Stack[0])
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(value, 0), nil
}

// CreateOutgoingClaim signs a claim over the cumulative outgoing-fulfilled
// sum for the peer to hold.
func (b *Backend) CreateOutgoingClaim(_ context.Context, outgoingFulfilled string) (json.RawMessage, error) {
	amount, ok := new(big.Int).SetString(outgoingFulfilled, 10)
	if !ok {
		return nil, errors.InvalidFields("outgoing sum %q is not an integer", outgoingFulfilled)
	}

	signature := b.wallet.Sign(claimMessage(b.opts.ChannelID, amount))
	claim := Claim{
		ChannelID: b.opts.ChannelID,
		Amount:    outgoingFulfilled,
		Signature: hex.EncodeToString(signature),
	}
	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	b.log.Debugf("issued claim over %s for channel %s", outgoingFulfilled, b.opts.ChannelID)
	return raw, nil
}

// HandleIncomingClaim verifies the peer's claim and keeps the best one.
func (b *Backend) HandleIncomingClaim(ctx context.Context, raw json.RawMessage) error {
	var claim Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return errors.InvalidFields("malformed claim: %v", err)
	}
	if claim.ChannelID != b.opts.ChannelID {
		return errors.NotAccepted("claim is for channel %s, not %s", claim.ChannelID, b.opts.ChannelID)
	}
	amount, ok := new(big.Int).SetString(claim.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return errors.InvalidFields("claim amount %q is not a nonnegative integer", claim.Amount)
	}
	signature, err := hex.DecodeString(claim.Signature)
	if err != nil {
		return errors.InvalidFields("claim signature is not hex")
	}

	valid, err := chain.VerifySignature(b.opts.PeerPublicKey, claimMessage(claim.ChannelID, amount), signature)
	if err != nil {
		return err
	}
	if !valid {
		return errors.NotAccepted("claim signature does not verify for channel %s", claim.ChannelID)
	}

	// The claim must cover at least what the log says the peer owes.
	expected := b.pctx.TransferLog.IncomingFulfilled()
	if decimal.NewFromBigInt(amount, 0).LessThan(expected) {
		return errors.NotAccepted("claim over %s is below the fulfilled total %s", claim.Amount, expected.String())
	}

	if _, err := b.bestClaim.SetIfMax(ctx, ledger.Entry{Value: claim.Amount, Data: raw}); err != nil {
		return err
	}
	b.log.Debugf("accepted claim over %s for channel %s", claim.Amount, claim.ChannelID)
	return nil
}

// AuthToken returns the shared bearer secret.
func (b *Backend) AuthToken() string { return b.opts.Token }

// Account returns this side's channel address.
func (b *Backend) Account() string {
	return b.opts.Prefix + b.wallet.Address()
}

// PeerAccount returns the peer's channel address.
func (b *Backend) PeerAccount() string {
	return b.opts.Prefix + b.peerAddress
}

// Info returns the configured ledger info record.
func (b *Backend) Info() json.RawMessage { return b.opts.Info }

// Disconnect redeems the best claim against the channel contract. Settlement
// is best-effort: a failure is reported but leaves the claim intact for a
// later attempt.
func (b *Backend) Disconnect(ctx context.Context) error {
	entry, err := b.bestClaim.GetMax(ctx)
	if err != nil {
		return err
	}
	best, err := decimal.NewFromString(entry.Value)
	if err != nil || !best.IsPositive() {
		b.log.Info("no claim to redeem at disconnect")
		return nil
	}
	if b.opts.ContractHash == "" || b.client == nil {
		b.log.Warnf("holding claim over %s but no contract configured; skipping redemption", entry.Value)
		return nil
	}

	var claim Claim
	if err := json.Unmarshal(entry.Data, &claim); err != nil {
		return errors.Internal("decode stored claim", err)
	}
	signature, err := hex.DecodeString(claim.Signature)
	if err != nil {
		return errors.Internal("decode stored claim signature", err)
	}
	amount, _ := new(big.Int).SetString(claim.Amount, 10)

	result, err := b.client.InvokeFunctionWithSignerAndWait(ctx, b.opts.ContractHash, "claim", []chain.ContractParam{
		chain.NewStringParam(claim.ChannelID),
		chain.NewIntegerParam(amount),
		chain.NewByteArrayParam(signature),
	}, b.wallet, true)
	if err != nil {
		return fmt.Errorf("redeem claim: %w", err)
	}

	b.log.Infof("redeemed claim over %s in tx %s (%s)", claim.Amount, result.TxHash, result.VMState)
	return nil
}

// claimMessage is the byte string both sides sign: channel id, a ':'
// separator, then the amount's big-endian bytes.
func claimMessage(channelID string, amount *big.Int) []byte {
	message := append([]byte(channelID), ':')
	return append(message, amount.Bytes()...)
}
