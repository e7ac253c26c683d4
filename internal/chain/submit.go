package chain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// defaultNetworkFee covers signature verification for a single-signer
// transaction with headroom.
const defaultNetworkFee = 1_000_000

// TxResult reports a broadcast transaction.
type TxResult struct {
	TxHash  string
	VMState string
}

// InvokeFunctionWithSignerAndWait test-invokes the function to obtain the
// script and system fee, then builds, signs and broadcasts the transaction.
// When wait is set it blocks until the application log is available (2 minute
// timeout) and reports the final VM state.
func (c *Client) InvokeFunctionWithSignerAndWait(ctx context.Context, scriptHash, method string, params []ContractParam, w *Wallet, wait bool) (*TxResult, error) {
	invoke, err := c.InvokeFunction(ctx, scriptHash, method, params)
	if err != nil {
		return nil, fmt.Errorf("test invoke %s.%s: %w", scriptHash, method, err)
	}
	if invoke.State != "HALT" {
		return nil, fmt.Errorf("test invoke %s.%s faulted: %s", scriptHash, method, invoke.Exception)
	}

	script, err := base64.StdEncoding.DecodeString(invoke.Script)
	if err != nil {
		return nil, fmt.Errorf("decode invocation script: %w", err)
	}
	sysFee, err := strconv.ParseInt(invoke.GasConsumed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse gas consumed %q: %w", invoke.GasConsumed, err)
	}

	height, err := c.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}

	acct := wallet.NewAccountFromPrivateKey(w.PrivateKey())

	tx := transaction.New(script, sysFee)
	tx.Nonce = randomNonce()
	tx.ValidUntilBlock = uint32(height) + 240
	tx.NetworkFee = defaultNetworkFee
	tx.Signers = []transaction.Signer{{
		Account: acct.ScriptHash(),
		Scopes:  transaction.CalledByEntry,
	}}

	if err := acct.SignTx(netmode.Magic(c.networkID), tx); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw := base64.StdEncoding.EncodeToString(tx.Bytes())
	txHash, err := c.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	result := &TxResult{TxHash: txHash}
	if !wait {
		return result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	log, err := c.WaitForApplicationLog(waitCtx, txHash, 0)
	if err != nil {
		return result, err
	}
	if len(log.Executions) > 0 {
		result.VMState = log.Executions[0].VMState
	}
	return result, nil
}

func randomNonce() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(buf[:])
}
