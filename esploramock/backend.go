// Package esploramock serves the subset of the Esplora REST API used by the wallet over a Backend: a Bitcoin Core
// node reached through RPC, or an in-memory regtest chain for deterministic tests.
package esploramock

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
	wlog "github.com/tarancss/rgbwallet/lib/log"
)

var log = wlog.Sub("EMCK")

// Errors returned by backends.
var (
	ErrNotFound = errors.New("not found")
	ErrRejected = errors.New("transaction rejected")
)

// Backend provides the chain data served by the mock.
type Backend interface {
	TipHeight(ctx context.Context) (uint32, error)
	TipHash(ctx context.Context) (chainhash.Hash, error)
	Tx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	TxStatus(ctx context.Context, txid chainhash.Hash) (esplora.TxStatus, error)
	OutSpend(ctx context.Context, op wire.OutPoint) (esplora.OutSpend, error)
	AddressUTXOs(ctx context.Context, addr btcutil.Address) ([]esplora.UTXO, error)
	FeeEstimates(ctx context.Context) (esplora.FeeEstimates, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}
