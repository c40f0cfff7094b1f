package bitcoin

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Errors returned by adapters.
var (
	ErrNotFound          = errors.New("not found on chain")
	ErrBroadcastRejected = errors.New("transaction rejected by the node")
	ErrUpstream          = errors.New("bitcoin backend unavailable")
)

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool
	BlockHeight uint32
	BlockHash   string
}

// Confirmations returns the number of confirmations at the given tip height.
func (s TxStatus) Confirmations(tip uint32) uint32 {
	if !s.Confirmed || s.BlockHeight > tip {
		return 0
	}

	return tip - s.BlockHeight + 1
}

// UTXO is an unspent output as observed on chain.
type UTXO struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations uint32
	Height        uint32
	// Contracts lists the RGB contracts with allocations on the output, when known.
	Contracts []string
}

// TxOut returns the output as a wire.TxOut.
func (u UTXO) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Value), u.PkScript)
}

func (u UTXO) String() string {
	return fmt.Sprintf("%s=%d", u.OutPoint, u.Value)
}

// Tx is a transaction with its status.
type Tx struct {
	MsgTx         *wire.MsgTx
	Status        TxStatus
	Confirmations uint32
}

// OutSpend is the spending status of an output.
type OutSpend struct {
	Spent  bool
	Txid   chainhash.Hash
	Vin    uint32
	Status TxStatus
}

// Adapter gives access to Bitcoin chain data. The semantics follow the Esplora REST API: GetTx and OutSpend return
// ErrNotFound for unknown transactions, Broadcast returns ErrBroadcastRejected when the node refuses the transaction
// and ErrUpstream wraps failures to reach the backend.
type Adapter interface {
	Network() Network
	ListUTXOs(ctx context.Context, addr btcutil.Address) ([]UTXO, error)
	GetTx(ctx context.Context, txid chainhash.Hash) (*Tx, error)
	OutSpend(ctx context.Context, op wire.OutPoint) (*OutSpend, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
	// EstimateFee returns the fee rate in sat/vB to confirm within target blocks.
	EstimateFee(ctx context.Context, target int) (SatPerVByte, error)
	TipHeight(ctx context.Context) (uint32, error)
}
