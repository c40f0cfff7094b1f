package esploramock

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
)

// feeTargets are the confirmation targets estimated by BitcoindBackend.
var feeTargets = []int64{1, 2, 3, 6, 12, 24, 144}

// BitcoindBackend reads chain data from a Bitcoin Core node. Address lookups use the node wallet, so the addresses
// must be imported as watch-only.
type BitcoindBackend struct {
	rpc *rpcclient.Client
}

var _ Backend = (*BitcoindBackend)(nil)

// NewBitcoindBackend connects to the node described by cfg.
func NewBitcoindBackend(cfg *rpcclient.ConnConfig) (*BitcoindBackend, error) {
	cfg.HTTPPostMode = true
	cfg.DisableTLS = true

	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &BitcoindBackend{rpc: client}, nil
}

// Close shuts down the RPC client.
func (b *BitcoindBackend) Close() { b.rpc.Shutdown() }

func notFound(err error, what string) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && (rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey || rpcErr.Code == btcjson.ErrRPCNoTxInfo) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}

	return err
}

// TipHeight implements Backend.
func (b *BitcoindBackend) TipHeight(context.Context) (uint32, error) {
	n, err := b.rpc.GetBlockCount()
	if err != nil {
		return 0, err
	}

	return uint32(n), nil
}

// TipHash implements Backend.
func (b *BitcoindBackend) TipHash(context.Context) (chainhash.Hash, error) {
	h, err := b.rpc.GetBestBlockHash()
	if err != nil {
		return chainhash.Hash{}, err
	}

	return *h, nil
}

// Tx implements Backend.
func (b *BitcoindBackend) Tx(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := b.rpc.GetRawTransaction(&txid)
	if err != nil {
		return nil, notFound(err, "tx "+txid.String())
	}

	return tx.MsgTx(), nil
}

// TxStatus implements Backend.
func (b *BitcoindBackend) TxStatus(_ context.Context, txid chainhash.Hash) (esplora.TxStatus, error) {
	res, err := b.rpc.GetRawTransactionVerbose(&txid)
	if err != nil {
		return esplora.TxStatus{}, notFound(err, "tx "+txid.String())
	}

	if res.BlockHash == "" || res.Confirmations == 0 {
		return esplora.TxStatus{}, nil
	}

	hash, err := chainhash.NewHashFromStr(res.BlockHash)
	if err != nil {
		return esplora.TxStatus{}, err
	}

	header, err := b.rpc.GetBlockHeaderVerbose(hash)
	if err != nil {
		return esplora.TxStatus{}, err
	}

	return esplora.TxStatus{Confirmed: true, BlockHeight: uint32(header.Height), BlockHash: res.BlockHash,
		BlockTime: res.Blocktime}, nil
}

// OutSpend implements Backend. Bitcoin Core keeps no spend index: a spent output is reported without its spending
// transaction.
func (b *BitcoindBackend) OutSpend(ctx context.Context, op wire.OutPoint) (esplora.OutSpend, error) {
	tx, err := b.Tx(ctx, op.Hash)
	if err != nil {
		return esplora.OutSpend{}, err
	}

	if int(op.Index) >= len(tx.TxOut) {
		return esplora.OutSpend{}, fmt.Errorf("%w: output %s", ErrNotFound, op)
	}

	out, err := b.rpc.GetTxOut(&op.Hash, op.Index, true)
	if err != nil {
		return esplora.OutSpend{}, err
	}

	return esplora.OutSpend{Spent: out == nil}, nil
}

// AddressUTXOs implements Backend.
func (b *BitcoindBackend) AddressUTXOs(ctx context.Context, addr btcutil.Address) ([]esplora.UTXO, error) {
	unspent, err := b.rpc.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, err
	}

	tip, err := b.TipHeight(ctx)
	if err != nil {
		return nil, err
	}

	utxos := make([]esplora.UTXO, 0, len(unspent))

	for _, u := range unspent {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}

		utxo := esplora.UTXO{TxID: u.TxID, Vout: u.Vout, Value: int64(amount)}
		if u.Confirmations > 0 {
			utxo.Status = esplora.TxStatus{Confirmed: true, BlockHeight: tip - uint32(u.Confirmations) + 1}
		}

		utxos = append(utxos, utxo)
	}

	return utxos, nil
}

// FeeEstimates implements Backend. Targets the node cannot estimate are left out.
func (b *BitcoindBackend) FeeEstimates(context.Context) (esplora.FeeEstimates, error) {
	fees := esplora.FeeEstimates{}

	for _, target := range feeTargets {
		res, err := b.rpc.EstimateSmartFee(target, &btcjson.EstimateModeConservative)
		if err != nil {
			return nil, err
		}

		if res.FeeRate == nil {
			continue
		}

		// BTC/kvB to sat/vB
		fees[strconv.FormatInt(target, 10)] = *res.FeeRate * btcutil.SatoshiPerBitcoin / 1000
	}

	return fees, nil
}

// Broadcast implements Backend.
func (b *BitcoindBackend) Broadcast(_ context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	h, err := b.rpc.SendRawTransaction(tx, false)
	if err != nil {
		return tx.TxHash(), fmt.Errorf("%w: %w", ErrRejected, err)
	}

	return *h, nil
}
