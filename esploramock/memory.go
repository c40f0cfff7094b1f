package esploramock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
)

const mempoolHeight = -1

type memTx struct {
	tx     *wire.MsgTx
	height int32
	// funding transactions have no real inputs
	funding bool
}

type spend struct {
	txid chainhash.Hash
	vin  uint32
}

// MemoryChain is a regtest chain held in memory. Broadcast transactions go to the mempool after their inputs and
// scripts are checked; Mine confirms the mempool.
type MemoryChain struct {
	mu      sync.Mutex
	params  *chaincfg.Params
	blocks  []chainhash.Hash
	txs     map[chainhash.Hash]*memTx
	spends  map[wire.OutPoint]spend
	mempool []chainhash.Hash
	fees    esplora.FeeEstimates
	funded  uint32
}

var _ Backend = (*MemoryChain)(nil)

// NewMemoryChain returns a chain holding only a genesis block.
func NewMemoryChain(params *chaincfg.Params) *MemoryChain {
	m := &MemoryChain{
		params: params,
		txs:    make(map[chainhash.Hash]*memTx),
		spends: make(map[wire.OutPoint]spend),
		fees:   esplora.FeeEstimates{},
	}
	m.blocks = append(m.blocks, *params.GenesisHash)

	return m
}

// Fund puts in the mempool a transaction paying amount to addr and returns the funded outpoint.
func (m *MemoryChain) Fund(addr btcutil.Address, amount btcutil.Amount) (wire.OutPoint, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.funded++

	// a unique null-like input makes every funding transaction distinct
	var prev chainhash.Hash

	binary.LittleEndian.PutUint32(prev[:], m.funded)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev, Index: wire.MaxPrevOutIndex}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))

	txid := tx.TxHash()
	m.txs[txid] = &memTx{tx: tx, height: mempoolHeight, funding: true}
	m.mempool = append(m.mempool, txid)

	return wire.OutPoint{Hash: txid, Index: 0}, nil
}

// Mine appends n blocks, the first one confirming the mempool, and returns their hashes.
func (m *MemoryChain) Mine(n int) []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := make([]chainhash.Hash, 0, n)

	for i := 0; i < n; i++ {
		height := int32(len(m.blocks))

		var seed [8]byte

		binary.LittleEndian.PutUint32(seed[:4], uint32(height))
		binary.LittleEndian.PutUint32(seed[4:], uint32(len(m.mempool)))

		hash := chainhash.DoubleHashH(append(m.blocks[height-1][:], seed[:]...))
		m.blocks = append(m.blocks, hash)
		hashes = append(hashes, hash)

		for _, txid := range m.mempool {
			m.txs[txid].height = height
		}

		m.mempool = nil
	}

	return hashes
}

// SetFeeEstimates sets the fee estimates served.
func (m *MemoryChain) SetFeeEstimates(fees esplora.FeeEstimates) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fees = fees
}

// Mempool returns the transactions waiting to be mined.
func (m *MemoryChain) Mempool() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := make([]*wire.MsgTx, len(m.mempool))
	for i, txid := range m.mempool {
		txs[i] = m.txs[txid].tx
	}

	return txs
}

// TipHeight implements Backend.
func (m *MemoryChain) TipHeight(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint32(len(m.blocks) - 1), nil
}

// TipHash implements Backend.
func (m *MemoryChain) TipHash(context.Context) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocks[len(m.blocks)-1], nil
}

// Tx implements Backend.
func (m *MemoryChain) Tx(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrNotFound, txid)
	}

	return t.tx.Copy(), nil
}

func (m *MemoryChain) status(t *memTx) esplora.TxStatus {
	if t.height == mempoolHeight {
		return esplora.TxStatus{}
	}

	return esplora.TxStatus{Confirmed: true, BlockHeight: uint32(t.height), BlockHash: m.blocks[t.height].String()}
}

// TxStatus implements Backend.
func (m *MemoryChain) TxStatus(_ context.Context, txid chainhash.Hash) (esplora.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txid]
	if !ok {
		return esplora.TxStatus{}, fmt.Errorf("%w: tx %s", ErrNotFound, txid)
	}

	return m.status(t), nil
}

// OutSpend implements Backend.
func (m *MemoryChain) OutSpend(_ context.Context, op wire.OutPoint) (esplora.OutSpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[op.Hash]
	if !ok || int(op.Index) >= len(t.tx.TxOut) {
		return esplora.OutSpend{}, fmt.Errorf("%w: output %s", ErrNotFound, op)
	}

	s, ok := m.spends[op]
	if !ok {
		return esplora.OutSpend{}, nil
	}

	return esplora.OutSpend{Spent: true, TxID: s.txid.String(), Vin: s.vin, Status: m.status(m.txs[s.txid])}, nil
}

// AddressUTXOs implements Backend. Outputs spent in the mempool are excluded.
func (m *MemoryChain) AddressUTXOs(_ context.Context, addr btcutil.Address) ([]esplora.UTXO, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var utxos []esplora.UTXO

	for txid, t := range m.txs {
		for i, out := range t.tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if _, spent := m.spends[op]; spent || string(out.PkScript) != string(script) {
				continue
			}

			utxos = append(utxos, esplora.UTXO{TxID: txid.String(), Vout: uint32(i), Status: m.status(t),
				Value: out.Value})
		}
	}

	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}

		return utxos[i].Vout < utxos[j].Vout
	})

	return utxos, nil
}

// FeeEstimates implements Backend.
func (m *MemoryChain) FeeEstimates(context.Context) (esplora.FeeEstimates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fees := make(esplora.FeeEstimates, len(m.fees))
	for k, v := range m.fees {
		fees[k] = v
	}

	return fees, nil
}

// Broadcast implements Backend. Every input must spend an unspent output and satisfy its script; the outputs cannot
// exceed the inputs.
func (m *MemoryChain) Broadcast(_ context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return txid, fmt.Errorf("%w: %s already known", ErrRejected, txid)
	}

	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return txid, fmt.Errorf("%w: no inputs or no outputs", ErrRejected)
	}

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)

	var in int64

	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint

		prev, ok := m.txs[op.Hash]
		if !ok || int(op.Index) >= len(prev.tx.TxOut) {
			return txid, fmt.Errorf("%w: missing input %s", ErrRejected, op)
		}

		if s, spent := m.spends[op]; spent {
			return txid, fmt.Errorf("%w: input %s already spent by %s", ErrRejected, op, s.txid)
		}

		out := prev.tx.TxOut[op.Index]
		prevOuts.AddPrevOut(op, out)
		in += out.Value
	}

	var out int64
	for _, o := range tx.TxOut {
		out += o.Value
	}

	if out > in {
		return txid, fmt.Errorf("%w: outputs %d exceed inputs %d", ErrRejected, out, in)
	}

	hashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i, txIn := range tx.TxIn {
		prev := prevOuts.FetchPrevOutput(txIn.PreviousOutPoint)

		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, hashes, prev.Value,
			prevOuts)
		if err != nil {
			return txid, fmt.Errorf("%w: input %d: %w", ErrRejected, i, err)
		}

		if err = vm.Execute(); err != nil {
			return txid, fmt.Errorf("%w: input %d script: %w", ErrRejected, i, err)
		}
	}

	for i, txIn := range tx.TxIn {
		m.spends[txIn.PreviousOutPoint] = spend{txid: txid, vin: uint32(i)}
	}

	m.txs[txid] = &memTx{tx: tx.Copy(), height: mempoolHeight}
	m.mempool = append(m.mempool, txid)

	log.Debugf("Accepted %s into the mempool: %d inputs, %d outputs, fee %d", txid, len(tx.TxIn), len(tx.TxOut),
		in-out)

	return txid, nil
}
