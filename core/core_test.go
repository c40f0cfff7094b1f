package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/esploramock"
	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/keys"
	"github.com/tarancss/rgbwallet/lib/msg/memory"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
	"github.com/tarancss/rgbwallet/lib/rgb/lifecycle"
	"github.com/tarancss/rgbwallet/lib/store"
	"github.com/tarancss/rgbwallet/lib/store/fs"
	"github.com/tarancss/rgbwallet/validator"
)

type network struct {
	chain  *esploramock.MemoryChain
	client *esplora.Client
	// down makes the esplora server reply 503.
	down atomic.Bool
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	n := &network{chain: esploramock.NewMemoryChain(bitcoin.Regtest.Params())}
	h := esploramock.NewServer(n.chain, bitcoin.Regtest.Params()).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if n.down.Load() {
			http.Error(rw, "unavailable", http.StatusServiceUnavailable)

			return
		}

		h.ServeHTTP(rw, r)
	}))
	t.Cleanup(srv.Close)

	n.client = esplora.NewClient(esplora.ClientConfig{URL: srv.URL, Network: bitcoin.Regtest, MaxRetries: 1})

	return n
}

// flakyStash fails every save while fail is set.
type flakyStash struct {
	*rgb.BoltStash
	fail *atomic.Bool
}

func (f flakyStash) Save(st *rgb.State) error {
	if f.fail.Load() {
		return errors.New("no space left on device")
	}

	return f.BoltStash.Save(st)
}

type wallet struct {
	*Service
	dir    *fs.Dir
	broker *memory.Broker
	// failFlush makes the stash fail to save.
	failFlush atomic.Bool
}

// newWallet returns a funded wallet on the network.
func newWallet(t *testing.T, n *network, name string, seed byte, fund ...int64) *wallet {
	t.Helper()

	dir, err := fs.Open(t.TempDir(), name, bitcoin.Regtest.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	ring, err := keys.New(bytes.Repeat([]byte{seed}, 32), bitcoin.Regtest.Params())
	require.NoError(t, err)

	journal, err := dir.Journal()
	require.NoError(t, err)

	w := &wallet{dir: dir, broker: memory.New(64)}
	t.Cleanup(func() { _ = w.broker.Close() })

	w.Service, err = New(Config{
		Network: bitcoin.Regtest,
		Dir:     dir,
		Ring:    ring,
		Chain:   n.client,
		Cache:   cache.Config{MaxLive: 16, LeaseTimeout: 5 * time.Second},
		MinConf: 1,
		Journal: journal,
		Broker:  w.broker,
		OpenStash: func(dir string) (rgb.StashBackend, error) {
			b, err := rgb.OpenBoltStash(filepath.Join(dir, rgb.StashFile))
			if err != nil {
				return nil, err
			}

			return flakyStash{BoltStash: b, fail: &w.failFlush}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(w.Service.Close)

	for _, amount := range fund {
		addr, err := w.NewAddress()
		require.NoError(t, err)
		_, err = n.chain.Fund(addr, btcutil.Amount(amount))
		require.NoError(t, err)
	}

	n.chain.Mine(1)

	return w
}

// events drains the events published so far.
func (w *wallet) events(t *testing.T) []types.Event {
	t.Helper()

	var mut sync.Mutex

	eves, _, err := w.broker.GetEvents(bitcoin.Regtest.String(), &mut)
	require.NoError(t, err)

	var out []types.Event

	for {
		select {
		case e := <-eves:
			out = append(out, e)
			mut.Unlock()
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func issue(t *testing.T, n *network, w *wallet, method string) *Asset {
	t.Helper()

	asset, err := w.Issue(context.Background(), IssueRequest{
		Ticker:    "TST",
		Name:      "Test asset",
		Precision: 8,
		Supply:    1000,
		Method:    method,
		Fee:       bitcoin.FeeStrategy{TargetBlocks: 6},
	})
	require.NoError(t, err)
	n.chain.Mine(1)

	return asset
}

func contract(t *testing.T, a *Asset) rgb.ContractID {
	t.Helper()

	cid, err := rgb.ParseContractID(a.Contract)
	require.NoError(t, err)

	return cid
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	w := newWallet(t, n, "issuer", 1, 100_000)

	asset := issue(t, n, w, "")
	cid := contract(t, asset)

	bal, err := w.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.Balance)
	require.EqualValues(t, 8, bal.Precision)
	require.Equal(t, "opret", bal.Method)
	require.Equal(t, []Holding{{Outpoint: asset.Outpoint, Amount: 1000}}, bal.Allocations)

	// the issuer allocation sits on a fresh wallet output of the issuance transaction
	txid, err := chainhash.NewHashFromStr(asset.Txid)
	require.NoError(t, err)
	require.Equal(t, asset.Txid+":0", asset.Outpoint)

	tx, err := n.client.GetTx(ctx, *txid)
	require.NoError(t, err)
	require.EqualValues(t, bitcoin.AllocationValue, tx.MsgTx.TxOut[0].Value)

	// the colored output does not pay fees of a second issuance
	asset2 := issue(t, n, w, "tapret")
	require.NotEqual(t, asset.Contract, asset2.Contract)
	require.ElementsMatch(t, []rgb.ContractID{cid, contract(t, asset2)}, w.Contracts())

	bal, err = w.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.Balance)

	_, err = w.Issue(ctx, IssueRequest{Ticker: "", Supply: 1})
	require.True(t, errs.Is(err, errs.InvalidInput), err)

	_, err = w.Issue(ctx, IssueRequest{Ticker: "BIG", Name: "big", Supply: 1, Fee: bitcoin.FeeStrategy{Rate: 1_000_000}})
	require.True(t, errs.Is(err, errs.InsufficientBitcoinFunds), err)

	_, err = w.Balance(ctx, rgb.ContractID{1})
	require.True(t, errs.Is(err, errs.NotFound), err)
}

func TestInvoice(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	w := newWallet(t, n, "receiver", 2, 50_000)

	var cid rgb.ContractID

	cid[0] = 42

	blinded, err := w.GenerateInvoice(ctx, cid, InvoiceRequest{Amount: 100})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(blinded, "rgb:"+cid.String()+"/BF+0/100/at:"), blinded)

	inv, err := w.ParseInvoice(blinded)
	require.NoError(t, err)
	require.Equal(t, cid, inv.Contract)
	require.Equal(t, uint64(100), inv.Amount.UnwrapOr(0))

	token, ok := inv.ExtractSeal()
	require.True(t, ok)

	// the token conceals the seal kept in the wallet state
	st := w.dir.State()
	require.Len(t, st.SecretSeals, 1)

	ss, ok := st.SecretSeals[hex.EncodeToString(token[:])]
	require.True(t, ok)
	require.Equal(t, cid.String(), ss.Contract)

	op, err := parseOutpoint(ss.Outpoint)
	require.NoError(t, err)
	require.Equal(t, token, rgb.Seal{Txid: op.Hash, Vout: op.Index, Blinding: ss.Blinding}.Conceal())

	_, err = inv.RecipientAddress()
	require.ErrorIs(t, err, rgb.ErrOpaqueBeneficiary)

	// the only free output is reserved
	_, err = w.GenerateInvoice(ctx, cid, InvoiceRequest{Amount: 5})
	require.True(t, errs.Is(err, errs.InsufficientBitcoinFunds), err)

	invoice, err := w.GenerateInvoice(ctx, cid, InvoiceRequest{Beneficiary: BeneficiaryWitness})
	require.NoError(t, err)

	inv, err = w.ParseInvoice(invoice)
	require.NoError(t, err)
	require.True(t, inv.Amount.IsNone())

	addr, err := inv.RecipientAddress()
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	require.True(t, w.cfg.Ring.Owns(script))

	_, err = w.GenerateInvoice(ctx, cid, InvoiceRequest{Beneficiary: "nobody"})
	require.True(t, errs.Is(err, errs.InvalidInput), err)

	mainnet := strings.Replace(blinded, "?net=regtest", "?net=mainnet", 1)
	_, err = w.ParseInvoice(mainnet)
	require.True(t, errs.Is(err, errs.NetworkMismatch), err)

	_, err = w.ParseInvoice("rgb:nonsense")
	require.True(t, errs.Is(err, errs.InvalidInput), err)
}

func TestTransferBlinded(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	alice := newWallet(t, n, "alice", 1, 100_000)
	bob := newWallet(t, n, "bob", 2, 50_000)

	asset := issue(t, n, alice, "")
	cid := contract(t, asset)

	invoice, err := bob.GenerateInvoice(ctx, cid, InvoiceRequest{Amount: 100})
	require.NoError(t, err)

	// the amount of the request prevails over the one of the invoice
	art, err := alice.SendTransfer(ctx, TransferRequest{Invoice: invoice, Amount: 250,
		Fee: bitcoin.FeeStrategy{TargetBlocks: 6}})
	require.NoError(t, err)
	require.NotEmpty(t, art.Consignment)
	require.Positive(t, art.Fee)

	mempool := n.chain.Mempool()
	require.Len(t, mempool, 1)
	require.Equal(t, art.Txid, mempool[0].TxHash().String())

	// [0] commitment, [1] rgb change, [2] bitcoin change
	tx := mempool[0]
	require.Len(t, tx.TxOut, 3)
	require.Equal(t, txscript.NullDataTy, txscript.GetScriptClass(tx.TxOut[0].PkScript))
	require.EqualValues(t, bitcoin.AllocationValue, tx.TxOut[1].Value)

	// the commitment of the transaction is the one of the transition in the consignment
	c, err := rgb.DecodeConsignment(art.Consignment)
	require.NoError(t, err)
	require.Len(t, c.Bundles, 1)
	require.NoError(t, rgb.VerifyAnchor(&c.Bundles[0], tx))

	require.NotNil(t, art.Change)
	require.EqualValues(t, 750, art.Change.Amount)
	require.Equal(t, art.Txid+":1", art.Change.Outpoint.String())

	bal, err := alice.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 750, bal.Balance)

	// the witness transaction has no confirmation yet
	_, err = bob.AcceptConsignment(ctx, art.Consignment)
	require.True(t, errs.Is(err, errs.ConsignmentInvalid), err)
	require.Empty(t, bob.Contracts())

	n.chain.Mine(1)

	res, err := bob.AcceptConsignment(ctx, art.Consignment)
	require.NoError(t, err)
	require.Equal(t, &AcceptResult{Contract: cid.String(), Transitions: 1, Received: 250, Balance: 250}, res)

	bal, err = bob.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 250, bal.Balance)
	require.Empty(t, bob.dir.State().SecretSeals)
	require.Len(t, bob.dir.State().Colored, 1)

	// accepting again changes nothing
	res, err = bob.AcceptConsignment(ctx, art.Consignment)
	require.NoError(t, err)
	require.Equal(t, 0, res.Transitions)
	require.EqualValues(t, 250, res.Balance)

	ts, err := alice.Transfers(cid.String())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	require.Equal(t, store.StatusCommitted, ts[0].Status)
	require.Equal(t, art.Txid, ts[0].Txid)
	require.EqualValues(t, 250, ts[0].Amount)

	eves := alice.events(t)
	require.Len(t, eves, 1)
	require.Equal(t, types.TransferBroadcast, eves[0].Type)
	require.Equal(t, "regtest.transfer.broadcast."+art.Txid, eves[0].RoutingKey())

	eves = bob.events(t)
	require.Len(t, eves, 2)
	require.Equal(t, types.ConsignmentAccepted, eves[0].Type)

	// bob spends part of what he received back to alice
	invoice, err = alice.GenerateInvoice(ctx, cid, InvoiceRequest{Beneficiary: BeneficiaryWitness, Amount: 50})
	require.NoError(t, err)

	_, err = bob.SendTransfer(ctx, TransferRequest{Invoice: invoice, Fee: bitcoin.FeeStrategy{Rate: 2}})
	require.NoError(t, err)

	bal, err = bob.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 200, bal.Balance)

	_, err = bob.SendTransfer(ctx, TransferRequest{Invoice: invoice, Amount: 1000})
	require.True(t, errs.Is(err, errs.InsufficientRgbFunds), err)

	ts, err = bob.Transfers(cid.String())
	require.NoError(t, err)
	require.Len(t, ts, 2)
}

func TestTransferTapret(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	alice := newWallet(t, n, "alice", 1, 100_000)
	bob := newWallet(t, n, "bob", 2)

	asset := issue(t, n, alice, "tapret")
	cid := contract(t, asset)

	invoice, err := bob.GenerateInvoice(ctx, cid, InvoiceRequest{Beneficiary: BeneficiaryWitness, Amount: 300})
	require.NoError(t, err)

	art, err := alice.SendTransfer(ctx, TransferRequest{Invoice: invoice, Fee: bitcoin.FeeStrategy{Rate: 1}})
	require.NoError(t, err)

	// [0] tweaked wallet output with the rgb change, [1] recipient, [2] bitcoin change
	require.Len(t, art.Tx.TxOut, 3)
	require.Equal(t, txscript.WitnessV1TaprootTy, txscript.GetScriptClass(art.Tx.TxOut[0].PkScript))
	require.True(t, alice.cfg.Ring.Owns(art.Tx.TxOut[0].PkScript))
	require.Equal(t, art.Txid+":0", art.Change.Outpoint.String())
	require.Len(t, alice.dir.State().Tapret, 1)

	n.chain.Mine(1)

	res, err := bob.AcceptConsignment(ctx, art.Consignment)
	require.NoError(t, err)
	require.EqualValues(t, 300, res.Received)

	bal, err := alice.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 700, bal.Balance)

	rep, err := alice.Validate(ctx, cid, nil)
	require.NoError(t, err)
	require.True(t, rep.Consistent, "%+v", rep)
	require.Equal(t, 1, rep.Count(validator.Confirmed))
}

func TestAcceptRejected(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	alice := newWallet(t, n, "alice", 1, 100_000)
	bob := newWallet(t, n, "bob", 2)

	_, err := bob.AcceptConsignment(ctx, []byte("garbage"))
	require.True(t, errs.Is(err, errs.ConsignmentInvalid), err)

	asset := issue(t, n, alice, "")
	cid := contract(t, asset)

	blob, err := alice.ExportConsignment(ctx, cid)
	require.NoError(t, err)

	// a consignment with a bundle anchored to an unknown transaction is refused as a whole
	c, err := rgb.DecodeConsignment(blob)
	require.NoError(t, err)

	issued, err := parseOutpoint(asset.Outpoint)
	require.NoError(t, err)

	forgedBundle := rgb.Bundle{
		Transition: rgb.Transition{
			Contract:    cid,
			Inputs:      []wire.OutPoint{issued},
			Assignments: []rgb.Assignment{rgb.Revealed(rgb.WitnessSeal(1), 1000)},
			Nonce:       1,
		},
		Anchor: rgb.Anchor{Txid: chainhash.Hash{1}, Method: rgb.Opret},
	}
	c.Bundles = append(c.Bundles, forgedBundle)

	forged, err := c.Encode()
	require.NoError(t, err)

	_, err = bob.AcceptConsignment(ctx, forged)
	require.True(t, errs.Is(err, errs.ConsignmentInvalid), err)
	require.Empty(t, bob.Contracts())

	// the genesis consignment gives a new wallet the allocations of the issuer
	res, err := bob.AcceptConsignment(ctx, blob)
	require.NoError(t, err)
	require.Zero(t, res.Received)

	theirs, err := bob.ExportConsignment(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, blob, theirs)
}

func TestConcurrentLeases(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	w := newWallet(t, n, "alice", 1, 100_000)
	cid := contract(t, issue(t, n, w, ""))

	const tasks = 32

	holder, err := w.Cache().Lease(ctx, cid)
	require.NoError(t, err)

	var (
		running atomic.Int32
		mu      sync.Mutex
		order   []int
		wg      sync.WaitGroup
	)

	for i := 0; i < tasks; i++ {
		i := i
		wg.Add(1)

		go func() {
			defer wg.Done()

			g, err := w.Cache().Lease(ctx, cid)
			if !assert.NoError(t, err) {
				return
			}

			assert.EqualValues(t, 1, running.Add(1))

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)
			running.Add(-1)
			assert.NoError(t, g.Release())
		}()

		// enqueue one task at a time
		require.Eventually(t, func() bool { return w.Cache().Stats().Waiters == i+1 }, time.Second,
			time.Millisecond)
	}

	require.NoError(t, holder.Release())
	wg.Wait()

	want := make([]int, tasks)
	for i := range want {
		want[i] = i
	}

	require.Equal(t, want, order)
}

func TestIdleEviction(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	w := newWallet(t, n, "alice", 1, 10_000, 10_000, 10_000, 10_000, 10_000, 10_000, 10_000, 10_000, 10_000, 10_000)

	var cids []rgb.ContractID
	for i := 0; i < 10; i++ {
		cids = append(cids, contract(t, issue(t, n, w, "")))
	}

	// a cache over the same stashes, capped at 4 live runtimes
	c := cache.New[*rgb.Runtime](w.open, cache.Config{MaxLive: 4, LeaseTimeout: time.Second})

	m := lifecycle.New(c, lifecycle.Config{IdleTTL: 100 * time.Millisecond, SweepPeriod: 20 * time.Millisecond,
		Grace: time.Second}, nil)
	m.Start(ctx)

	for _, cid := range cids {
		g, err := c.Lease(ctx, cid)
		require.NoError(t, err)
		require.NoError(t, g.Release())
		require.LessOrEqual(t, c.Stats().Live, 4)
	}

	time.Sleep(200 * time.Millisecond)
	require.LessOrEqual(t, c.Stats().Live, 4)
	require.Eventually(t, func() bool { return c.Stats().Live == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Shutdown(ctx))
}

func TestPartialCommit(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	alice := newWallet(t, n, "alice", 1, 100_000)
	bob := newWallet(t, n, "bob", 2, 50_000)

	cid := contract(t, issue(t, n, alice, ""))

	invoice, err := bob.GenerateInvoice(ctx, cid, InvoiceRequest{Amount: 250})
	require.NoError(t, err)

	alice.failFlush.Store(true)

	_, err = alice.SendTransfer(ctx, TransferRequest{Invoice: invoice, Fee: bitcoin.FeeStrategy{Rate: 1}})
	require.True(t, errs.Is(err, errs.PartialCommit), err)

	// the transaction made it to the chain
	mempool := n.chain.Mempool()
	require.Len(t, mempool, 1)

	txid := errs.TxidOf(err)
	require.Equal(t, mempool[0].TxHash().String(), txid)

	_, err = alice.Balance(ctx, cid)
	require.True(t, errs.Is(err, errs.PoisonedRuntime), err)

	_, err = alice.SendTransfer(ctx, TransferRequest{Invoice: invoice})
	require.True(t, errs.Is(err, errs.PoisonedRuntime), err)

	ts, err := alice.Transfers(cid.String())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	require.Equal(t, store.StatusPartial, ts[0].Status)
	require.Equal(t, txid, ts[0].Txid)

	eves := alice.events(t)
	require.Len(t, eves, 2)
	require.Equal(t, types.TransferBroadcast, eves[0].Type)
	require.Equal(t, types.TransferPartial, eves[1].Type)

	// recovery needs the chain: the contract stays poisoned while it is unreachable
	alice.failFlush.Store(false)
	n.down.Store(true)

	_, err = alice.Recover(ctx, cid)
	require.True(t, errs.Is(err, errs.Upstream), err)

	_, err = alice.Balance(ctx, cid)
	require.True(t, errs.Is(err, errs.PoisonedRuntime), err)
	require.Equal(t, 1, alice.Cache().Stats().Poisoned)

	// recovery replays the broadcast transfer
	n.down.Store(false)

	rec, err := alice.Recover(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, &RecoverResult{Contract: cid.String(), Replayed: 1, Balance: 750}, rec)

	bal, err := alice.Balance(ctx, cid)
	require.NoError(t, err)
	require.EqualValues(t, 750, bal.Balance)

	_, err = alice.Recover(ctx, cid)
	require.True(t, errs.Is(err, errs.InvalidInput), err)

	// the recipient gets the transfer from a fresh export
	n.chain.Mine(1)

	blob, err := alice.ExportConsignment(ctx, cid)
	require.NoError(t, err)

	res, err := bob.AcceptConsignment(ctx, blob)
	require.NoError(t, err)
	require.EqualValues(t, 250, res.Balance)
}

func TestLeaseTimeout(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	w := newWallet(t, n, "alice", 1, 100_000)
	cid := contract(t, issue(t, n, w, ""))

	g, err := w.Cache().Lease(ctx, cid)
	require.NoError(t, err)

	defer func() { require.NoError(t, g.Release()) }()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = w.Balance(short, cid)
	require.True(t, errs.Is(err, errs.LeaseTimeout), fmt.Sprint(err))
}
