package core

import (
	"context"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/keys"
	"github.com/tarancss/rgbwallet/lib/rgb"
)

// IssueRequest describes a new fungible asset.
type IssueRequest struct {
	Ticker    string              `json:"ticker"`
	Name      string              `json:"name"`
	Precision uint8               `json:"precision"`
	Supply    uint64              `json:"supply"`
	Method    string              `json:"method,omitempty"`
	Fee       bitcoin.FeeStrategy `json:"fee"`
}

// Asset describes a contract held by the wallet.
type Asset struct {
	Contract  string `json:"contract"`
	Ticker    string `json:"ticker"`
	Name      string `json:"name"`
	Precision uint8  `json:"precision"`
	Supply    uint64 `json:"supply"`
	Method    string `json:"method"`
	Network   string `json:"network"`
	// Outpoint and Txid locate the issuer allocation of a newly issued asset.
	Outpoint string `json:"outpoint,omitempty"`
	Txid     string `json:"txid,omitempty"`
	Balance  uint64 `json:"balance"`
}

func assetOf(st *rgb.State) Asset {
	g := &st.Genesis

	return Asset{
		Contract:  st.Contract.String(),
		Ticker:    g.Ticker,
		Name:      g.Name,
		Precision: g.Precision,
		Supply:    g.Supply,
		Method:    g.Method.String(),
		Network:   g.Network,
		Balance:   st.Balance(),
	}
}

// Issue issues a new asset. A transaction creating a fresh wallet output is broadcast and the whole supply is
// allocated to that output.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Asset, error) {
	method, err := rgb.ParseMethod(req.Method)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "")
	}

	g := rgb.Genesis{
		Schema:    rgb.SchemaNIA,
		Ticker:    req.Ticker,
		Name:      req.Name,
		Precision: req.Precision,
		Supply:    req.Supply,
		Network:   s.cfg.Network.String(),
		Method:    method,
		CreatedAt: s.clock.Now().Unix(),
	}

	// check the asset before spending anything on it
	g.Allocations = []rgb.Assignment{rgb.Revealed(rgb.Seal{Txid: chainhash.Hash{1}}, req.Supply)}
	if err = g.Validate(); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "")
	}

	utxos, err := s.walletUTXOs(ctx)
	if err != nil {
		return nil, err
	}

	rate, err := s.feeRate(ctx, req.Fee)
	if err != nil {
		return nil, err
	}

	_, host, err := s.derive(keys.Internal)
	if err != nil {
		return nil, err
	}

	_, change, err := s.derive(keys.Internal)
	if err != nil {
		return nil, err
	}

	hostScript, err := scriptOf(host)
	if err != nil {
		return nil, s.internal(err, "cannot create script")
	}

	changeScript, err := scriptOf(change)
	if err != nil {
		return nil, s.internal(err, "cannot create script")
	}

	plan, err := bitcoin.Fund(nil, s.freeUTXOs(utxos, s.cfg.MinConf),
		[]*wire.TxOut{wire.NewTxOut(int64(bitcoin.AllocationValue), hostScript)}, rate, changeScript)
	if err != nil {
		return nil, fundErr(err)
	}

	tx, err := s.sign(plan)
	if err != nil {
		return nil, err
	}

	txid := tx.TxHash()

	blinding, err := random()
	if err != nil {
		return nil, s.internal(err, "cannot blind seal")
	}

	g.Allocations = []rgb.Assignment{rgb.Revealed(rgb.Seal{Txid: txid, Vout: 0, Blinding: blinding}, req.Supply)}

	o := &owner{ring: s.cfg.Ring, outs: make(map[wire.OutPoint][]byte)}
	o.addTx(tx)

	st, err := rgb.NewState(&g, o)
	if err != nil {
		return nil, s.internal(err, "cannot create contract state")
	}

	if err = s.createStash(st); err != nil {
		return nil, err
	}

	if _, err = s.cfg.Chain.Broadcast(ctx, tx); err != nil {
		if rmErr := os.RemoveAll(s.stashDir(st.Contract)); rmErr != nil {
			log.Errorf("Cannot remove stash of unissued contract %s: %v", st.Contract, rmErr)
		}

		return nil, chainErr(err, "cannot broadcast issuance of %s", st.Contract)
	}

	if err = s.recolor(st); err != nil {
		log.Errorf("Cannot record colored outputs of %s: %v", st.Contract, err)
	}

	s.mirror(ctx, st)

	asset := assetOf(st)
	asset.Outpoint = wire.OutPoint{Hash: txid, Index: 0}.String()
	asset.Txid = txid.String()

	log.Infof("Issued %s %q supply:%d precision:%d method:%s contract:%s txid:%s", g.Ticker, g.Name, g.Supply,
		g.Precision, method, st.Contract, txid)

	return &asset, nil
}

// createStash writes the stash of a new contract. It fails when the contract already has one.
func (s *Service) createStash(st *rgb.State) error {
	s.create.Lock()
	defer s.create.Unlock()

	if s.hasStash(st.Contract) {
		return errs.New(errs.InvalidInput, "contract %s already exists", st.Contract)
	}

	dir, err := s.cfg.Dir.ContractDir(st.Contract.String())
	if err != nil {
		return s.internal(err, "cannot create contract directory")
	}

	if err = rgb.Create(dir, st); err != nil {
		return s.internal(err, "cannot create stash of %s", st.Contract)
	}

	return nil
}

// feeRate returns the rate of the fee strategy.
func (s *Service) feeRate(ctx context.Context, f bitcoin.FeeStrategy) (bitcoin.SatPerVByte, error) {
	if f.Rate > 0 {
		return f.Rate, nil
	}

	target := f.TargetBlocks
	if target <= 0 {
		target = bitcoin.DefaultFeeTarget
	}

	rate, err := s.cfg.Chain.EstimateFee(ctx, target)
	if err != nil {
		return 0, chainErr(err, "cannot estimate fee for %d blocks", target)
	}

	return rate, nil
}

// sign builds, signs and finalizes the transaction of a plan.
func (s *Service) sign(plan *bitcoin.Plan) (*wire.MsgTx, error) {
	packet, err := plan.Packet()
	if err != nil {
		return nil, s.internal(err, "cannot build psbt")
	}

	tx, err := bitcoin.Sign(packet, s.cfg.Ring)
	if err != nil {
		return nil, s.internal(err, "cannot sign transaction")
	}

	return tx, nil
}

func fundErr(err error) error {
	if errors.Is(err, bitcoin.ErrInsufficientFunds) {
		return errs.Wrap(errs.InsufficientBitcoinFunds, err, "")
	}

	return errs.Wrap(errs.InvalidInput, err, "cannot fund transaction")
}
