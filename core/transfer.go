package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/keys"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/store"
	"github.com/tarancss/rgbwallet/lib/store/fs"
)

// TransferRequest asks to pay an invoice.
type TransferRequest struct {
	Invoice string `json:"invoice"`
	// Amount to transfer. Zero pays the amount of the invoice.
	Amount uint64              `json:"amount,omitempty"`
	Fee    bitcoin.FeeStrategy `json:"fee"`
	// ChangeAddress receives the bitcoin change. Defaults to a new wallet address.
	ChangeAddress string `json:"changeAddress,omitempty"`
	// MinConf is the confirmations required from the bitcoin inputs paying the fee. Defaults to the wallet setting.
	MinConf *int `json:"minConfirmations,omitempty"`
}

// TransferArtifact is the result of a transfer.
type TransferArtifact struct {
	ID          string           `json:"id"`
	Contract    string           `json:"contract"`
	Txid        string           `json:"txid"`
	Tx          *wire.MsgTx      `json:"-"`
	Consignment []byte           `json:"consignment"`
	Allocations []rgb.Allocation `json:"-"`
	Change      *rgb.Allocation  `json:"-"`
	Fee         btcutil.Amount   `json:"fee"`
}

// MarshalJSON reports the allocations of the artifact as holdings.
func (a TransferArtifact) MarshalJSON() ([]byte, error) {
	type plain TransferArtifact

	out := struct {
		plain
		Allocations []Holding `json:"allocations"`
		Change      *Holding  `json:"change,omitempty"`
	}{plain: plain(a), Allocations: []Holding{}}

	for _, al := range a.Allocations {
		out.Allocations = append(out.Allocations, Holding{Outpoint: al.Outpoint.String(), Amount: al.Amount})
	}

	if a.Change != nil {
		out.Change = &Holding{Outpoint: a.Change.Outpoint.String(), Amount: a.Change.Amount}
	}

	return json.Marshal(out)
}

// layout is the output layout of a transfer transaction, before funding.
type layout struct {
	outputs []*wire.TxOut
	// anchor is the output hosting the commitment.
	anchor   uint32
	internal *keys.Key
	keyIndex uint32
	root     []byte
}

// SendTransfer pays an invoice. The runtime of the contract is leased for the whole operation. The transaction is
// broadcast before the new state is committed: a rejected broadcast leaves the stash untouched, while a stash that
// cannot be saved after a successful broadcast poisons the runtime and returns a PartialCommit error carrying the
// txid.
func (s *Service) SendTransfer(ctx context.Context, req TransferRequest) (*TransferArtifact, error) {
	inv, err := s.ParseInvoice(req.Invoice)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if amount == 0 {
		amount = inv.Amount.UnwrapOr(0)
	}

	if amount == 0 {
		return nil, errs.New(errs.InvalidInput, "the invoice has no amount, one must be given")
	}

	inv.Amount.WhenSome(func(a uint64) {
		if a != amount {
			log.Infof("Paying %d to an invoice of %d", amount, a)
		}
	})

	minConf := s.cfg.MinConf
	if req.MinConf != nil {
		minConf = *req.MinConf
	}

	var changeScript []byte

	if req.ChangeAddress != "" {
		addr, err := s.cfg.Network.DecodeAddress(req.ChangeAddress)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "change address")
		}

		if changeScript, err = scriptOf(addr); err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "change address")
		}
	}

	cid := inv.Contract
	t := store.Transfer{
		ID:        uuid.NewString(),
		Contract:  cid.String(),
		Network:   s.cfg.Network.String(),
		Invoice:   req.Invoice,
		Amount:    amount,
		Status:    store.StatusPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	t.UpdatedAt = t.CreatedAt

	guard, err := s.lease(ctx, cid, true)
	if err != nil {
		return nil, err
	}

	// until the broadcast succeeds nothing done under this lease may reach the stash
	guard.AbortOnDrop(true)

	defer func() {
		if err := guard.Release(); err != nil {
			log.Errorf("Release of %s failed: %v", cid, err)
		}
	}()

	s.journalSave(t)

	art, err := s.transfer(ctx, guard.Runtime(), inv, amount, minConf, req.Fee, changeScript, &t)
	if err != nil {
		if !errs.Is(err, errs.PartialCommit) {
			s.journalUpdate(t.ID, store.StatusFailed, "", err)
		}

		return nil, err
	}

	guard.AbortOnDrop(false)

	if err = guard.Flush(); err != nil {
		pe := errs.Partial(art.Txid, err)
		log.Errorf("Transfer %s broadcast as %s but the stash of %s was not saved: %v", t.ID, art.Txid, cid, err)

		s.journalUpdate(t.ID, store.StatusPartial, art.Txid, err)
		s.keepRecovery(cid, art.Consignment)
		s.publish(types.TransferPartial, art.Txid, types.Transfer{Contract: cid.String(), Txid: art.Txid,
			Amount: amount, Invoice: req.Invoice, Error: err.Error()})

		return nil, pe
	}

	s.journalUpdate(t.ID, store.StatusCommitted, art.Txid, nil)

	st := guard.Runtime().State()
	if err = s.recolor(st); err != nil {
		log.Errorf("Cannot record colored outputs of %s: %v", cid, err)
	}

	s.mirror(ctx, st)

	log.Infof("Transfer %s of %d %s committed txid:%s fee:%v", t.ID, amount, cid, art.Txid, art.Fee)

	return art, nil
}

// transfer runs the pipeline under the lease up to the commit of the runtime: select allocations and bitcoin
// inputs, build the transition and its witness transaction, sign and broadcast it.
func (s *Service) transfer(ctx context.Context, rt *rgb.Runtime, inv rgb.Invoice, amount uint64, minConf int,
	fee bitcoin.FeeStrategy, changeScript []byte, t *store.Transfer) (*TransferArtifact, error) {
	cid := inv.Contract
	method := rt.State().Genesis.Method

	selected, err := selectAllocations(rt.State().Unspent(true), amount)
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, a := range selected {
		total += a.Amount
	}

	// every output carrying a selected allocation must be spent
	utxos, err := s.walletUTXOs(ctx)
	if err != nil {
		return nil, err
	}

	required, err := requiredInputs(selected, utxos, cid)
	if err != nil {
		return nil, err
	}

	nonce, err := random()
	if err != nil {
		return nil, s.internal(err, "cannot draw nonce")
	}

	tr := rgb.Transition{Contract: cid, Nonce: nonce}
	for _, a := range selected {
		tr.Inputs = append(tr.Inputs, a.Outpoint)
	}

	// outputs: [commitment host] [rgb change, opret only] [recipient witness output] [bitcoin change]
	lay := &layout{}
	vout := uint32(1)

	var changeVout uint32

	if method == rgb.Tapret {
		changeVout = 0
	} else {
		changeVout = vout
	}

	var recipient *wire.TxOut

	change := total - amount
	if change > 0 {
		blinding, err := random()
		if err != nil {
			return nil, s.internal(err, "cannot blind seal")
		}

		tr.Assignments = append(tr.Assignments, rgb.Revealed(rgb.Seal{Vout: changeVout, Blinding: blinding}, change))

		if method == rgb.Opret {
			vout++
		}
	}

	if token, ok := inv.ExtractSeal(); ok {
		tr.Assignments = append(tr.Assignments, rgb.Concealed(token, amount))
	} else {
		addr, err := inv.RecipientAddress()
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "recipient")
		}

		script, err := scriptOf(addr)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "recipient")
		}

		blinding, err := random()
		if err != nil {
			return nil, s.internal(err, "cannot blind seal")
		}

		recipient = wire.NewTxOut(int64(bitcoin.AllocationValue), script)
		tr.Assignments = append(tr.Assignments, rgb.Revealed(rgb.Seal{Vout: vout, Blinding: blinding}, amount))
	}

	tid, err := tr.ID()
	if err != nil {
		return nil, s.internal(err, "cannot compute transition id")
	}

	commitment := rgb.Commitment(cid, tid)

	switch method {
	case rgb.Tapret:
		if lay.internal, lay.keyIndex, err = s.deriveTaproot(); err != nil {
			return nil, err
		}

		lay.root = commitment[:]

		addr, err := s.cfg.Ring.Tweaked(lay.internal, lay.root)
		if err != nil {
			return nil, s.internal(err, "cannot tweak taproot key")
		}

		script, err := scriptOf(addr)
		if err != nil {
			return nil, s.internal(err, "cannot create script")
		}

		lay.outputs = append(lay.outputs, wire.NewTxOut(int64(bitcoin.AllocationValue), script))
	default:
		script, err := rgb.CommitmentScript(rgb.Opret, commitment, nil)
		if err != nil {
			return nil, s.internal(err, "cannot create commitment")
		}

		lay.outputs = append(lay.outputs, wire.NewTxOut(0, script))

		if change > 0 {
			_, addr, err := s.derive(keys.Internal)
			if err != nil {
				return nil, err
			}

			script, err := scriptOf(addr)
			if err != nil {
				return nil, s.internal(err, "cannot create script")
			}

			lay.outputs = append(lay.outputs, wire.NewTxOut(int64(bitcoin.AllocationValue), script))
		}
	}

	if recipient != nil {
		lay.outputs = append(lay.outputs, recipient)
	}

	if changeScript == nil {
		_, addr, err := s.derive(keys.Internal)
		if err != nil {
			return nil, err
		}

		if changeScript, err = scriptOf(addr); err != nil {
			return nil, s.internal(err, "cannot create script")
		}
	}

	rate, err := s.feeRate(ctx, fee)
	if err != nil {
		return nil, err
	}

	plan, err := bitcoin.Fund(required, s.freeUTXOs(utxos, minConf), lay.outputs, rate, changeScript)
	if err != nil {
		return nil, fundErr(err)
	}

	tx, err := s.sign(plan)
	if err != nil {
		return nil, err
	}

	txid := tx.TxHash()
	bundle := rgb.Bundle{Transition: tr, Anchor: rgb.Anchor{Txid: txid, Method: method, Output: lay.anchor}}

	if lay.internal != nil {
		copy(bundle.Anchor.InternalKey[:], lay.internal.Pub().SerializeCompressed())
	}

	if err = rgb.VerifyAnchor(&bundle, tx); err != nil {
		return nil, s.internal(err, "witness transaction does not anchor the transition")
	}

	o := s.owner(cid)
	o.addTx(tx)

	st := rt.Begin()
	if err = st.Apply(bundle, o); err != nil {
		return nil, s.internal(err, "cannot apply transition")
	}

	consignment, err := st.Export().Encode()
	if err != nil {
		return nil, s.internal(err, "cannot encode consignment")
	}

	if _, err = s.cfg.Chain.Broadcast(ctx, tx); err != nil {
		rt.Discard()

		return nil, chainErr(err, "cannot broadcast %s", txid)
	}

	// the tweaked output must be found again after a restart to be spent
	if method == rgb.Tapret {
		err = s.cfg.Dir.UpdateState(func(ws *fs.State) error {
			ws.Tapret[wire.OutPoint{Hash: txid, Index: lay.anchor}.String()] = fs.TapretOutput{
				KeyIndex: lay.keyIndex,
				Root:     hex.EncodeToString(lay.root),
			}

			return nil
		})
		if err != nil {
			log.Errorf("Cannot record tapret output of %s: %v", txid, err)
		}
	}

	s.journalUpdate(t.ID, store.StatusBroadcast, txid.String(), nil)
	s.publish(types.TransferBroadcast, txid.String(), types.Transfer{Contract: cid.String(), Txid: txid.String(),
		Amount: amount, Invoice: t.Invoice})

	rt.Commit()

	art := &TransferArtifact{
		ID:          t.ID,
		Contract:    cid.String(),
		Txid:        txid.String(),
		Tx:          tx,
		Consignment: consignment,
		Fee:         plan.Fee,
	}

	for _, a := range rt.State().Unspent(true) {
		a := a
		art.Allocations = append(art.Allocations, a)

		if a.Outpoint == (wire.OutPoint{Hash: txid, Index: changeVout}) && change > 0 {
			art.Change = &a
		}
	}

	return art, nil
}

// selectAllocations picks owned allocations covering amount: the oldest single allocation that covers it, or else
// the fewest allocations, largest first.
func selectAllocations(unspent []rgb.Allocation, amount uint64) ([]rgb.Allocation, error) {
	var total uint64

	for _, a := range unspent {
		if a.Amount >= amount {
			return []rgb.Allocation{a}, nil
		}

		total += a.Amount
	}

	if total < amount {
		return nil, errs.New(errs.InsufficientRgbFunds, "need %d, have %d", amount, total)
	}

	byAmount := append([]rgb.Allocation(nil), unspent...)
	sort.SliceStable(byAmount, func(i, j int) bool { return byAmount[i].Amount > byAmount[j].Amount })

	var (
		out []rgb.Allocation
		sum uint64
	)

	for _, a := range byAmount {
		out = append(out, a)
		sum += a.Amount

		if sum >= amount {
			break
		}
	}

	return out, nil
}

// requiredInputs returns the wallet outputs holding the selected allocations. Outputs also carrying allocations of
// other contracts are refused: spending them would burn those allocations.
func requiredInputs(selected []rgb.Allocation, utxos []bitcoin.UTXO, cid rgb.ContractID) ([]bitcoin.UTXO, error) {
	byOutpoint := make(map[wire.OutPoint]bitcoin.UTXO, len(utxos))
	for _, u := range utxos {
		byOutpoint[u.OutPoint] = u
	}

	out := make([]bitcoin.UTXO, 0, len(selected))

	for _, a := range selected {
		u, ok := byOutpoint[a.Outpoint]
		if !ok {
			return nil, errs.New(errs.NotFound, "output %s of an allocation is not an unspent wallet output",
				a.Outpoint)
		}

		for _, c := range u.Contracts {
			if c != cid.String() {
				return nil, errs.New(errs.InvalidInput, "output %s also carries contract %s", a.Outpoint, c)
			}
		}

		out = append(out, u)
	}

	return out, nil
}
