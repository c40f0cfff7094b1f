package core

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/store/fs"
)

// AcceptResult describes an accepted consignment.
type AcceptResult struct {
	Contract string `json:"contract"`
	// Transitions is the number of transitions new to the wallet.
	Transitions int `json:"transitions"`
	// Received is the increase of the wallet balance.
	Received uint64 `json:"received"`
	Balance  uint64 `json:"balance"`
}

// AcceptConsignment validates a consignment and merges its transitions into the stash of the contract, creating the
// stash of a contract new to the wallet. Every witness transaction must be known to the chain with the configured
// confirmations and must carry the commitment of its transition. Either every new transition is merged or none.
func (s *Service) AcceptConsignment(ctx context.Context, blob []byte) (*AcceptResult, error) {
	c, err := rgb.DecodeConsignment(blob)
	if err != nil {
		return nil, errs.Wrap(errs.ConsignmentInvalid, err, "")
	}

	if c.Genesis.Network != s.cfg.Network.String() {
		return nil, errs.New(errs.NetworkMismatch, "consignment of %s for %s, wallet on %s", c.Contract,
			c.Genesis.Network, s.cfg.Network)
	}

	o := s.owner(c.Contract)

	var (
		res *AcceptResult
		st  *rgb.State
	)

	if s.hasStash(c.Contract) {
		res, st, err = s.acceptKnown(ctx, c, o)
	} else {
		res, st, err = s.acceptNew(ctx, c, o)
	}

	if err != nil {
		return nil, err
	}

	if err = s.recolor(st); err != nil {
		log.Errorf("Cannot record colored outputs of %s: %v", c.Contract, err)
	}

	s.forgetSeals(o)
	s.publish(types.ConsignmentAccepted, c.Contract.String(), types.Consignment{Contract: c.Contract.String(),
		Transitions: res.Transitions, Received: res.Received, Balance: res.Balance})
	s.mirror(ctx, st)

	log.Infof("Accepted consignment of %s: %d new transitions, received %d, balance %d", c.Contract,
		res.Transitions, res.Received, res.Balance)

	return res, nil
}

// acceptKnown merges a consignment into an existing stash.
func (s *Service) acceptKnown(ctx context.Context, c *rgb.Consignment, o *owner) (*AcceptResult, *rgb.State, error) {
	guard, err := s.lease(ctx, c.Contract, true)
	if err != nil {
		return nil, nil, err
	}

	guard.AbortOnDrop(true)

	defer func() {
		if err := guard.Release(); err != nil {
			log.Errorf("Release of %s failed: %v", c.Contract, err)
		}
	}()

	rt := guard.Runtime()
	before := rt.State().Balance()

	if err = sameGenesis(rt.State(), c); err != nil {
		return nil, nil, err
	}

	n, err := s.merge(ctx, rt.Begin(), c, o, s.cfg.MinConf)
	if err != nil {
		return nil, nil, err
	}

	rt.Commit()
	guard.AbortOnDrop(false)

	if err = guard.Flush(); err != nil {
		e := errs.Wrap(errs.PoisonedRuntime, err, "cannot save stash of %s", c.Contract)
		log.WithField("correlation", e.CorrelationID).Errorf("Accepted consignment was not saved: %v", err)

		return nil, nil, e
	}

	st := rt.State()

	return &AcceptResult{
		Contract:    c.Contract.String(),
		Transitions: n,
		Received:    received(before, st.Balance()),
		Balance:     st.Balance(),
	}, st, nil
}

// acceptNew creates the stash of a contract from its consignment.
func (s *Service) acceptNew(ctx context.Context, c *rgb.Consignment, o *owner) (*AcceptResult, *rgb.State, error) {
	g := c.Genesis

	// genesis seals are revealed, the wallet may own one
	for _, a := range g.Allocations {
		if a.Seal == nil {
			continue
		}

		tx, err := s.cfg.Chain.GetTx(ctx, a.Seal.Txid)
		if errors.Is(err, bitcoin.ErrNotFound) {
			return nil, nil, errs.Wrap(errs.ConsignmentInvalid, err, "genesis transaction %s unknown", a.Seal.Txid)
		}

		if err != nil {
			return nil, nil, chainErr(err, "cannot fetch genesis transaction %s", a.Seal.Txid)
		}

		o.addTx(tx.MsgTx)
	}

	st, err := rgb.NewState(&g, o)
	if err != nil {
		return nil, nil, errs.Wrap(errs.ConsignmentInvalid, err, "")
	}

	if st.Contract != c.Contract {
		return nil, nil, errs.New(errs.ConsignmentInvalid, "genesis is of contract %s, consignment names %s",
			st.Contract, c.Contract)
	}

	n, err := s.merge(ctx, st, c, o, s.cfg.MinConf)
	if err != nil {
		return nil, nil, err
	}

	if err = s.createStash(st); err != nil {
		return nil, nil, err
	}

	return &AcceptResult{
		Contract:    c.Contract.String(),
		Transitions: n,
		Received:    st.Balance(),
		Balance:     st.Balance(),
	}, st, nil
}

// merge applies the transitions of c unknown to st, in order, and returns how many were applied. A transition is
// applied once its witness transaction is verified.
func (s *Service) merge(ctx context.Context, st *rgb.State, c *rgb.Consignment, o *owner, minConf int) (int, error) {
	n := 0

	for i := range c.Bundles {
		b := c.Bundles[i]

		tid, err := b.Transition.ID()
		if err != nil {
			return 0, errs.Wrap(errs.ConsignmentInvalid, err, "transition %d", i)
		}

		if st.Known(tid) {
			continue
		}

		if err = s.verifyBundle(ctx, &b, o, minConf); err != nil {
			return 0, err
		}

		if err = st.Apply(b, o); err != nil {
			return 0, errs.Wrap(errs.ConsignmentInvalid, err, "transition %s", tid)
		}

		n++
	}

	return n, nil
}

// verifyBundle checks the witness transaction of b against the chain and records its outputs in the owner.
func (s *Service) verifyBundle(ctx context.Context, b *rgb.Bundle, o *owner, minConf int) error {
	txid := b.Anchor.Txid

	tx, err := s.cfg.Chain.GetTx(ctx, txid)
	if errors.Is(err, bitcoin.ErrNotFound) {
		return errs.Wrap(errs.ConsignmentInvalid, err, "witness transaction %s unknown", txid)
	}

	if err != nil {
		return chainErr(err, "cannot fetch witness transaction %s", txid)
	}

	if int(tx.Confirmations) < minConf {
		return errs.New(errs.ConsignmentInvalid, "witness transaction %s has %d confirmations, %d required", txid,
			tx.Confirmations, minConf)
	}

	if err = rgb.VerifyAnchor(b, tx.MsgTx); err != nil {
		return errs.Wrap(errs.ConsignmentInvalid, err, "")
	}

	o.addTx(tx.MsgTx)

	return nil
}

// sameGenesis refuses a consignment whose genesis differs from the one of the stash.
func sameGenesis(st *rgb.State, c *rgb.Consignment) error {
	a, err := st.Genesis.Encode()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "cannot encode genesis")
	}

	b, err := c.Genesis.Encode()
	if err != nil {
		return errs.Wrap(errs.ConsignmentInvalid, err, "")
	}

	if string(a) != string(b) {
		return errs.New(errs.ConsignmentInvalid, "genesis differs from the one of contract %s", st.Contract)
	}

	return nil
}

func received(before, after uint64) uint64 {
	if after > before {
		return after - before
	}

	return 0
}

// forgetSeals drops the secret seals revealed while accepting: their outputs now carry allocations.
func (s *Service) forgetSeals(o *owner) {
	if len(o.revealed) == 0 {
		return
	}

	err := s.cfg.Dir.UpdateState(func(ws *fs.State) error {
		for token := range o.revealed {
			delete(ws.SecretSeals, hex.EncodeToString(token[:]))
		}

		return nil
	})
	if err != nil {
		log.Errorf("Cannot remove consumed secret seals: %v", err)
	}
}

// ExportConsignment returns the consignment of the full known history of a contract, enough for a wallet new to
// the contract to accept it.
func (s *Service) ExportConsignment(ctx context.Context, cid rgb.ContractID) ([]byte, error) {
	guard, err := s.lease(ctx, cid, false)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := guard.Release(); err != nil {
			log.Errorf("Release of %s failed: %v", cid, err)
		}
	}()

	b, err := guard.Runtime().State().Export().Encode()
	if err != nil {
		return nil, s.internal(err, "cannot encode consignment of %s", cid)
	}

	return b, nil
}
