package core

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/firefly"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
	"github.com/tarancss/rgbwallet/lib/store/fs"
	"github.com/tarancss/rgbwallet/validator"
)

// recoveryFile keeps, next to the stash, the consignment of a transfer whose stash could not be saved.
const recoveryFile = "recovery.consignment"

// Holding is an unspent allocation of the wallet.
type Holding struct {
	Outpoint string `json:"outpoint"`
	Amount   uint64 `json:"amount"`
}

// BalanceReport is the balance of a contract.
type BalanceReport struct {
	Asset
	Allocations []Holding `json:"allocations"`
}

// Balance returns the balance of contract cid and the allocations making it up.
func (s *Service) Balance(ctx context.Context, cid rgb.ContractID) (*BalanceReport, error) {
	guard, err := s.lease(ctx, cid, false)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := guard.Release(); err != nil {
			log.Errorf("Release of %s failed: %v", cid, err)
		}
	}()

	st := guard.Runtime().State()
	rep := &BalanceReport{Asset: assetOf(st), Allocations: []Holding{}}

	for _, a := range st.Unspent(true) {
		rep.Allocations = append(rep.Allocations, Holding{Outpoint: a.Outpoint.String(), Amount: a.Amount})
	}

	return rep, nil
}

// Validate checks allocations of contract cid against the chain. Without allocations the ones declared in the
// Firefly registry are checked, and without a registry the unspent allocations of the local stash.
func (s *Service) Validate(ctx context.Context, cid rgb.ContractID, allocs []firefly.Allocation) (*validator.Report,
	error) {
	if len(allocs) == 0 && s.cfg.Registry != nil {
		declared, err := s.cfg.Registry.LookupAllocations(ctx, cid)
		if err != nil {
			return nil, errs.Wrap(errs.Upstream, err, "cannot look up allocations of %s", cid)
		}

		allocs = declared
	}

	if len(allocs) == 0 {
		local, err := s.LocalAllocations(ctx, cid)
		if err != nil {
			return nil, err
		}

		allocs = local
	}

	rep, err := s.valid.Validate(ctx, cid, allocs)
	if err != nil {
		return nil, chainErr(err, "cannot validate allocations of %s", cid)
	}

	return rep, nil
}

// LocalAllocations returns the unspent allocations of contract cid held by the wallet.
func (s *Service) LocalAllocations(ctx context.Context, cid rgb.ContractID) ([]firefly.Allocation, error) {
	guard, err := s.lease(ctx, cid, false)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := guard.Release(); err != nil {
			log.Errorf("Release of %s failed: %v", cid, err)
		}
	}()

	name := s.cfg.Dir.Metadata().Name

	var out []firefly.Allocation

	for _, a := range guard.Runtime().State().Unspent(true) {
		out = append(out, firefly.FromRGB(cid, a, name))
	}

	return out, nil
}

// keepRecovery saves the consignment of a transfer that was broadcast but not saved, so that Recover can replay it.
func (s *Service) keepRecovery(cid rgb.ContractID, consignment []byte) {
	path := filepath.Join(s.stashDir(cid), recoveryFile)

	if err := fs.WriteFileAtomic(path, consignment, 0o600); err != nil {
		log.Errorf("Cannot keep recovery consignment of %s at %s: %v", cid, path, err)

		return
	}

	log.Warnf("Recovery consignment of %s kept at %s", cid, path)
}

// RecoverResult describes a recovered contract.
type RecoverResult struct {
	Contract string `json:"contract"`
	// Replayed is the number of transitions of the recovery consignment added to the stash.
	Replayed int    `json:"replayed"`
	Balance  uint64 `json:"balance"`
}

// Recover clears a poisoned runtime. The stash is reloaded from disk and the transitions of a transfer broadcast
// before the failure that poisoned it are replayed from the recovery consignment, if one was kept. The contract stays
// poisoned until the replay is saved.
func (s *Service) Recover(ctx context.Context, cid rgb.ContractID) (res *RecoverResult, err error) {
	guard, err := s.cache.Recover(ctx, cid)
	if err != nil {
		if errors.Is(err, cache.ErrNotPoisoned) {
			return nil, errs.Wrap(errs.InvalidInput, err, "")
		}

		return nil, s.internal(err, "cannot reload stash of %s", cid)
	}

	defer func() {
		if err != nil {
			guard.Poison(err)
		}

		if errRelease := guard.Release(); errRelease != nil {
			log.Errorf("Recovery of %s left it poisoned: %v", cid, errRelease)
		}
	}()

	rt := guard.Runtime()
	res = &RecoverResult{Contract: cid.String()}
	path := filepath.Join(s.stashDir(cid), recoveryFile)

	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		res.Balance = rt.State().Balance()

		return res, nil
	}

	if err != nil {
		return nil, s.internal(err, "cannot read recovery consignment of %s", cid)
	}

	c, err := rgb.DecodeConsignment(blob)
	if err != nil {
		return nil, s.internal(err, "invalid recovery consignment of %s", cid)
	}

	o := s.owner(cid)

	// the witness was broadcast by the wallet itself, it may not be confirmed yet
	if res.Replayed, err = s.merge(ctx, rt.Begin(), c, o, 0); err != nil {
		return nil, err
	}

	rt.Commit()

	if err = guard.Flush(); err != nil {
		e := errs.Wrap(errs.PoisonedRuntime, err, "cannot save stash of %s", cid)
		log.WithField("correlation", e.CorrelationID).Errorf("Recovery of %s failed: %v", cid, err)

		return nil, e
	}

	if err = os.Remove(path); err != nil {
		log.Warnf("Cannot remove recovery consignment %s: %v", path, err)
	}

	st := rt.State()
	if err = s.recolor(st); err != nil {
		log.Errorf("Cannot record colored outputs of %s: %v", cid, err)
	}

	s.mirror(ctx, st)

	res.Balance = st.Balance()
	log.Infof("Recovered %s replaying %d transitions, balance %d", cid, res.Replayed, res.Balance)

	return res, nil
}

// Assets returns the assets held by the wallet. Contracts whose runtime cannot be leased are skipped.
func (s *Service) Assets(ctx context.Context) ([]Asset, error) {
	out := []Asset{}

	for _, cid := range s.Contracts() {
		rep, err := s.Balance(ctx, cid)
		if errs.Is(err, errs.PoisonedRuntime) || errs.Is(err, errs.LeaseTimeout) {
			log.Warnf("Skipping asset %s: %v", cid, err)

			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, rep.Asset)
	}

	return out, nil
}
