// Package core implements the RGB wallet operations: asset issuance, invoices, transfers, consignment exchange,
// balances and the validation of declared allocations. Every operation on a contract runs under a lease of its
// runtime from the runtime cache, so operations on the same contract are serialized.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/firefly"
	"github.com/tarancss/rgbwallet/lib/keys"
	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
	"github.com/tarancss/rgbwallet/lib/store"
	"github.com/tarancss/rgbwallet/lib/store/fs"
	"github.com/tarancss/rgbwallet/validator"
)

var log = wlog.Sub("CORE")

// Cache is the runtime cache used by the service.
type Cache = cache.Cache[*rgb.Runtime]

// Config holds the collaborators of the service.
type Config struct {
	Network bitcoin.Network
	Dir     *fs.Dir
	Ring    *keys.Ring
	Chain   bitcoin.Adapter
	Cache   cache.Config
	// MinConf is the number of confirmations required from witness transactions of accepted consignments and from
	// the bitcoin inputs funding new transactions.
	MinConf int
	// Journal records transfers. Optional.
	Journal store.DB
	// Broker receives wallet events. Optional.
	Broker msg.MsgBroker
	// Registry mirrors allocations to Firefly. Optional.
	Registry *firefly.Registry
	// OpenStash opens the stash of a contract directory. Defaults to the bbolt stash.
	OpenStash func(dir string) (rgb.StashBackend, error)
	Clock     clock.Clock
}

// Service runs the wallet operations.
type Service struct {
	cfg   Config
	cache *Cache
	clock clock.Clock
	valid *validator.Validator

	// create serializes the creation of new contract stashes.
	create sync.Mutex
	// addrs serializes address derivation so that indexes are never reused.
	addrs sync.Mutex
}

// New returns the service and restores the wallet scripts recorded in the wallet state into the key ring.
func New(cfg Config) (*Service, error) {
	if cfg.Dir == nil || cfg.Ring == nil || cfg.Chain == nil {
		return nil, errors.New("core: wallet directory, key ring and chain are required")
	}

	if cfg.Chain.Network() != cfg.Network {
		return nil, fmt.Errorf("core: chain adapter is on %s, wallet on %s", cfg.Chain.Network(), cfg.Network)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	if cfg.Cache.Clock == nil {
		cfg.Cache.Clock = cfg.Clock
	}

	s := &Service{cfg: cfg, clock: cfg.Clock}
	s.cache = cache.New[*rgb.Runtime](s.open, cfg.Cache)
	s.valid = validator.New(cfg.Chain, s.coloredOutpoints, cfg.MinConf)

	if err := s.restoreScripts(); err != nil {
		return nil, err
	}

	return s, nil
}

// Cache returns the runtime cache, for the lifecycle manager and metrics.
func (s *Service) Cache() *Cache { return s.cache }

// Network returns the wallet network.
func (s *Service) Network() bitcoin.Network { return s.cfg.Network }

// Validator returns the validator used by Validate.
func (s *Service) Validator() *validator.Validator { return s.valid }

// Contracts returns the contracts the wallet holds a stash for.
func (s *Service) Contracts() []rgb.ContractID {
	names, err := s.cfg.Dir.Contracts()
	if err != nil {
		log.Errorf("Cannot list contracts: %v", err)

		return nil
	}

	out := make([]rgb.ContractID, 0, len(names))

	for _, n := range names {
		if cid, err := rgb.ParseContractID(n); err == nil && s.hasStash(cid) {
			out = append(out, cid)
		}
	}

	return out
}

func (s *Service) stashDir(cid rgb.ContractID) string {
	return filepath.Join(s.cfg.Dir.Root(), "rgb", cid.String())
}

func (s *Service) hasStash(cid rgb.ContractID) bool {
	_, err := os.Stat(filepath.Join(s.stashDir(cid), rgb.StashFile))

	return err == nil
}

// open is the cache opener.
func (s *Service) open(_ context.Context, cid rgb.ContractID) (*rgb.Runtime, error) {
	dir := s.stashDir(cid)
	if s.cfg.OpenStash == nil {
		return rgb.Open(dir)
	}

	if !s.hasStash(cid) {
		return nil, fmt.Errorf("%w: %s", rgb.ErrNoStash, dir)
	}

	stash, err := s.cfg.OpenStash(dir)
	if err != nil {
		return nil, err
	}

	rt, err := rgb.Load(stash)
	if err != nil {
		_ = stash.Close()

		return nil, err
	}

	return rt, nil
}

// lease returns a lease on the runtime of cid with cache errors mapped to their kinds.
func (s *Service) lease(ctx context.Context, cid rgb.ContractID, write bool) (*cache.Guard[*rgb.Runtime], error) {
	var (
		g   *cache.Guard[*rgb.Runtime]
		err error
	)

	if write {
		g, err = s.cache.Lease(ctx, cid)
	} else {
		g, err = s.cache.LeaseReadOnly(ctx, cid)
	}

	if err == nil {
		return g, nil
	}

	switch {
	case errors.Is(err, rgb.ErrNoStash):
		return nil, errs.New(errs.NotFound, "unknown contract %s", cid)
	case errors.Is(err, cache.ErrLeaseTimeout):
		return nil, errs.Wrap(errs.LeaseTimeout, err, "contract %s is busy", cid)
	case errors.Is(err, cache.ErrPoisoned):
		e := errs.Wrap(errs.PoisonedRuntime, err, "contract %s needs recovery", cid)
		log.WithField("correlation", e.CorrelationID).Errorf("Lease refused: %v", err)

		return nil, e
	case errors.Is(err, cache.ErrClosed):
		return nil, errs.Wrap(errs.Upstream, err, "wallet is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, errs.Wrap(errs.LeaseTimeout, err, "lease of %s abandoned", cid)
	}

	return nil, s.internal(err, "cannot load contract %s", cid)
}

// internal returns an Internal error and logs its detail with the correlation id.
func (s *Service) internal(err error, format string, args ...interface{}) error {
	e := errs.Wrap(errs.Internal, err, format, args...)
	log.WithField("correlation", e.CorrelationID).Errorf("%s: %+v", e.Msg, err)

	return e
}

// chainErr maps a bitcoin adapter error.
func chainErr(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, bitcoin.ErrNotFound):
		return errs.Wrap(errs.NotFound, err, format, args...)
	case errors.Is(err, bitcoin.ErrBroadcastRejected):
		return errs.Wrap(errs.BroadcastRejected, err, format, args...)
	}

	return errs.Wrap(errs.Upstream, err, format, args...)
}

// publish sends an event to the broker, if any. Failures are logged.
func (s *Service) publish(eventType, id string, payload interface{}) {
	if s.cfg.Broker == nil {
		return
	}

	net := s.cfg.Network.String()

	e, err := types.New(eventType, net, id, payload)
	if err == nil {
		err = s.cfg.Broker.Publish(net, e)
	}

	if err != nil {
		log.Warnf("Cannot publish %s event %s: %v", eventType, id, err)
	}
}

// mirror records the unspent allocations of a contract in the Firefly registry. The registry is a mirror of the
// stash: failures are logged and never fail the operation.
func (s *Service) mirror(ctx context.Context, st *rgb.State) {
	if s.cfg.Registry == nil {
		return
	}

	name := s.cfg.Dir.Metadata().Name

	var allocs []firefly.Allocation

	for _, a := range st.Unspent(false) {
		beneficiary := "foreign"
		if a.Owned {
			beneficiary = name
		}

		allocs = append(allocs, firefly.FromRGB(st.Contract, a, beneficiary))
	}

	id, err := s.cfg.Registry.RecordAllocations(context.WithoutCancel(ctx), st.Contract, allocs)
	if err != nil {
		log.Warnf("Cannot mirror allocations of %s to Firefly: %v", st.Contract, err)

		return
	}

	log.Debugf("Mirrored %d allocations of %s, deploy %s", len(allocs), st.Contract, id)
}

// NewAddress returns a new receive address of the wallet.
func (s *Service) NewAddress() (btcutil.Address, error) {
	_, addr, err := s.derive(keys.External)

	return addr, err
}

// derive returns the next unused segwit address of branch and records it in the wallet state.
func (s *Service) derive(branch uint32) (*keys.Key, btcutil.Address, error) {
	s.addrs.Lock()
	defer s.addrs.Unlock()

	st := s.cfg.Dir.State()

	idx := st.ExternalIndex
	if branch == keys.Internal {
		idx = st.InternalIndex
	}

	k, addr, err := s.cfg.Ring.Segwit(branch, idx)
	if err != nil {
		return nil, nil, s.internal(err, "cannot derive address")
	}

	err = s.cfg.Dir.UpdateState(func(st *fs.State) error {
		if branch == keys.Internal {
			st.InternalIndex = idx + 1
		} else {
			st.ExternalIndex = idx + 1
		}

		return nil
	})
	if err != nil {
		return nil, nil, s.internal(err, "cannot save wallet state")
	}

	return k, addr, nil
}

// deriveTaproot returns the next unused taproot internal key.
func (s *Service) deriveTaproot() (*keys.Key, uint32, error) {
	s.addrs.Lock()
	defer s.addrs.Unlock()

	idx := s.cfg.Dir.State().TaprootIndex

	k, err := s.cfg.Ring.Taproot(idx)
	if err != nil {
		return nil, 0, s.internal(err, "cannot derive taproot key")
	}

	err = s.cfg.Dir.UpdateState(func(st *fs.State) error {
		st.TaprootIndex = idx + 1

		return nil
	})
	if err != nil {
		return nil, 0, s.internal(err, "cannot save wallet state")
	}

	return k, idx, nil
}

// restoreScripts derives again every address and tweaked output recorded in the wallet state so that the key ring
// recognizes and signs them.
func (s *Service) restoreScripts() error {
	_, err := s.addresses()

	return err
}

// addresses returns every address of the wallet: derived segwit addresses of both branches and tweaked taproot
// outputs.
func (s *Service) addresses() ([]btcutil.Address, error) {
	st := s.cfg.Dir.State()

	var out []btcutil.Address

	for _, b := range []struct {
		branch uint32
		n      uint32
	}{{keys.External, st.ExternalIndex}, {keys.Internal, st.InternalIndex}} {
		for i := uint32(0); i < b.n; i++ {
			_, addr, err := s.cfg.Ring.Segwit(b.branch, i)
			if err != nil {
				return nil, fmt.Errorf("cannot derive address %d/%d: %w", b.branch, i, err)
			}

			out = append(out, addr)
		}
	}

	seen := make(map[string]bool, len(st.Tapret))

	for op, t := range st.Tapret {
		k, err := s.cfg.Ring.Taproot(t.KeyIndex)
		if err != nil {
			return nil, fmt.Errorf("cannot derive taproot key of %s: %w", op, err)
		}

		root, err := decodeRoot(t.Root)
		if err != nil {
			return nil, fmt.Errorf("invalid tapret root of %s: %w", op, err)
		}

		addr, err := s.cfg.Ring.Tweaked(k, root)
		if err != nil {
			return nil, err
		}

		if !seen[addr.EncodeAddress()] {
			seen[addr.EncodeAddress()] = true
			out = append(out, addr)
		}
	}

	return out, nil
}

// walletUTXOs returns the unspent outputs at every wallet address.
func (s *Service) walletUTXOs(ctx context.Context) ([]bitcoin.UTXO, error) {
	addrs, err := s.addresses()
	if err != nil {
		return nil, s.internal(err, "cannot list wallet addresses")
	}

	colored := s.cfg.Dir.State().Colored

	var out []bitcoin.UTXO

	for _, addr := range addrs {
		utxos, err := s.cfg.Chain.ListUTXOs(ctx, addr)
		if err != nil {
			return nil, chainErr(err, "cannot list utxos of %s", addr)
		}

		for i := range utxos {
			utxos[i].Contracts = colored[utxos[i].OutPoint.String()]
		}

		out = append(out, utxos...)
	}

	return out, nil
}

// freeUTXOs filters the outputs that can pay for fees: confirmed enough, carrying no allocation and not reserved
// by a blinded seal.
func (s *Service) freeUTXOs(utxos []bitcoin.UTXO, minConf int) []bitcoin.UTXO {
	st := s.cfg.Dir.State()

	reserved := make(map[string]bool, len(st.SecretSeals))
	for _, seal := range st.SecretSeals {
		reserved[seal.Outpoint] = true
	}

	var out []bitcoin.UTXO

	for _, u := range utxos {
		if len(u.Contracts) > 0 || reserved[u.OutPoint.String()] || int(u.Confirmations) < minConf {
			continue
		}

		out = append(out, u)
	}

	return out
}

// coloredOutpoints implements validator.ColoredIndex over the wallet state.
func (s *Service) coloredOutpoints(cid rgb.ContractID) []wire.OutPoint {
	name := cid.String()

	var out []wire.OutPoint

	for op, contracts := range s.cfg.Dir.State().Colored {
		for _, c := range contracts {
			if c != name {
				continue
			}

			if p, err := parseOutpoint(op); err == nil {
				out = append(out, p)
			}
		}
	}

	return out
}

// recolor records the wallet outputs holding unspent allocations of the contract of st.
func (s *Service) recolor(st *rgb.State) error {
	name := st.Contract.String()

	return s.cfg.Dir.UpdateState(func(ws *fs.State) error {
		for op, contracts := range ws.Colored {
			kept := contracts[:0]

			for _, c := range contracts {
				if c != name {
					kept = append(kept, c)
				}
			}

			if len(kept) == 0 {
				delete(ws.Colored, op)
			} else {
				ws.Colored[op] = kept
			}
		}

		for _, a := range st.Unspent(true) {
			op := a.Outpoint.String()
			ws.Colored[op] = append(ws.Colored[op], name)
		}

		return nil
	})
}

// scriptOf returns the output script of addr.
func scriptOf(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}

// Close stops the cache. Runtimes must have been flushed by the lifecycle manager.
func (s *Service) Close() {
	s.cache.Close()
}

// journal helpers: the journal is optional and its failures never fail an operation.

func (s *Service) journalSave(t store.Transfer) {
	if s.cfg.Journal == nil {
		return
	}

	if err := s.cfg.Journal.SaveTransfer(t); err != nil {
		log.Warnf("Cannot journal transfer %s: %v", t.ID, err)
	}
}

func (s *Service) journalUpdate(id string, status store.TransferStatus, txid string, cause error) {
	if s.cfg.Journal == nil {
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if err := s.cfg.Journal.UpdateTransfer(id, status, txid, reason); err != nil {
		log.Warnf("Cannot update journal of transfer %s to %s: %v", id, status, err)
	}
}

// Transfers returns the journal of a contract, or of every contract when cid is empty.
func (s *Service) Transfers(contract string) ([]store.Transfer, error) {
	ts := []store.Transfer{}
	if s.cfg.Journal == nil {
		return ts, nil
	}

	got, err := s.cfg.Journal.GetTransfers(contract)
	if err != nil {
		return nil, s.internal(errors.WithMessage(err, "journal"), "cannot read transfers")
	}

	return append(ts, got...), nil
}
