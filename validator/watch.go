package validator

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/tarancss/rgbwallet/lib/firefly"
	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/rgb"
)

// Declared looks up the allocations declared for a contract.
type Declared interface {
	LookupAllocations(ctx context.Context, cid rgb.ContractID) ([]firefly.Allocation, error)
}

// Watcher validates the declared allocations of a set of contracts on every tick and publishes the reports.
type Watcher struct {
	v         *Validator
	declared  Declared
	mb        msg.MsgBroker
	net       string
	contracts func() []rgb.ContractID

	l       sync.Mutex // guards last
	last    map[rgb.ContractID]*Report
	stopped chan struct{}
}

// NewWatcher returns a watcher of the contracts listed by contracts. Reports are published to mb for network net
// when mb is not nil.
func NewWatcher(v *Validator, declared Declared, mb msg.MsgBroker, net string,
	contracts func() []rgb.ContractID) *Watcher {
	return &Watcher{
		v:         v,
		declared:  declared,
		mb:        mb,
		net:       net,
		contracts: contracts,
		last:      make(map[rgb.ContractID]*Report),
		stopped:   make(chan struct{}),
	}
}

// Watch runs a validation round on every tick of t until ctx is done. It returns once the round in progress, if
// any, has finished.
func (w *Watcher) Watch(ctx context.Context, t ticker.Ticker) {
	defer close(w.stopped)

	t.Resume()
	defer t.Stop()

	log.Infof("[%s] Watching declared allocations", w.net)

	for {
		select {
		case <-t.Ticks():
			w.Round(ctx)
		case <-ctx.Done():
			log.Infof("[%s] Stop watching declared allocations", w.net)

			return
		}
	}
}

// Stopped is closed when Watch returns.
func (w *Watcher) Stopped() <-chan struct{} { return w.stopped }

// Round validates every watched contract once. Contracts failing to validate are logged and skipped.
func (w *Watcher) Round(ctx context.Context) {
	for _, cid := range w.contracts() {
		if ctx.Err() != nil {
			return
		}

		allocs, err := w.declared.LookupAllocations(ctx, cid)
		if err != nil {
			log.Warnf("[%s] Cannot look up allocations of %s: %v", w.net, cid, err)

			continue
		}

		rep, err := w.v.Validate(ctx, cid, allocs)
		if err != nil {
			log.Warnf("[%s] Cannot validate allocations of %s: %v", w.net, cid, err)

			continue
		}

		w.l.Lock()
		w.last[cid] = rep
		w.l.Unlock()

		if !rep.Consistent {
			log.Warnf("[%s] Allocations of %s are not consistent: pending:%d spent:%d missing:%d unclaimed:%d",
				w.net, cid, rep.Count(Pending), rep.Count(Spent), rep.Count(Missing), len(rep.Unclaimed))
		}

		w.publish(rep)
	}
}

func (w *Watcher) publish(rep *Report) {
	if w.mb == nil {
		return
	}

	e, err := types.New(types.ValidationReport, w.net, rep.Contract.String(), rep)
	if err != nil {
		log.Errorf("[%s] Cannot encode report of %s: %v", w.net, rep.Contract, err)

		return
	}

	if err = w.mb.Publish(w.net, e); err != nil {
		log.Errorf("[%s] Cannot publish report of %s: %v", w.net, rep.Contract, err)
	}
}

// Last returns the last report of a contract.
func (w *Watcher) Last(cid rgb.ContractID) (*Report, bool) {
	w.l.Lock()
	defer w.l.Unlock()

	rep, ok := w.last[cid]

	return rep, ok
}
