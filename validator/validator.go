// Package validator cross-checks the allocations declared for a contract, usually by the Firefly registry, against
// the UTXO state of the Bitcoin chain. It never mutates state: reports are returned to the caller or, when watching,
// published as events.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/firefly"
	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/rgb"
)

var log = wlog.Sub("VALD")

// Status of a declared allocation.
type Status string

// Status values
const (
	Confirmed Status = "Confirmed"
	Pending   Status = "Pending"
	Spent     Status = "Spent"
	Missing   Status = "Missing"
)

// maxInflight bounds the chain queries of one validation.
const maxInflight = 8

// ColoredIndex returns the wallet outputs known to carry allocations of a contract.
type ColoredIndex func(contract rgb.ContractID) []wire.OutPoint

// Result is the status of one declared allocation.
type Result struct {
	Allocation firefly.Allocation `json:"allocation"`
	Status     Status             `json:"status"`
	// Confirmations of the transaction creating the output.
	Confirmations uint32 `json:"confirmations"`
	// SpentBy is the spending transaction of a Spent allocation.
	SpentBy string `json:"spentBy,omitempty"`
}

// Report is the outcome of validating the declared allocations of a contract.
type Report struct {
	Contract rgb.ContractID `json:"contract"`
	Results  []Result       `json:"results"`
	// Unclaimed lists wallet outputs carrying allocations of the contract that were not declared.
	Unclaimed  []string  `json:"unclaimed,omitempty"`
	Consistent bool      `json:"consistent"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Count returns the number of results with status s.
func (r *Report) Count(s Status) int {
	n := 0

	for i := range r.Results {
		if r.Results[i].Status == s {
			n++
		}
	}

	return n
}

// Validator checks allocations against a Bitcoin adapter.
type Validator struct {
	chain   bitcoin.Adapter
	colored ColoredIndex
	minConf uint32
}

// New returns a validator. An allocation is Confirmed once its output has minConf confirmations, at least one.
// colored may be nil, in which case no unclaimed outputs are reported.
func New(chain bitcoin.Adapter, colored ColoredIndex, minConf int) *Validator {
	if minConf < 1 {
		minConf = 1
	}

	return &Validator{chain: chain, colored: colored, minConf: uint32(minConf)}
}

// Validate returns the report of the allocations declared for contract. Errors reaching the chain abort the
// validation; allocations with malformed pointers are reported Missing.
func (v *Validator) Validate(ctx context.Context, contract rgb.ContractID, allocs []firefly.Allocation) (*Report,
	error) {
	rep := &Report{Contract: contract, Results: make([]Result, len(allocs)), CheckedAt: time.Now().UTC()}

	declared := make(map[wire.OutPoint]bool, len(allocs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflight)

	for i := range allocs {
		rep.Results[i].Allocation = allocs[i]

		op, err := allocs[i].Outpoint()
		if err != nil || allocs[i].Contract != contract {
			rep.Results[i].Status = Missing

			continue
		}

		declared[op] = true
		res := &rep.Results[i]

		g.Go(func() error { return v.check(gctx, op, res) })
	}

	var (
		candidates []wire.OutPoint
		unclaimed  []bool
	)

	if v.colored != nil {
		for _, op := range v.colored(contract) {
			if !declared[op] {
				candidates = append(candidates, op)
			}
		}

		unclaimed = make([]bool, len(candidates))

		for i := range candidates {
			i := i
			g.Go(func() error {
				var res Result
				if err := v.check(gctx, candidates[i], &res); err != nil {
					return err
				}

				unclaimed[i] = res.Status == Confirmed || res.Status == Pending

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, op := range candidates {
		if unclaimed[i] {
			rep.Unclaimed = append(rep.Unclaimed, op.String())
		}
	}

	sort.Strings(rep.Unclaimed)

	rep.Consistent = len(rep.Unclaimed) == 0 && rep.Count(Confirmed) == len(rep.Results)

	log.Debugf("Validated %d allocations of %s: confirmed:%d pending:%d spent:%d missing:%d unclaimed:%d",
		len(allocs), contract, rep.Count(Confirmed), rep.Count(Pending), rep.Count(Spent), rep.Count(Missing),
		len(rep.Unclaimed))

	return rep, nil
}

func (v *Validator) check(ctx context.Context, op wire.OutPoint, res *Result) error {
	tx, err := v.chain.GetTx(ctx, op.Hash)
	if errors.Is(err, bitcoin.ErrNotFound) {
		res.Status = Missing

		return nil
	}

	if err != nil {
		return fmt.Errorf("cannot get tx %s: %w", op.Hash, err)
	}

	if int(op.Index) >= len(tx.MsgTx.TxOut) {
		res.Status = Missing

		return nil
	}

	res.Confirmations = tx.Confirmations

	spend, err := v.chain.OutSpend(ctx, op)
	if err != nil && !errors.Is(err, bitcoin.ErrNotFound) {
		return fmt.Errorf("cannot get outspend %s: %w", op, err)
	}

	switch {
	case spend != nil && spend.Spent:
		res.Status = Spent
		res.SpentBy = spend.Txid.String()
	case tx.Confirmations < v.minConf:
		res.Status = Pending
	default:
		res.Status = Confirmed
	}

	return nil
}
