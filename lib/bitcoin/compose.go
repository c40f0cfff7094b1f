package bitcoin

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// Errors returned
var (
	ErrInsufficientFunds = errors.New("insufficient bitcoin funds")
	ErrNoOutputs         = errors.New("transaction has no outputs")
)

// txVersion is the version of composed transactions.
const txVersion = 2

// finalSequence opts out of replace-by-fee: a replacement would change the txid the RGB anchor commits to. Locktime
// stays enforced.
const finalSequence = wire.MaxTxInSequenceNum - 1

// Plan is a funded transaction layout. Outputs keep the order given to Fund; the change output, if any, is last.
type Plan struct {
	Inputs      []UTXO
	Outputs     []*wire.TxOut
	ChangeIndex int
	Fee         btcutil.Amount
	VSize       int
}

// Fund builds a plan spending every required input and as many candidates as needed, largest first, to pay outputs
// and the fee at rate. Surplus above the dust limit goes to a change output paying to changeScript; smaller surplus
// is left to miners.
func Fund(required, candidates []UTXO, outputs []*wire.TxOut, rate SatPerVByte, changeScript []byte) (*Plan, error) {
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}

	plan := &Plan{Inputs: append([]UTXO(nil), required...), ChangeIndex: -1}
	plan.Outputs = append(plan.Outputs, outputs...)

	var target, have btcutil.Amount

	for _, o := range outputs {
		target += btcutil.Amount(o.Value)
	}

	var kinds InputKinds

	used := make(map[wire.OutPoint]bool, len(required))
	for _, u := range required {
		have += u.Value
		used[u.OutPoint] = true
		kinds.Add(u.PkScript)
	}

	pool := make([]UTXO, 0, len(candidates))

	for _, c := range candidates {
		if !used[c.OutPoint] {
			pool = append(pool, c)
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Value != pool[j].Value {
			return pool[i].Value > pool[j].Value
		}

		return outpointLess(pool[i].OutPoint, pool[j].OutPoint)
	})

	for next := 0; ; next++ {
		vsize := EstimateVSize(kinds, outputs, 0)
		fee := rate.FeeFor(vsize)

		if have >= target+fee && len(plan.Inputs) > 0 {
			vsizeChange := EstimateVSize(kinds, outputs, len(changeScript))
			feeChange := rate.FeeFor(vsizeChange)

			if have > target+feeChange {
				change := wire.NewTxOut(int64(have-target-feeChange), changeScript)
				if !IsDust(change) {
					plan.Outputs = append(plan.Outputs, change)
					plan.ChangeIndex = len(plan.Outputs) - 1
					plan.Fee = feeChange
					plan.VSize = vsizeChange

					return plan, nil
				}
			}

			plan.Fee = have - target
			plan.VSize = vsize

			return plan, nil
		}

		if next >= len(pool) {
			return nil, fmt.Errorf("%w: need %v, have %v", ErrInsufficientFunds, target+fee, have)
		}

		plan.Inputs = append(plan.Inputs, pool[next])
		have += pool[next].Value
		kinds.Add(pool[next].PkScript)
	}
}

// Packet returns the unsigned PSBT of the plan with the witness UTXO of every input.
func (p *Plan) Packet() (*psbt.Packet, error) {
	ins := make([]*wire.OutPoint, len(p.Inputs))
	seqs := make([]uint32, len(p.Inputs))

	for i := range p.Inputs {
		op := p.Inputs[i].OutPoint
		ins[i] = &op
		seqs[i] = finalSequence
	}

	packet, err := psbt.New(ins, p.Outputs, txVersion, 0, seqs)
	if err != nil {
		return nil, fmt.Errorf("cannot create psbt: %w", err)
	}

	u, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, fmt.Errorf("cannot update psbt: %w", err)
	}

	for i, in := range p.Inputs {
		if err = u.AddInWitnessUtxo(in.TxOut(), i); err != nil {
			return nil, fmt.Errorf("cannot add witness utxo %d: %w", i, err)
		}
	}

	return packet, nil
}

func outpointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}
