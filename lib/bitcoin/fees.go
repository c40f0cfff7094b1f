package bitcoin

import (
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// SatPerVByte is a fee rate.
type SatPerVByte float64

// MinRelayFeeRate is the lowest rate used, matching the default relay fee of 1 sat/vB.
const MinRelayFeeRate SatPerVByte = 1

// AllocationValue is the value of the outputs created to hold RGB allocations. It is above the dust limit of every
// standard output type at the default relay fee.
const AllocationValue btcutil.Amount = 1000

// FeeFor returns the fee of a transaction of vsize virtual bytes.
func (r SatPerVByte) FeeFor(vsize int) btcutil.Amount {
	if r < MinRelayFeeRate {
		r = MinRelayFeeRate
	}

	return btcutil.Amount(math.Ceil(float64(r) * float64(vsize)))
}

// FeeStrategy selects how the fee rate of a transaction is obtained: a fixed rate when Rate is set, otherwise the
// estimate for TargetBlocks.
type FeeStrategy struct {
	TargetBlocks int         `json:"targetBlocks"`
	Rate         SatPerVByte `json:"rate,omitempty"`
}

// DefaultFeeTarget is used when a strategy names neither a rate nor a target.
const DefaultFeeTarget = 6

// InputKinds counts inputs by script type for size estimation.
type InputKinds struct {
	P2WPKH int
	P2TR   int
}

// Add counts an input spending pkScript.
func (k *InputKinds) Add(pkScript []byte) {
	if txscript.IsPayToTaproot(pkScript) {
		k.P2TR++
	} else {
		k.P2WPKH++
	}
}

// EstimateVSize returns the worst case virtual size of a signed transaction spending ins and paying outs, plus a
// change output of changeScriptSize bytes when it is not zero.
func EstimateVSize(ins InputKinds, outs []*wire.TxOut, changeScriptSize int) int {
	return txsizes.EstimateVirtualSize(0, ins.P2TR, ins.P2WPKH, 0, outs, changeScriptSize)
}

// IsDust returns true if out would be rejected by the relay policy. Unspendable outputs always count as dust.
func IsDust(out *wire.TxOut) bool {
	return txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb)
}
