package rgb

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Seal is a revealed single-use seal: an output of a Bitcoin transaction. A seal with a zero Txid is defined on the
// witness transaction of the transition that assigns it.
type Seal struct {
	Txid     chainhash.Hash
	Vout     uint32
	Blinding uint64
}

// WitnessSeal returns a seal on output vout of the witness transaction.
func WitnessSeal(vout uint32) Seal { return Seal{Vout: vout} }

// OnWitness returns true if the seal is defined on the witness transaction.
func (s Seal) OnWitness() bool { return s.Txid == chainhash.Hash{} }

// Resolve returns the outpoint of the seal for the given witness transaction id.
func (s Seal) Resolve(witness chainhash.Hash) wire.OutPoint {
	if s.OnWitness() {
		return wire.OutPoint{Hash: witness, Index: s.Vout}
	}

	return wire.OutPoint{Hash: s.Txid, Index: s.Vout}
}

// Conceal returns the auth token of the seal.
func (s Seal) Conceal() AuthToken {
	var b [12]byte

	binary.LittleEndian.PutUint32(b[:4], s.Vout)
	binary.LittleEndian.PutUint64(b[4:], s.Blinding)

	return AuthToken(*chainhash.TaggedHash(tagSeal, s.Txid[:], b[:]))
}

func (s Seal) String() string {
	if s.OnWitness() {
		return fmt.Sprintf("~:%d", s.Vout)
	}

	return fmt.Sprintf("%s:%d", s.Txid, s.Vout)
}

// Assignment assigns an amount to a seal. Seal is nil when the seal is concealed behind Token.
type Assignment struct {
	Seal   *Seal
	Token  AuthToken
	Amount uint64
}

// Revealed returns an assignment to a revealed seal.
func Revealed(s Seal, amount uint64) Assignment {
	return Assignment{Seal: &s, Amount: amount}
}

// Concealed returns an assignment to a concealed seal.
func Concealed(token AuthToken, amount uint64) Assignment {
	return Assignment{Token: token, Amount: amount}
}

// AuthToken returns the concealed form of the seal.
func (a Assignment) AuthToken() AuthToken {
	if a.Seal != nil {
		return a.Seal.Conceal()
	}

	return a.Token
}

// Allocation is an amount of a contract held by a Bitcoin output.
type Allocation struct {
	Outpoint wire.OutPoint
	Amount   uint64
	// Owned is true when the wallet controls the output.
	Owned bool
	// Seq orders allocations by creation.
	Seq uint64
	// SpentBy is the transaction spending the output, zero while unspent.
	SpentBy chainhash.Hash
}

// Spent returns true if the allocation was retired by a transition.
func (a Allocation) Spent() bool { return a.SpentBy != chainhash.Hash{} }
