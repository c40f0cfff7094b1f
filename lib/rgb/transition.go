package rgb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// Errors returned by anchor verification.
var (
	ErrAnchor = errors.New("transition is not anchored in the witness transaction")
)

// Transition moves the allocations on Inputs to Assignments.
type Transition struct {
	Contract    ContractID
	Inputs      []wire.OutPoint
	Assignments []Assignment
	Nonce       uint64
}

// ID returns the transition id. The id commits to the concealed form of every seal, so revealing a seal keeps it.
func (t *Transition) ID() (TransitionID, error) {
	b, err := t.encode(true)
	if err != nil {
		return TransitionID{}, err
	}

	return TransitionID(*chainhash.TaggedHash(tagTransition, b)), nil
}

// Encode returns the binary form of the transition.
func (t *Transition) Encode() ([]byte, error) { return t.encode(false) }

func (t *Transition) encode(conceal bool) ([]byte, error) {
	contract := [32]byte(t.Contract)
	nonce := t.Nonce

	ins, err := encodeOutpoints(t.Inputs)
	if err != nil {
		return nil, err
	}

	as, err := encodeAssignments(t.Assignments, conceal)
	if err != nil {
		return nil, err
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(0, &contract),
		tlv.MakePrimitiveRecord(2, &ins),
		tlv.MakePrimitiveRecord(4, &as),
		tlv.MakePrimitiveRecord(6, &nonce),
	)
}

// DecodeTransition parses the binary form of a transition.
func DecodeTransition(b []byte) (*Transition, error) {
	var (
		contract [32]byte
		ins, as  []byte
		nonce    uint64
	)

	err := decodeStream(b, []tlv.Type{0, 2, 4, 6},
		tlv.MakePrimitiveRecord(0, &contract),
		tlv.MakePrimitiveRecord(2, &ins),
		tlv.MakePrimitiveRecord(4, &as),
		tlv.MakePrimitiveRecord(6, &nonce),
	)
	if err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}

	t := &Transition{Contract: ContractID(contract), Nonce: nonce}

	if t.Inputs, err = decodeOutpoints(ins); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}

	if t.Assignments, err = decodeAssignments(as); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}

	return t, nil
}

// Anchor locates the commitment of a transition in its witness transaction.
type Anchor struct {
	Txid   chainhash.Hash
	Method Method
	Output uint32
	// InternalKey is the untweaked key of the taproot output, for tapret anchors.
	InternalKey [33]byte
}

// Bundle is a transition with its anchor.
type Bundle struct {
	Transition Transition
	Anchor     Anchor
}

// Encode returns the binary form of the bundle.
func (b *Bundle) Encode() ([]byte, error) {
	tr, err := b.Transition.Encode()
	if err != nil {
		return nil, err
	}

	txid := [32]byte(b.Anchor.Txid)
	method := uint8(b.Anchor.Method)
	output := b.Anchor.Output
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &tr),
		tlv.MakePrimitiveRecord(2, &txid),
		tlv.MakePrimitiveRecord(4, &method),
		tlv.MakePrimitiveRecord(6, &output),
	}

	key := b.Anchor.InternalKey
	if b.Anchor.Method == Tapret {
		records = append(records, tlv.MakePrimitiveRecord(8, &key))
	}

	return encodeStream(records...)
}

// DecodeBundle parses the binary form of a bundle.
func DecodeBundle(b []byte) (*Bundle, error) {
	var (
		tr     []byte
		txid   [32]byte
		method uint8
		output uint32
		key    [33]byte
	)

	err := decodeStream(b, []tlv.Type{0, 2, 4, 6},
		tlv.MakePrimitiveRecord(0, &tr),
		tlv.MakePrimitiveRecord(2, &txid),
		tlv.MakePrimitiveRecord(4, &method),
		tlv.MakePrimitiveRecord(6, &output),
		tlv.MakePrimitiveRecord(8, &key),
	)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}

	t, err := DecodeTransition(tr)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Transition: *t,
		Anchor:     Anchor{Txid: chainhash.Hash(txid), Method: Method(method), Output: output, InternalKey: key},
	}, nil
}

// CommitmentScript returns the script of the output hosting commitment c. internal is only used by tapret.
func CommitmentScript(m Method, c [32]byte, internal *btcec.PublicKey) ([]byte, error) {
	switch m {
	case Opret:
		return txscript.NullDataScript(c[:])
	case Tapret:
		if internal == nil {
			return nil, fmt.Errorf("%w: tapret needs an internal key", ErrAnchor)
		}

		out := txscript.ComputeTaprootOutputKey(internal, c[:])

		return txscript.PayToTaprootScript(out)
	}

	return nil, fmt.Errorf("%w: %s", ErrAnchor, m)
}

// VerifyAnchor checks tx is the witness of the bundle: it has the anchored txid, spends every input of the
// transition and carries the transition commitment at the anchored output.
func VerifyAnchor(b *Bundle, tx *wire.MsgTx) error {
	if tx.TxHash() != b.Anchor.Txid {
		return fmt.Errorf("%w: witness is %s, anchor names %s", ErrAnchor, tx.TxHash(), b.Anchor.Txid)
	}

	spent := make(map[wire.OutPoint]bool, len(tx.TxIn))
	for _, in := range tx.TxIn {
		spent[in.PreviousOutPoint] = true
	}

	for _, op := range b.Transition.Inputs {
		if !spent[op] {
			return fmt.Errorf("%w: input %s is not spent by %s", ErrAnchor, op, b.Anchor.Txid)
		}
	}

	if int(b.Anchor.Output) >= len(tx.TxOut) {
		return fmt.Errorf("%w: output %d out of range", ErrAnchor, b.Anchor.Output)
	}

	tid, err := b.Transition.ID()
	if err != nil {
		return err
	}

	var internal *btcec.PublicKey

	if b.Anchor.Method == Tapret {
		if internal, err = btcec.ParsePubKey(b.Anchor.InternalKey[:]); err != nil {
			return fmt.Errorf("%w: internal key: %w", ErrAnchor, err)
		}
	}

	want, err := CommitmentScript(b.Anchor.Method, Commitment(b.Transition.Contract, tid), internal)
	if err != nil {
		return err
	}

	if !bytes.Equal(tx.TxOut[b.Anchor.Output].PkScript, want) {
		return fmt.Errorf("%w: output %d does not carry the commitment", ErrAnchor, b.Anchor.Output)
	}

	return nil
}
