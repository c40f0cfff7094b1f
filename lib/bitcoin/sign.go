package bitcoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrSigning is returned when an input of a packet cannot be signed.
var ErrSigning = errors.New("cannot sign input")

// KeySource returns the key controlling an output script. For taproot outputs tapRoot is the tweak the output key
// commits to, nil for an untweaked key.
type KeySource interface {
	SigningKey(pkScript []byte) (priv *btcec.PrivateKey, tapRoot []byte, err error)
}

// Sign signs every input of packet with keys from ks, finalizes it and returns the signed transaction. P2WPKH inputs
// are signed with SIGHASH_ALL and taproot inputs through the key path with SIGHASH_DEFAULT.
func Sign(packet *psbt.Packet, ks KeySource) (*wire.MsgTx, error) {
	tx := packet.UnsignedTx
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn)))

	for i, in := range tx.TxIn {
		wu := packet.Inputs[i].WitnessUtxo
		if wu == nil {
			return nil, fmt.Errorf("%w %d: missing witness utxo", ErrSigning, i)
		}

		fetcher.AddPrevOut(in.PreviousOutPoint, wu)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	u, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, fmt.Errorf("cannot update psbt: %w", err)
	}

	for i := range tx.TxIn {
		wu := packet.Inputs[i].WitnessUtxo

		priv, root, err := ks.SigningKey(wu.PkScript)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrSigning, i, err)
		}

		if txscript.IsPayToTaproot(wu.PkScript) {
			sig, err := txscript.RawTxInTaprootSignature(tx, sigHashes, i, wu.Value, wu.PkScript, root,
				txscript.SigHashDefault, priv)
			if err != nil {
				return nil, fmt.Errorf("%w %d: %w", ErrSigning, i, err)
			}

			packet.Inputs[i].TaprootKeySpendSig = sig

			continue
		}

		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, wu.Value, wu.PkScript, txscript.SigHashAll,
			priv)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrSigning, i, err)
		}

		if _, err = u.Sign(i, sig, priv.PubKey().SerializeCompressed(), nil, nil); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrSigning, i, err)
		}
	}

	if err = psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("cannot finalize psbt: %w", err)
	}

	return psbt.Extract(packet)
}
