package core

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tarancss/rgbwallet/lib/keys"
	"github.com/tarancss/rgbwallet/lib/rgb"
)

// owner implements rgb.Owner for the wallet. An output is owned when its script was derived by the key ring or
// when it hosts a blinded seal of the wallet. Scripts are only known for the transactions added with addTx.
type owner struct {
	ring  *keys.Ring
	outs  map[wire.OutPoint][]byte
	seals map[rgb.AuthToken]rgb.Seal
	// revealed collects the tokens of seals revealed while applying transitions.
	revealed map[rgb.AuthToken]bool
}

// owner returns the owner of the wallet for contract cid, knowing the blinded seals issued for it.
func (s *Service) owner(cid rgb.ContractID) *owner {
	o := &owner{
		ring:     s.cfg.Ring,
		outs:     make(map[wire.OutPoint][]byte),
		seals:    make(map[rgb.AuthToken]rgb.Seal),
		revealed: make(map[rgb.AuthToken]bool),
	}

	for token, ss := range s.cfg.Dir.State().SecretSeals {
		if ss.Contract != cid.String() {
			continue
		}

		b, err := hex.DecodeString(token)
		if err != nil || len(b) != len(rgb.AuthToken{}) {
			log.Warnf("Ignoring malformed secret seal %q", token)

			continue
		}

		op, err := parseOutpoint(ss.Outpoint)
		if err != nil {
			log.Warnf("Ignoring secret seal %s: %v", token, err)

			continue
		}

		o.seals[rgb.AuthToken(b)] = rgb.Seal{Txid: op.Hash, Vout: op.Index, Blinding: ss.Blinding}
	}

	return o
}

// addTx records the output scripts of tx.
func (o *owner) addTx(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		o.outs[wire.OutPoint{Hash: txid, Index: uint32(i)}] = out.PkScript
	}
}

// addOut records the script of one output.
func (o *owner) addOut(txid chainhash.Hash, vout uint32, script []byte) {
	o.outs[wire.OutPoint{Hash: txid, Index: vout}] = script
}

// Owns implements rgb.Owner.
func (o *owner) Owns(op wire.OutPoint) bool {
	if script, ok := o.outs[op]; ok && o.ring.Owns(script) {
		return true
	}

	for _, seal := range o.seals {
		if seal.Resolve(seal.Txid) == op {
			return true
		}
	}

	return false
}

// Reveal implements rgb.Owner.
func (o *owner) Reveal(token rgb.AuthToken) (rgb.Seal, bool) {
	seal, ok := o.seals[token]
	if ok {
		o.revealed[token] = true
	}

	return seal, ok
}
