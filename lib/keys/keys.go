// Package keys implements the wallet key ring. Keys are derived from the wallet seed with BIP-32:
//
//	m/84'/coin'/0'/branch/index   P2WPKH receive (branch 0) and change (branch 1) keys
//	m/86'/coin'/0'/0/index        taproot internal keys of commitment hosting outputs
//	m/1017'/0'/0'                 Firefly deploy key
//
// The ring remembers every script it derived so it can sign for it later.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Branches of the P2WPKH account.
const (
	External uint32 = 0
	Internal uint32 = 1
)

const (
	purposeSegwit  = 84
	purposeTaproot = 86
	purposeFirefly = 1017
)

// ErrUnknownScript is returned when a script was not derived by the ring.
var ErrUnknownScript = errors.New("script does not belong to the wallet")

// GenerateSeed returns a new random seed.
func GenerateSeed() ([]byte, error) {
	return hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
}

// Key is a derived key.
type Key struct {
	Priv *btcec.PrivateKey
	Path []uint32
}

// Pub returns the public key.
func (k *Key) Pub() *btcec.PublicKey { return k.Priv.PubKey() }

type owned struct {
	key  *Key
	root []byte
}

// Ring derives and remembers wallet keys.
type Ring struct {
	params *chaincfg.Params
	master *hdkeychain.ExtendedKey

	mu      sync.RWMutex
	scripts map[string]owned
}

// New returns the key ring of seed for the chain params.
func New(seed []byte, params *chaincfg.Params) (*Ring, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("cannot create master key: %w", err)
	}

	return &Ring{params: params, master: master, scripts: make(map[string]owned)}, nil
}

func (r *Ring) derive(path ...uint32) (*Key, error) {
	k := r.master

	for _, i := range path {
		var err error
		if k, err = k.Derive(i); err != nil {
			return nil, fmt.Errorf("cannot derive %v: %w", path, err)
		}
	}

	priv, err := k.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("cannot get private key %v: %w", path, err)
	}

	return &Key{Priv: priv, Path: path}, nil
}

func hardened(i uint32) uint32 { return hdkeychain.HardenedKeyStart + i }

// Segwit returns the P2WPKH key and address at branch/index.
func (r *Ring) Segwit(branch, index uint32) (*Key, btcutil.Address, error) {
	k, err := r.derive(hardened(purposeSegwit), hardened(r.params.HDCoinType), hardened(0), branch, index)
	if err != nil {
		return nil, nil, err
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(k.Pub().SerializeCompressed()), r.params)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create address: %w", err)
	}

	if err = r.remember(addr, k, nil); err != nil {
		return nil, nil, err
	}

	return k, addr, nil
}

// Taproot returns the internal key at index.
func (r *Ring) Taproot(index uint32) (*Key, error) {
	return r.derive(hardened(purposeTaproot), hardened(r.params.HDCoinType), hardened(0), 0, index)
}

// Tweaked returns the address of the taproot output with internal key k committing to root, and remembers it.
func (r *Ring) Tweaked(k *Key, root []byte) (btcutil.Address, error) {
	out := txscript.ComputeTaprootOutputKey(k.Pub(), root)

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(out), r.params)
	if err != nil {
		return nil, fmt.Errorf("cannot create taproot address: %w", err)
	}

	if err = r.remember(addr, k, root); err != nil {
		return nil, err
	}

	return addr, nil
}

// Firefly returns the key used to sign Firefly deploys.
func (r *Ring) Firefly() (*btcec.PrivateKey, error) {
	k, err := r.derive(hardened(purposeFirefly), hardened(0), hardened(0))
	if err != nil {
		return nil, err
	}

	return k.Priv, nil
}

func (r *Ring) remember(addr btcutil.Address, k *Key, root []byte) error {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("cannot create script for %s: %w", addr, err)
	}

	r.mu.Lock()
	r.scripts[hex.EncodeToString(script)] = owned{key: k, root: root}
	r.mu.Unlock()

	return nil
}

// Owns returns true if pkScript was derived by the ring.
func (r *Ring) Owns(pkScript []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.scripts[hex.EncodeToString(pkScript)]

	return ok
}

// SigningKey implements bitcoin.KeySource.
func (r *Ring) SigningKey(pkScript []byte) (*btcec.PrivateKey, []byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.scripts[hex.EncodeToString(pkScript)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %x", ErrUnknownScript, pkScript)
	}

	return o.key.Priv, o.root, nil
}
