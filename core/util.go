package core

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// parseOutpoint parses the txid:vout form of an outpoint.
func parseOutpoint(s string) (wire.OutPoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}

	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s, err)
	}

	n, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w", s, err)
	}

	return wire.OutPoint{Hash: *h, Index: uint32(n)}, nil
}

func decodeRoot(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != chainhash.HashSize {
		return nil, fmt.Errorf("invalid root %q", s)
	}

	return b, nil
}

// random returns a random number for blindings and nonces.
func random() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("cannot read random bytes: %w", err)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
