// Package rgb implements the RGB contract model of the wallet: fungible (NIA schema) contracts issued by a genesis
// and advanced by state transitions anchored into Bitcoin transactions, the stash runtime holding a contract's
// state, consignments carrying contract history between wallets, and invoices.
package rgb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash tags.
var (
	tagGenesis    = []byte("urn:rgbw:genesis#v1")
	tagTransition = []byte("urn:rgbw:transition#v1")
	tagCommitment = []byte("urn:rgbw:commitment#v1")
	tagSeal       = []byte("urn:rgbw:seal#concealed")
)

// Errors returned
var (
	ErrInvalidID = errors.New("invalid identifier")
)

// ContractID identifies a contract. It is the tagged hash of the contract genesis.
type ContractID [32]byte

// String returns the base58 form of the id.
func (c ContractID) String() string { return base58.Encode(c[:]) }

// Compare orders contract ids bytewise.
func (c ContractID) Compare(o ContractID) int { return bytes.Compare(c[:], o[:]) }

// MarshalText implements encoding.TextMarshaler.
func (c ContractID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ContractID) UnmarshalText(b []byte) error {
	id, err := ParseContractID(string(b))
	if err != nil {
		return err
	}

	*c = id

	return nil
}

// ParseContractID parses the base58 form of a contract id.
func ParseContractID(s string) (ContractID, error) {
	var c ContractID

	b := base58.Decode(s)
	if len(b) != len(c) {
		return c, fmt.Errorf("%w: contract %q", ErrInvalidID, s)
	}

	copy(c[:], b)

	return c, nil
}

// TransitionID identifies a state transition.
type TransitionID [32]byte

func (t TransitionID) String() string { return hex.EncodeToString(t[:]) }

// AuthToken is a concealed seal: it commits to an outpoint and a blinding factor without revealing them.
type AuthToken [32]byte

// String returns the base58 form of the token.
func (a AuthToken) String() string { return base58.Encode(a[:]) }

// ParseAuthToken parses the base58 form of an auth token.
func ParseAuthToken(s string) (AuthToken, error) {
	var a AuthToken

	b := base58.Decode(s)
	if len(b) != len(a) {
		return a, fmt.Errorf("%w: auth token %q", ErrInvalidID, s)
	}

	copy(a[:], b)

	return a, nil
}

// Commitment returns the 32 bytes a witness transaction carries for transition tid of contract cid.
func Commitment(cid ContractID, tid TransitionID) [32]byte {
	return *chainhash.TaggedHash(tagCommitment, cid[:], tid[:])
}
