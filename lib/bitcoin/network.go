// Package bitcoin defines the Bitcoin adapter used by the wallet: the network selection, the chain data types read
// from an Esplora compatible endpoint, transaction composition as PSBT, signing and fee sizing.
package bitcoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network is the consensus tag of a Bitcoin network.
type Network string

// Supported networks.
const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Errors returned
var (
	ErrUnknownNetwork = errors.New("unknown bitcoin network")
	ErrWrongNetwork   = errors.New("address is not valid for the network")
)

// ParseNetwork returns the network named s.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Mainnet, Testnet, Signet, Regtest:
		return n, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// Params returns the chain parameters of the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}

func (n Network) String() string { return string(n) }

// DecodeAddress decodes addr and checks it belongs to the network.
func (n Network) DecodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, n.Params())
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	if !a.IsForNet(n.Params()) {
		return nil, fmt.Errorf("%w: %s on %s", ErrWrongNetwork, addr, n)
	}

	return a, nil
}
