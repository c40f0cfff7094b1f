package rgb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Invoice grammar tokens.
const (
	invoiceScheme  = "rgb:"
	invoiceIface   = "BF"
	invoiceVersion = "0"
	tokenPrefix    = "at:"
	addressPrefix  = "wv:"
	netParam       = "?net="
	anyAmount      = "~"
)

// Errors returned by invoice parsing.
var (
	ErrInvoice            = errors.New("invalid invoice")
	ErrInvoiceNetwork     = errors.New("invoice is for another network")
	ErrOpaqueBeneficiary  = errors.New("beneficiary is a concealed seal")
	errUnsupportedVersion = errors.New("unsupported invoice interface or version")
)

var networks = map[string]*chaincfg.Params{
	"mainnet": &chaincfg.MainNetParams,
	"testnet": &chaincfg.TestNet3Params,
	"signet":  &chaincfg.SigNetParams,
	"regtest": &chaincfg.RegressionNetParams,
}

// Beneficiary is who an invoice pays: either a concealed seal the recipient already defined, or an address the
// payer creates a witness output for.
type Beneficiary struct {
	Token   AuthToken
	Address string
}

// Opaque returns true when the beneficiary is a concealed seal.
func (b Beneficiary) Opaque() bool { return b.Address == "" }

func (b Beneficiary) String() string {
	if b.Opaque() {
		return tokenPrefix + b.Token.String()
	}

	return addressPrefix + b.Address
}

// Invoice asks for an amount of a contract to be assigned to a beneficiary.
type Invoice struct {
	Contract    ContractID
	Beneficiary Beneficiary
	Amount      fn.Option[uint64]
	Network     string
}

// String returns the invoice in its wire form: rgb:<contract>/BF+0/<amount|~>/<beneficiary>?net=<network>.
func (inv Invoice) String() string {
	amount := anyAmount
	inv.Amount.WhenSome(func(a uint64) { amount = strconv.FormatUint(a, 10) })

	return fmt.Sprintf("%s%s/%s+%s/%s/%s%s%s", invoiceScheme, inv.Contract, invoiceIface, invoiceVersion, amount,
		inv.Beneficiary, netParam, inv.Network)
}

// ParseInvoice parses the wire form of an invoice.
func ParseInvoice(s string) (Invoice, error) {
	var inv Invoice

	rest, ok := strings.CutPrefix(s, invoiceScheme)
	if !ok {
		return inv, fmt.Errorf("%w: missing %q scheme", ErrInvoice, invoiceScheme)
	}

	rest, network, ok := strings.Cut(rest, netParam)
	if !ok {
		return inv, fmt.Errorf("%w: missing network", ErrInvoice)
	}

	params, ok := networks[network]
	if !ok {
		return inv, fmt.Errorf("%w: unknown network %q", ErrInvoice, network)
	}

	inv.Network = network

	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return inv, fmt.Errorf("%w: expected 4 segments, got %d", ErrInvoice, len(parts))
	}

	var err error
	if inv.Contract, err = ParseContractID(parts[0]); err != nil {
		return inv, fmt.Errorf("%w: %w", ErrInvoice, err)
	}

	if parts[1] != invoiceIface+"+"+invoiceVersion {
		return inv, fmt.Errorf("%w: %w %q", ErrInvoice, errUnsupportedVersion, parts[1])
	}

	if parts[2] == anyAmount {
		inv.Amount = fn.None[uint64]()
	} else {
		amount, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil || amount == 0 {
			return inv, fmt.Errorf("%w: amount %q", ErrInvoice, parts[2])
		}

		inv.Amount = fn.Some(amount)
	}

	switch ben := parts[3]; {
	case strings.HasPrefix(ben, tokenPrefix):
		if inv.Beneficiary.Token, err = ParseAuthToken(ben[len(tokenPrefix):]); err != nil {
			return inv, fmt.Errorf("%w: %w", ErrInvoice, err)
		}
	case strings.HasPrefix(ben, addressPrefix):
		addr, err := btcutil.DecodeAddress(ben[len(addressPrefix):], params)
		if err != nil || !addr.IsForNet(params) {
			return inv, fmt.Errorf("%w: address %q is not valid on %s", ErrInvoice, ben[len(addressPrefix):], network)
		}

		inv.Beneficiary.Address = addr.EncodeAddress()
	default:
		return inv, fmt.Errorf("%w: beneficiary %q", ErrInvoice, ben)
	}

	return inv, nil
}

// ParseInvoiceFor parses an invoice and checks it is for the given network.
func ParseInvoiceFor(s, network string) (Invoice, error) {
	inv, err := ParseInvoice(s)
	if err != nil {
		return inv, err
	}

	if inv.Network != network {
		return inv, fmt.Errorf("%w: invoice for %s, wallet on %s", ErrInvoiceNetwork, inv.Network, network)
	}

	return inv, nil
}

// ExtractSeal returns the auth token the payer must assign to. For address beneficiaries it returns false: the seal
// is only defined once the payer builds the witness transaction.
func (inv Invoice) ExtractSeal() (AuthToken, bool) {
	if inv.Beneficiary.Opaque() {
		return inv.Beneficiary.Token, true
	}

	return AuthToken{}, false
}

// RecipientAddress returns the address of an address beneficiary, or ErrOpaqueBeneficiary.
func (inv Invoice) RecipientAddress() (btcutil.Address, error) {
	if inv.Beneficiary.Opaque() {
		return nil, ErrOpaqueBeneficiary
	}

	params, ok := networks[inv.Network]
	if !ok {
		return nil, fmt.Errorf("%w: unknown network %q", ErrInvoice, inv.Network)
	}

	return btcutil.DecodeAddress(inv.Beneficiary.Address, params)
}
