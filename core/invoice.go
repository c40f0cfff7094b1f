package core

import (
	"context"
	"encoding/hex"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/pkg/errors"

	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/keys"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/store/fs"
)

// Beneficiary kinds of an invoice request.
const (
	BeneficiaryBlinded = "blinded"
	BeneficiaryWitness = "witness"
)

// InvoiceRequest asks for an invoice. Amount zero leaves the amount to the payer.
type InvoiceRequest struct {
	Amount      uint64 `json:"amount"`
	Beneficiary string `json:"beneficiary,omitempty"`
}

// GenerateInvoice returns an invoice to receive an amount of contract cid. The contract does not need to be known
// to the wallet yet. A blinded beneficiary conceals an unspent wallet output that is reserved until the transfer is
// accepted; a witness beneficiary asks the payer to create an output paying to a new wallet address.
func (s *Service) GenerateInvoice(ctx context.Context, cid rgb.ContractID, req InvoiceRequest) (string, error) {
	inv := rgb.Invoice{Contract: cid, Amount: fn.None[uint64](), Network: s.cfg.Network.String()}
	if req.Amount > 0 {
		inv.Amount = fn.Some(req.Amount)
	}

	switch req.Beneficiary {
	case "", BeneficiaryBlinded:
		token, err := s.blindSeal(ctx, cid)
		if err != nil {
			return "", err
		}

		inv.Beneficiary.Token = token
	case BeneficiaryWitness:
		_, addr, err := s.derive(keys.External)
		if err != nil {
			return "", err
		}

		inv.Beneficiary.Address = addr.EncodeAddress()
	default:
		return "", errs.New(errs.InvalidInput, "unknown beneficiary %q", req.Beneficiary)
	}

	log.Debugf("Generated invoice %s", inv)

	return inv.String(), nil
}

// blindSeal reserves a free wallet output for a blinded seal of cid and returns its auth token.
func (s *Service) blindSeal(ctx context.Context, cid rgb.ContractID) (rgb.AuthToken, error) {
	utxos, err := s.walletUTXOs(ctx)
	if err != nil {
		return rgb.AuthToken{}, err
	}

	// the reservation is made under the address lock so that two invoices never share an output
	s.addrs.Lock()
	defer s.addrs.Unlock()

	free := s.freeUTXOs(utxos, 0)
	if len(free) == 0 {
		return rgb.AuthToken{}, errs.New(errs.InsufficientBitcoinFunds,
			"no free output to blind, fund the wallet or ask for a witness invoice")
	}

	// the smallest output is blinded, larger ones are kept for fees
	sort.SliceStable(free, func(i, j int) bool { return free[i].Value < free[j].Value })

	blinding, err := random()
	if err != nil {
		return rgb.AuthToken{}, s.internal(err, "cannot blind seal")
	}

	op := free[0].OutPoint
	token := rgb.Seal{Txid: op.Hash, Vout: op.Index, Blinding: blinding}.Conceal()

	err = s.cfg.Dir.UpdateState(func(st *fs.State) error {
		st.SecretSeals[hex.EncodeToString(token[:])] = fs.SecretSeal{
			Outpoint: op.String(),
			Blinding: blinding,
			Contract: cid.String(),
		}

		return nil
	})
	if err != nil {
		return rgb.AuthToken{}, s.internal(err, "cannot save secret seal")
	}

	return token, nil
}

// ParseInvoice parses an invoice for the wallet network.
func (s *Service) ParseInvoice(invoice string) (rgb.Invoice, error) {
	inv, err := rgb.ParseInvoiceFor(invoice, s.cfg.Network.String())
	if errors.Is(err, rgb.ErrInvoiceNetwork) {
		return inv, errs.Wrap(errs.NetworkMismatch, err, "")
	}

	if err != nil {
		return inv, errs.Wrap(errs.InvalidInput, err, "")
	}

	return inv, nil
}
