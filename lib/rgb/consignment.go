package rgb

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// ConsignmentVersion is the version of the consignment encoding.
const ConsignmentVersion uint8 = 1

// ErrConsignment is returned for consignments that cannot be decoded or do not match their contract.
var ErrConsignment = errors.New("invalid consignment")

// Consignment carries the history of a contract: its genesis and the anchored transitions in the order they were
// applied.
type Consignment struct {
	Version  uint8
	Contract ContractID
	Genesis  Genesis
	Bundles  []Bundle
}

// Export returns the consignment of the full known history of the contract. Seals revealed to the wallet stay
// revealed so the receiver can validate later spends of them.
func (s *State) Export() *Consignment {
	return &Consignment{
		Version:  ConsignmentVersion,
		Contract: s.Contract,
		Genesis:  s.Genesis,
		Bundles:  append([]Bundle(nil), s.Bundles...),
	}
}

// Encode returns the binary form of the consignment.
func (c *Consignment) Encode() ([]byte, error) {
	version := c.Version
	contract := [32]byte(c.Contract)

	genesis, err := c.Genesis.Encode()
	if err != nil {
		return nil, err
	}

	var bundles bytes.Buffer

	i := 0
	err = writeList(&bundles, len(c.Bundles), func(w io.Writer) error {
		b, err := c.Bundles[i].Encode()
		if err != nil {
			return err
		}

		i++

		return writeVarBytes(w, b)
	})
	if err != nil {
		return nil, err
	}

	bs := bundles.Bytes()

	return encodeStream(
		tlv.MakePrimitiveRecord(0, &version),
		tlv.MakePrimitiveRecord(2, &contract),
		tlv.MakePrimitiveRecord(4, &genesis),
		tlv.MakePrimitiveRecord(6, &bs),
	)
}

// DecodeConsignment parses a consignment and checks its genesis issues the named contract.
func DecodeConsignment(b []byte) (*Consignment, error) {
	var (
		version          uint8
		contract         [32]byte
		genesis, bundles []byte
	)

	err := decodeStream(b, []tlv.Type{0, 2, 4, 6},
		tlv.MakePrimitiveRecord(0, &version),
		tlv.MakePrimitiveRecord(2, &contract),
		tlv.MakePrimitiveRecord(4, &genesis),
		tlv.MakePrimitiveRecord(6, &bundles),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsignment, err)
	}

	if version != ConsignmentVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrConsignment, version)
	}

	g, err := DecodeGenesis(genesis)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsignment, err)
	}

	id, err := g.ContractID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsignment, err)
	}

	if id != ContractID(contract) {
		return nil, fmt.Errorf("%w: genesis issues %s, consignment names %s", ErrConsignment, id,
			ContractID(contract))
	}

	c := &Consignment{Version: version, Contract: id, Genesis: *g}

	r := bytes.NewReader(bundles)

	n, err := readCount(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsignment, err)
	}

	for i := 0; i < n; i++ {
		raw, err := readVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %d: %w", ErrConsignment, i, err)
		}

		bundle, err := DecodeBundle(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %d: %w", ErrConsignment, i, err)
		}

		if bundle.Transition.Contract != id {
			return nil, fmt.Errorf("%w: bundle %d belongs to contract %s", ErrConsignment, i,
				bundle.Transition.Contract)
		}

		c.Bundles = append(c.Bundles, *bundle)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrConsignment, r.Len())
	}

	return c, nil
}
