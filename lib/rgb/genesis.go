package rgb

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// SchemaNIA is the schema of non-inflatable fungible assets, the only schema supported.
const SchemaNIA = "NIA"

// MaxPrecision is the largest number of decimal digits of an asset.
const MaxPrecision = 18

// Method is the way a transition commitment is embedded in its witness transaction.
type Method uint8

// Commitment methods.
const (
	// Opret puts the commitment in an OP_RETURN output.
	Opret Method = iota
	// Tapret tweaks the key of a taproot output with the commitment.
	Tapret
)

func (m Method) String() string {
	switch m {
	case Opret:
		return "opret"
	case Tapret:
		return "tapret"
	}

	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod parses a method name. An empty name selects opret.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "opret":
		return Opret, nil
	case "tapret":
		return Tapret, nil
	}

	return 0, fmt.Errorf("%w: unknown commitment method %q", ErrInvalidGenesis, s)
}

// ErrInvalidGenesis is returned for genesis that do not satisfy the schema.
var ErrInvalidGenesis = errors.New("invalid genesis")

// Genesis issues a contract.
type Genesis struct {
	Schema      string
	Ticker      string
	Name        string
	Precision   uint8
	Supply      uint64
	Network     string
	Method      Method
	CreatedAt   int64
	Allocations []Assignment
}

// Validate checks the genesis against the NIA schema: the issued supply is fully allocated to revealed seals on
// existing transactions.
func (g *Genesis) Validate() error {
	if g.Schema != SchemaNIA {
		return fmt.Errorf("%w: unsupported schema %q", ErrInvalidGenesis, g.Schema)
	}

	if g.Ticker == "" || g.Name == "" {
		return fmt.Errorf("%w: ticker and name are required", ErrInvalidGenesis)
	}

	if g.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d above %d", ErrInvalidGenesis, g.Precision, MaxPrecision)
	}

	if g.Method != Opret && g.Method != Tapret {
		return fmt.Errorf("%w: %s", ErrInvalidGenesis, g.Method)
	}

	if len(g.Allocations) == 0 {
		return fmt.Errorf("%w: no allocations", ErrInvalidGenesis)
	}

	var sum uint64

	for i, a := range g.Allocations {
		if a.Seal == nil || a.Seal.OnWitness() {
			return fmt.Errorf("%w: allocation %d must be on an existing output", ErrInvalidGenesis, i)
		}

		if a.Amount == 0 || sum > math.MaxUint64-a.Amount {
			return fmt.Errorf("%w: allocation %d amount %d", ErrInvalidGenesis, i, a.Amount)
		}

		sum += a.Amount
	}

	if sum != g.Supply {
		return fmt.Errorf("%w: allocations sum %d, supply %d", ErrInvalidGenesis, sum, g.Supply)
	}

	return nil
}

// ContractID returns the id of the contract the genesis issues.
func (g *Genesis) ContractID() (ContractID, error) {
	b, err := g.Encode()
	if err != nil {
		return ContractID{}, err
	}

	return ContractID(*chainhash.TaggedHash(tagGenesis, b)), nil
}

// Encode returns the binary form of the genesis.
func (g *Genesis) Encode() ([]byte, error) {
	schema, ticker, name, network := []byte(g.Schema), []byte(g.Ticker), []byte(g.Name), []byte(g.Network)
	precision, method := g.Precision, uint8(g.Method)
	supply, created := g.Supply, uint64(g.CreatedAt)

	allocs, err := encodeAssignments(g.Allocations, false)
	if err != nil {
		return nil, err
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(0, &schema),
		tlv.MakePrimitiveRecord(2, &ticker),
		tlv.MakePrimitiveRecord(4, &name),
		tlv.MakePrimitiveRecord(6, &precision),
		tlv.MakePrimitiveRecord(8, &supply),
		tlv.MakePrimitiveRecord(10, &network),
		tlv.MakePrimitiveRecord(12, &method),
		tlv.MakePrimitiveRecord(14, &created),
		tlv.MakePrimitiveRecord(16, &allocs),
	)
}

// DecodeGenesis parses the binary form of a genesis.
func DecodeGenesis(b []byte) (*Genesis, error) {
	var (
		schema, ticker, name, network, allocs []byte
		precision, method                     uint8
		supply, created                       uint64
	)

	err := decodeStream(b, []tlv.Type{0, 2, 4, 6, 8, 10, 12, 14, 16},
		tlv.MakePrimitiveRecord(0, &schema),
		tlv.MakePrimitiveRecord(2, &ticker),
		tlv.MakePrimitiveRecord(4, &name),
		tlv.MakePrimitiveRecord(6, &precision),
		tlv.MakePrimitiveRecord(8, &supply),
		tlv.MakePrimitiveRecord(10, &network),
		tlv.MakePrimitiveRecord(12, &method),
		tlv.MakePrimitiveRecord(14, &created),
		tlv.MakePrimitiveRecord(16, &allocs),
	)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	as, err := decodeAssignments(allocs)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	return &Genesis{
		Schema:      string(schema),
		Ticker:      string(ticker),
		Name:        string(name),
		Precision:   precision,
		Supply:      supply,
		Network:     string(network),
		Method:      Method(method),
		CreatedAt:   int64(created),
		Allocations: as,
	}, nil
}
