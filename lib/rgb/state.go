package rgb

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// Errors returned by Apply.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrKnownTransition   = errors.New("transition already applied")
)

// Owner tells a state which seals the wallet controls.
type Owner interface {
	// Owns reports whether the wallet controls the output.
	Owns(op wire.OutPoint) bool
	// Reveal returns the seal behind a token issued by the wallet.
	Reveal(token AuthToken) (Seal, bool)
}

// Foreign is an Owner controlling nothing.
type Foreign struct{}

// Owns implements Owner.
func (Foreign) Owns(wire.OutPoint) bool { return false }

// Reveal implements Owner.
func (Foreign) Reveal(AuthToken) (Seal, bool) { return Seal{}, false }

// State is the validated state of a contract: its genesis, the applied transitions and the resulting allocations.
type State struct {
	Contract ContractID
	Genesis  Genesis
	Bundles  []Bundle
	// Allocs holds every allocation ever created, spent ones included.
	Allocs map[wire.OutPoint]*Allocation
	// Concealed sums the amounts assigned to seals the wallet cannot reveal.
	Concealed map[AuthToken]uint64
	Seq       uint64

	known map[TransitionID]bool
}

// NewState returns the state of the contract issued by g.
func NewState(g *Genesis, owner Owner) (*State, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	id, err := g.ContractID()
	if err != nil {
		return nil, err
	}

	s := &State{
		Contract:  id,
		Genesis:   *g,
		Allocs:    make(map[wire.OutPoint]*Allocation),
		Concealed: make(map[AuthToken]uint64),
		known:     make(map[TransitionID]bool),
	}

	for _, a := range g.Allocations {
		op := a.Seal.Resolve(a.Seal.Txid)
		s.add(op, a.Amount, owner.Owns(op))
	}

	return s, nil
}

func (s *State) add(op wire.OutPoint, amount uint64, owned bool) {
	if a, ok := s.Allocs[op]; ok && !a.Spent() {
		a.Amount += amount
		a.Owned = a.Owned || owned

		return
	}

	s.Seq++
	s.Allocs[op] = &Allocation{Outpoint: op, Amount: amount, Owned: owned, Seq: s.Seq}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s.known == nil {
		s.index()
	}

	c := &State{
		Contract:  s.Contract,
		Genesis:   s.Genesis,
		Bundles:   append([]Bundle(nil), s.Bundles...),
		Allocs:    make(map[wire.OutPoint]*Allocation, len(s.Allocs)),
		Concealed: make(map[AuthToken]uint64, len(s.Concealed)),
		Seq:       s.Seq,
		known:     make(map[TransitionID]bool, len(s.known)),
	}

	for k, v := range s.Allocs {
		a := *v
		c.Allocs[k] = &a
	}

	for k, v := range s.Concealed {
		c.Concealed[k] = v
	}

	for k := range s.known {
		c.known[k] = true
	}

	return c
}

// Known returns true if the transition was applied.
func (s *State) Known(tid TransitionID) bool {
	if s.known == nil {
		s.index()
	}

	return s.known[tid]
}

func (s *State) index() {
	s.known = make(map[TransitionID]bool, len(s.Bundles))

	for i := range s.Bundles {
		if tid, err := s.Bundles[i].Transition.ID(); err == nil {
			s.known[tid] = true
		}
	}
}

// Apply validates the bundle against the state and applies it: the inputs must be unspent allocations of the
// contract and the assigned amounts must balance them. Concealed seals the owner can reveal are stored revealed.
// The state is unchanged when an error is returned.
func (s *State) Apply(b Bundle, owner Owner) error {
	t := &b.Transition

	tid, err := t.ID()
	if err != nil {
		return err
	}

	if s.Known(tid) {
		return fmt.Errorf("%w: %s", ErrKnownTransition, tid)
	}

	if t.Contract != s.Contract {
		return fmt.Errorf("%w: transition of contract %s", ErrInvalidTransition, t.Contract)
	}

	if len(t.Inputs) == 0 || len(t.Assignments) == 0 {
		return fmt.Errorf("%w: transition %s has no inputs or no assignments", ErrInvalidTransition, tid)
	}

	var in, out uint64

	seen := make(map[wire.OutPoint]bool, len(t.Inputs))
	for _, op := range t.Inputs {
		a, ok := s.Allocs[op]
		if !ok || seen[op] {
			return fmt.Errorf("%w: input %s is not an allocation", ErrInvalidTransition, op)
		}

		if a.Spent() {
			return fmt.Errorf("%w: input %s already spent by %s", ErrInvalidTransition, op, a.SpentBy)
		}

		seen[op] = true
		in += a.Amount
	}

	assignments := make([]Assignment, len(t.Assignments))
	mine := make([]bool, len(t.Assignments))

	for i, a := range t.Assignments {
		if a.Amount == 0 || out > math.MaxUint64-a.Amount {
			return fmt.Errorf("%w: assignment %d amount %d", ErrInvalidTransition, i, a.Amount)
		}

		out += a.Amount

		if a.Seal == nil {
			if seal, ok := owner.Reveal(a.Token); ok && seal.Conceal() == a.Token {
				a = Revealed(seal, a.Amount)
				mine[i] = true
			}
		}

		assignments[i] = a
	}

	if in != out {
		return fmt.Errorf("%w: inputs %d, assignments %d", ErrInvalidTransition, in, out)
	}

	for _, op := range t.Inputs {
		s.Allocs[op].SpentBy = b.Anchor.Txid
	}

	for i, a := range assignments {
		if a.Seal == nil {
			s.Concealed[a.Token] += a.Amount

			continue
		}

		op := a.Seal.Resolve(b.Anchor.Txid)
		s.add(op, a.Amount, mine[i] || owner.Owns(op))
	}

	b.Transition.Assignments = assignments
	s.Bundles = append(s.Bundles, b)
	s.known[tid] = true

	return nil
}

// Balance returns the amount held by unspent allocations the wallet owns.
func (s *State) Balance() uint64 {
	var sum uint64

	for _, a := range s.Allocs {
		if a.Owned && !a.Spent() {
			sum += a.Amount
		}
	}

	return sum
}

// Unspent returns the unspent allocations, oldest first. With owned set only the allocations the wallet owns are
// returned.
func (s *State) Unspent(owned bool) []Allocation {
	var out []Allocation

	for _, a := range s.Allocs {
		if !a.Spent() && (a.Owned || !owned) {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out
}

// Allocations returns every allocation, spent ones included, oldest first.
func (s *State) Allocations() []Allocation {
	out := make([]Allocation, 0, len(s.Allocs))
	for _, a := range s.Allocs {
		out = append(out, *a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out
}
