package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("disk on fire")

	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"plain", base, Internal},
		{"direct", New(NotFound, "contract %s", "x"), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(LeaseTimeout, "waited")), LeaseTimeout},
		{"partial", Partial("abcd", base), PartialCommit},
	}

	for _, c := range cases {
		require.Equal(t, c.kind, KindOf(c.err), c.name)
		require.True(t, Is(c.err, c.kind), c.name)
	}

	require.False(t, Is(nil, Internal))
}

func TestCorrelationAndTxid(t *testing.T) {
	e := New(Internal, "boom")
	require.NotEmpty(t, e.CorrelationID)

	p := New(PoisonedRuntime, "contract")
	require.NotEmpty(t, p.CorrelationID)

	n := New(InvalidInput, "bad")
	require.Empty(t, n.CorrelationID)

	pc := Partial("deadbeef", errors.New("flush"))
	require.Equal(t, "deadbeef", TxidOf(fmt.Errorf("x: %w", pc)))
	require.Contains(t, pc.Error(), "txid=deadbeef")
	require.ErrorContains(t, Wrap(Upstream, errors.New("timeout"), "esplora"), "Upstream: esplora: timeout")
}
