package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
)

type runtime struct {
	flushes atomic.Int32
	closed  atomic.Bool
}

func (r *runtime) Flush() error {
	r.flushes.Add(1)

	return nil
}

func (r *runtime) Discard() {}

func (r *runtime) Close() error {
	r.closed.Store(true)

	return nil
}

func opener(fail rgb.ContractID) cache.Opener[*runtime] {
	return func(_ context.Context, id rgb.ContractID) (*runtime, error) {
		if id == fail {
			return nil, errors.New("no stash")
		}

		return &runtime{}, nil
	}
}

func TestWarmupAndSweep(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := clock.NewTestClock(start)
	c := cache.New(opener(rgb.ContractID{9}), cache.Config{MaxLive: 4, Clock: clk})
	tick := ticker.NewForce(time.Hour)

	m := New(c, Config{
		IdleTTL: 100 * time.Millisecond,
		Grace:   time.Second,
		Warmup:  []rgb.ContractID{{1}, {9}},
	}, tick)
	m.Start(context.Background())

	require.Equal(t, 1, c.Stats().Live)

	g, err := c.LeaseReadOnly(context.Background(), rgb.ContractID{2})
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.Equal(t, 2, c.Stats().Live)

	clk.SetTime(start.Add(200 * time.Millisecond))
	tick.Force <- clk.Now()

	// the sweep runs after the tick is received
	require.Eventually(t, func() bool { return c.Stats().Live == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(1), c.Stats().Evictions)

	require.NoError(t, m.Shutdown(context.Background()))
	require.Zero(t, c.Stats().Live)

	_, err = c.Lease(context.Background(), rgb.ContractID{1})
	require.ErrorIs(t, err, cache.ErrClosed)
}

func TestShutdownViolation(t *testing.T) {
	c := cache.New(opener(rgb.ContractID{}), cache.Config{MaxLive: 4})
	m := New(c, Config{Grace: 20 * time.Millisecond}, ticker.NewForce(time.Hour))
	m.Start(context.Background())

	g, err := c.Lease(context.Background(), rgb.ContractID{3})
	require.NoError(t, err)

	rt3 := g.Runtime()

	idle, err := c.Lease(context.Background(), rgb.ContractID{4})
	require.NoError(t, err)

	rt4 := idle.Runtime()
	require.NoError(t, idle.Release())

	err = m.Shutdown(context.Background())

	var v *ShutdownViolation
	require.ErrorAs(t, err, &v)
	require.Equal(t, []rgb.ContractID{{3}}, v.Leased)
	require.Contains(t, err.Error(), rgb.ContractID{3}.String())

	// idle runtimes were flushed and closed
	require.Equal(t, int32(2), rt4.flushes.Load())
	require.True(t, rt4.closed.Load())

	// the late release still flushes and closes
	require.NoError(t, g.Release())
	require.True(t, rt3.closed.Load())
}
