package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/rgb"
)

type fakeRuntime struct {
	id       rgb.ContractID
	flushes  atomic.Int32
	discards atomic.Int32
	closed   atomic.Bool
	flushErr error
}

func (f *fakeRuntime) Flush() error {
	f.flushes.Add(1)

	return f.flushErr
}

func (f *fakeRuntime) Discard() { f.discards.Add(1) }

func (f *fakeRuntime) Close() error {
	f.closed.Store(true)

	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	opens    map[rgb.ContractID]int
	failLoad map[rgb.ContractID]error
	flushErr map[rgb.ContractID]error
	last     map[rgb.ContractID]*fakeRuntime
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		opens:    map[rgb.ContractID]int{},
		failLoad: map[rgb.ContractID]error{},
		flushErr: map[rgb.ContractID]error{},
		last:     map[rgb.ContractID]*fakeRuntime{},
	}
}

func (s *fakeStore) open(_ context.Context, id rgb.ContractID) (*fakeRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens[id]++

	if err := s.failLoad[id]; err != nil {
		delete(s.failLoad, id)

		return nil, err
	}

	rt := &fakeRuntime{id: id, flushErr: s.flushErr[id]}
	s.last[id] = rt

	return rt, nil
}

func (s *fakeStore) runtime(id rgb.ContractID) *fakeRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last[id]
}

func cid(b byte) rgb.ContractID { return rgb.ContractID{b} }

func TestLeaseFIFO(t *testing.T) {
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4})
	ctx := context.Background()
	id := cid(1)

	first, err := c.Lease(ctx, id)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		order  []int
		active atomic.Int32
		wg     sync.WaitGroup
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			g, err := c.Lease(ctx, id)
			if !assert.NoError(t, err) {
				return
			}

			assert.Equal(t, int32(1), active.Add(1), "more than one lease held")

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)
			active.Add(-1)
			assert.NoError(t, g.Release())
		}(i)

		// wait until waiter i is queued so enqueue order is known
		require.Eventually(t, func() bool { return c.Stats().Waiters == i+1 }, time.Second, time.Millisecond)
	}

	require.NoError(t, first.Release())
	wg.Wait()

	expected := make([]int, 32)
	for i := range expected {
		expected[i] = i
	}

	require.Equal(t, expected, order)

	s := c.Stats()
	require.Equal(t, 32, s.PeakWaiters)
	require.Zero(t, s.Waiters)
	require.Zero(t, s.Leased)
	require.Equal(t, 1, s.Live)
	require.Equal(t, uint64(1), s.Misses)
	require.Equal(t, uint64(32), s.Hits)
	require.Equal(t, 1, store.opens[id])
	require.Equal(t, int32(33), store.runtime(id).flushes.Load())
}

func TestEviction(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewTestClock(start)
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4, Clock: clk})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		clk.SetTime(start.Add(time.Duration(i) * time.Millisecond))

		g, err := c.LeaseReadOnly(ctx, cid(byte(i)))
		require.NoError(t, err)
		require.NoError(t, g.Release())
		require.LessOrEqual(t, c.Stats().Live, 4)
	}

	require.Equal(t, 4, c.Stats().Live)
	require.Equal(t, uint64(6), c.Stats().Evictions)

	// the least recently used were evicted and closed
	for i := 0; i < 6; i++ {
		require.True(t, store.runtime(cid(byte(i))).closed.Load(), i)
	}

	for i := 6; i < 10; i++ {
		require.False(t, store.runtime(cid(byte(i))).closed.Load(), i)
	}

	clk.SetTime(start.Add(200 * time.Millisecond))
	require.Equal(t, 4, c.SweepIdle(100*time.Millisecond))
	require.Zero(t, c.Stats().Live)
}

func TestEvictionTieBreak(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1000, 0))
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 2, Clock: clk})
	ctx := context.Background()

	for _, b := range []byte{9, 3, 5} {
		g, err := c.LeaseReadOnly(ctx, cid(b))
		require.NoError(t, err)
		require.NoError(t, g.Release())
	}

	// 9 and 3 were released at the same instant when 5 was loaded: the lower id goes
	require.True(t, store.runtime(cid(3)).closed.Load())
	require.False(t, store.runtime(cid(9)).closed.Load())
}

func TestLoadFailure(t *testing.T) {
	store := newFakeStore()
	store.failLoad[cid(1)] = errors.New("corrupt stash")
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4})

	_, err := c.Lease(context.Background(), cid(1))
	require.ErrorContains(t, err, "corrupt stash")
	require.NotErrorIs(t, err, ErrPoisoned)
	require.Zero(t, c.Stats().Live)

	g, err := c.Lease(context.Background(), cid(1))
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.Equal(t, 2, store.opens[cid(1)])
}

func TestLoadFailureWakesWaiter(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})

	var first atomic.Bool

	open := func(ctx context.Context, id rgb.ContractID) (*fakeRuntime, error) {
		if first.CompareAndSwap(false, true) {
			<-gate
		}

		return store.open(ctx, id)
	}
	store.failLoad[cid(1)] = errors.New("io error")
	c := New[*fakeRuntime](open, Config{MaxLive: 4})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Lease(context.Background(), cid(1))
		errc <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().Leased == 1 }, time.Second, time.Millisecond)

	done := make(chan *Guard[*fakeRuntime], 1)
	go func() {
		g, err := c.Lease(context.Background(), cid(1))
		assert.NoError(t, err)
		done <- g
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	close(gate)

	require.Error(t, <-errc)

	g := <-done
	require.NotNil(t, g)
	require.NoError(t, g.Release())
}

func TestFlushPoison(t *testing.T) {
	store := newFakeStore()
	store.flushErr[cid(1)] = errors.New("disk full")
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4})
	ctx := context.Background()

	g, err := c.Lease(ctx, cid(1))
	require.NoError(t, err)

	waiter := make(chan error, 1)
	go func() {
		_, err := c.Lease(ctx, cid(1))
		waiter <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.ErrorContains(t, g.Release(), "disk full")
	require.ErrorIs(t, <-waiter, ErrPoisoned)
	require.True(t, store.runtime(cid(1)).closed.Load())

	_, err = c.Lease(ctx, cid(1))
	require.ErrorIs(t, err, ErrPoisoned)

	s := c.Stats()
	require.Equal(t, 1, s.Poisoned)
	require.Zero(t, s.Live)

	// other contracts are not affected
	other, err := c.Lease(ctx, cid(2))
	require.NoError(t, err)
	require.NoError(t, other.Release())

	_, err = c.Recover(ctx, cid(2))
	require.ErrorIs(t, err, ErrNotPoisoned)

	delete(store.flushErr, cid(1))
	g, err = c.Recover(ctx, cid(1))
	require.NoError(t, err)
	require.Zero(t, c.Stats().Poisoned)
	require.NoError(t, g.Release())

	g, err = c.Lease(ctx, cid(1))
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.Equal(t, 2, store.opens[cid(1)])
	require.Zero(t, c.Stats().Poisoned)
}

func TestRecoverKeepsPoison(t *testing.T) {
	store := newFakeStore()
	store.flushErr[cid(1)] = errors.New("disk full")
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4})
	ctx := context.Background()

	g, err := c.Lease(ctx, cid(1))
	require.NoError(t, err)
	require.Error(t, g.Release())
	delete(store.flushErr, cid(1))

	// the stash cannot be reloaded
	store.failLoad[cid(1)] = errors.New("io error")
	_, err = c.Recover(ctx, cid(1))
	require.ErrorContains(t, err, "io error")

	_, err = c.Lease(ctx, cid(1))
	require.ErrorIs(t, err, ErrPoisoned)
	require.Equal(t, 1, c.Stats().Poisoned)
	require.Zero(t, c.Stats().Leased)

	// reloaded, but the recovery fails under the lease: leases waiting meanwhile are refused
	g, err = c.Recover(ctx, cid(1))
	require.NoError(t, err)

	waiter := make(chan error, 1)
	go func() {
		_, err := c.Lease(ctx, cid(1))
		waiter <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	g.Poison(errors.New("replay failed"))
	require.ErrorContains(t, g.Release(), "replay failed")
	require.ErrorIs(t, <-waiter, ErrPoisoned)
	require.True(t, store.runtime(cid(1)).closed.Load())

	_, err = c.Lease(ctx, cid(1))
	require.ErrorIs(t, err, ErrPoisoned)
	require.Equal(t, 1, c.Stats().Poisoned)

	g, err = c.Recover(ctx, cid(1))
	require.NoError(t, err)
	require.NoError(t, g.Release())

	g, err = c.Lease(ctx, cid(1))
	require.NoError(t, err)
	require.NoError(t, g.Release())

	s := c.Stats()
	require.Zero(t, s.Poisoned)
	require.Equal(t, 1, s.Live)
}

func TestAbandonedRetryKeepsNewLoader(t *testing.T) {
	store := newFakeStore()
	gate := make(chan struct{})
	loading := make(chan struct{})

	open := func(ctx context.Context, id rgb.ContractID) (*fakeRuntime, error) {
		close(loading)
		<-gate

		return store.open(ctx, id)
	}
	c := New[*fakeRuntime](open, Config{MaxLive: 4})

	// a failed load handed its retry to a waiter whose context is done
	e := &entry[*fakeRuntime]{id: cid(1), fsm: newEntryFSM(cid(1).String())}
	c.entries[cid(1)] = e

	w := &waiter{ch: make(chan grant, 1), done: true}
	w.ch <- grant{retry: true}

	// a new lease loads the entry before the waiter passes the retry on
	done := make(chan *Guard[*fakeRuntime], 1)
	go func() {
		g, err := c.Lease(context.Background(), cid(1))
		assert.NoError(t, err)
		done <- g
	}()

	<-loading
	c.abandon(e, w)

	c.mu.Lock()
	kept, state := c.entries[cid(1)], e.state()
	c.mu.Unlock()

	require.Same(t, e, kept)
	require.Equal(t, stateLoading, state)

	close(gate)

	g := <-done
	require.NotNil(t, g)
	require.NoError(t, g.Release())
	require.Equal(t, 1, c.Stats().Live)

	c.Close()
	require.True(t, store.runtime(cid(1)).closed.Load())
	require.Equal(t, 1, store.opens[cid(1)])
}

func TestGuardFlushAndAbort(t *testing.T) {
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4})
	ctx := context.Background()

	g, err := c.Lease(ctx, cid(1))
	require.NoError(t, err)
	g.AbortOnDrop(true)
	require.Equal(t, cid(1), g.ID())
	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	rt := store.runtime(cid(1))
	require.Zero(t, rt.flushes.Load())
	require.Equal(t, int32(1), rt.discards.Load())

	// a failed flush inside the lease poisons on release
	g, err = c.Lease(ctx, cid(1))
	require.NoError(t, err)
	rt.flushErr = errors.New("boom")
	require.Error(t, g.Flush())
	require.Error(t, g.Release())

	_, err = c.LeaseReadOnly(ctx, cid(1))
	require.ErrorIs(t, err, ErrPoisoned)
}

func TestLeaseTimeoutAndCancel(t *testing.T) {
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4, LeaseTimeout: 50 * time.Millisecond})

	g, err := c.Lease(context.Background(), cid(1))
	require.NoError(t, err)

	_, err = c.Lease(context.Background(), cid(1))
	require.ErrorIs(t, err, ErrLeaseTimeout)
	require.Zero(t, c.Stats().Waiters)
	require.NoError(t, g.Release())

	// a cancelled waiter leaves the others queued
	c = New[*fakeRuntime](store.open, Config{MaxLive: 4})

	g, err = c.Lease(context.Background(), cid(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)

	go func() {
		_, err := c.LeaseReadOnly(ctx, cid(1))
		cancelled <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	next := make(chan *Guard[*fakeRuntime], 1)

	go func() {
		g, err := c.Lease(context.Background(), cid(1))
		assert.NoError(t, err)
		next <- g
	}()

	require.Eventually(t, func() bool { return c.Stats().Waiters == 2 }, time.Second, time.Millisecond)

	cancel()
	err = <-cancelled
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrLeaseTimeout)
	require.Equal(t, 1, c.Stats().Waiters)

	require.NoError(t, g.Release())

	g = <-next
	require.NotNil(t, g)
	require.NoError(t, g.Release())
	require.Zero(t, c.Stats().Leased)
}

func TestDrainAndQuiescence(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1000, 0))
	store := newFakeStore()
	c := New[*fakeRuntime](store.open, Config{MaxLive: 4, Clock: clk})
	ctx := context.Background()

	idle, err := c.Lease(ctx, cid(1))
	require.NoError(t, err)
	require.NoError(t, idle.Release())
	require.True(t, c.Pin(cid(1)))
	require.False(t, c.Pin(cid(7)))

	g, err := c.Lease(ctx, cid(2))
	require.NoError(t, err)
	require.Equal(t, []rgb.ContractID{cid(2)}, c.Leased())

	clk.SetTime(time.Unix(2000, 0))
	require.Zero(t, c.SweepIdle(time.Second), "pinned and leased runtimes stay")

	c.Drain()

	_, err = c.Lease(ctx, cid(3))
	require.ErrorIs(t, err, ErrClosed)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitQuiescent(short), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, g.Release())
	}()

	require.NoError(t, c.WaitQuiescent(ctx))
	require.Empty(t, c.Leased())

	// released on a drained cache: closed right away
	require.True(t, store.runtime(cid(2)).closed.Load())

	require.NoError(t, c.FlushIdle())
	require.Equal(t, int32(2), store.runtime(cid(1)).flushes.Load())

	c.Close()
	require.True(t, store.runtime(cid(1)).closed.Load())
	require.Zero(t, c.Stats().Live)
}
