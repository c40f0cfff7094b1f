// Package cache implements the RGB runtime cache: a bounded map from contract id to a runtime that can be leased by
// one caller at a time.
//
// A lease on a contract blocks while another caller holds it; waiters are served in arrival order. The first lease
// of a contract loads its runtime; a release of a mutating lease flushes it to disk. Idle runtimes are evicted when
// the cache holds more than its configured maximum, oldest first, and by SweepIdle. A runtime whose flush failed is
// poisoned: leases of its contract fail until Recover is called.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/lightningnetwork/lnd/clock"

	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/rgb"
)

var log = wlog.Sub("CACH")

// Errors returned by the cache.
var (
	ErrLeaseTimeout = errors.New("timed out waiting for runtime lease")
	ErrPoisoned     = errors.New("runtime poisoned by a failed flush")
	ErrClosed       = errors.New("runtime cache closed")
	ErrNotPoisoned  = errors.New("runtime is not poisoned")
)

// Runtime is the resource held by the cache.
type Runtime interface {
	// Flush persists changes made under a mutating lease.
	Flush() error
	// Discard drops changes not flushed yet.
	Discard()
	// Close releases the resources of the runtime.
	Close() error
}

// Opener loads the runtime of a contract.
type Opener[R Runtime] func(ctx context.Context, id rgb.ContractID) (R, error)

// Config holds the cache settings.
type Config struct {
	// MaxLive is the soft cap of loaded runtimes. Leased runtimes are never evicted so the cap can be exceeded
	// while they are held.
	MaxLive int
	// LeaseTimeout bounds the wait for a lease, loading included. Zero waits for as long as the context allows.
	LeaseTimeout time.Duration
	// Clock stamps releases. Defaults to the wall clock.
	Clock clock.Clock
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Live        int    `json:"live"`
	Leased      int    `json:"leased"`
	Poisoned    int    `json:"poisoned"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Waiters     int    `json:"waiters"`
	PeakWaiters int    `json:"peakWaiters"`
}

type grant struct {
	err   error
	retry bool
}

type waiter struct {
	ch chan grant
	// done is set, under the cache lock, once a grant was sent.
	done bool
}

type entry[R Runtime] struct {
	id      rgb.ContractID
	fsm     *fsm.FSM
	rt      R
	lastUse time.Time
	waiters []*waiter
	pinned  bool
	cause   error
}

// Cache holds the runtimes of the contracts in use.
type Cache[R Runtime] struct {
	open  Opener[R]
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	entries  map[rgb.ContractID]*entry[R]
	stats    Stats
	inflight int
	closed   bool
	quiet    chan struct{}
}

// New returns an empty cache loading runtimes with open.
func New[R Runtime](open Opener[R], cfg Config) *Cache[R] {
	if cfg.MaxLive < 1 {
		cfg.MaxLive = 1
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Cache[R]{
		open:    open,
		cfg:     cfg,
		clock:   clk,
		entries: make(map[rgb.ContractID]*entry[R]),
	}
}

// Lease returns an exclusive, mutating lease on the runtime of contract id. The runtime is flushed when the lease
// is released.
func (c *Cache[R]) Lease(ctx context.Context, id rgb.ContractID) (*Guard[R], error) {
	return c.lease(ctx, id, true)
}

// LeaseReadOnly returns an exclusive lease on the runtime of contract id that does not flush on release. Runtimes
// are not safe for concurrent reads so read leases exclude each other too.
func (c *Cache[R]) LeaseReadOnly(ctx context.Context, id rgb.ContractID) (*Guard[R], error) {
	return c.lease(ctx, id, false)
}

func (c *Cache[R]) lease(ctx context.Context, id rgb.ContractID, write bool) (*Guard[R], error) {
	if c.cfg.LeaseTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.LeaseTimeout, ErrLeaseTimeout)
		defer cancel()
	}

	for {
		c.mu.Lock()

		if c.closed {
			c.mu.Unlock()

			return nil, ErrClosed
		}

		e, ok := c.entries[id]
		if !ok {
			e = &entry[R]{id: id, fsm: newEntryFSM(id.String())}
			c.entries[id] = e
		}

		switch e.state() {
		case stateIdle:
			e.fire(evLease)
			c.stats.Hits++
			c.inflight++
			c.mu.Unlock()

			return c.guard(e, write), nil

		case statePoisoned:
			c.mu.Unlock()

			return nil, fmt.Errorf("%w: %s: %w", ErrPoisoned, id, e.cause)

		case stateVacant:
			e.fire(evLoad)
			c.stats.Misses++
			c.inflight++
			c.mu.Unlock()

			return c.load(ctx, e, write)
		}

		// loading, leased or flushing: queue up
		w := &waiter{ch: make(chan grant, 1)}
		e.waiters = append(e.waiters, w)

		c.stats.Waiters++
		if c.stats.Waiters > c.stats.PeakWaiters {
			c.stats.PeakWaiters = c.stats.Waiters
		}

		c.mu.Unlock()

		select {
		case g := <-w.ch:
			if g.retry {
				continue
			}

			if g.err != nil {
				return nil, g.err
			}

			return c.guard(e, write), nil

		case <-ctx.Done():
			c.abandon(e, w)

			return nil, leaseErr(ctx, id)
		}
	}
}

// abandon removes a cancelled waiter. If the lease was already handed over, it is passed on.
func (c *Cache[R]) abandon(e *entry[R], w *waiter) {
	c.mu.Lock()

	if !w.done {
		for i := range e.waiters {
			if e.waiters[i] == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				c.stats.Waiters--

				break
			}
		}

		c.settle()
		c.mu.Unlock()

		return
	}

	c.mu.Unlock()

	g := <-w.ch

	switch {
	case g.retry:
		// a new lease may have started loading the entry meanwhile: it owns it then
		c.mu.Lock()
		if e.state() == stateVacant {
			c.revert(e)
		}
		c.mu.Unlock()
	case g.err == nil:
		// release without flushing: nothing was done under this lease
		_ = c.guard(e, false).Release()
	}
}

func leaseErr(ctx context.Context, id rgb.ContractID) error {
	if errors.Is(context.Cause(ctx), ErrLeaseTimeout) {
		return fmt.Errorf("%w: %s", ErrLeaseTimeout, id)
	}

	return fmt.Errorf("lease of %s: %w", id, ctx.Err())
}

func (c *Cache[R]) load(ctx context.Context, e *entry[R], write bool) (*Guard[R], error) {
	start := c.clock.Now()
	rt, err := c.open(ctx, e.id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		e.fire(evLoadFailed)
		c.inflight--
		c.revert(e)
		c.settle()

		if ctx.Err() != nil {
			return nil, leaseErr(ctx, e.id)
		}

		return nil, fmt.Errorf("cannot load runtime %s: %w", e.id, err)
	}

	e.rt = rt
	e.fire(evLoaded)
	c.stats.Live++
	c.evictOver()

	log.Debugf("Loaded runtime %s in %v", e.id, c.clock.Now().Sub(start))

	return c.guard(e, write), nil
}

// revert hands a vacant entry to the next waiter so it loads the runtime itself, or drops the entry.
func (c *Cache[R]) revert(e *entry[R]) {
	if len(e.waiters) == 0 {
		if c.entries[e.id] == e && e.state() == stateVacant {
			delete(c.entries, e.id)
		}

		return
	}

	w := e.waiters[0]
	e.waiters = e.waiters[1:]
	c.stats.Waiters--
	w.done = true
	w.ch <- grant{retry: true}
}

// handoff gives an idle entry to its first waiter, or evicts idle entries over the cap.
func (c *Cache[R]) handoff(e *entry[R]) {
	if len(e.waiters) > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		c.stats.Waiters--
		e.fire(evLease)
		c.stats.Hits++
		c.inflight++
		w.done = true
		w.ch <- grant{}

		return
	}

	if c.closed {
		c.evict(e)
	} else {
		c.evictOver()
	}

	c.settle()
}

// poison marks a leased or flushing entry poisoned and fails its waiters.
func (c *Cache[R]) poison(e *entry[R], cause error) {
	e.fire(evPoison)
	e.cause = cause
	c.inflight--
	c.stats.Live--
	c.stats.Poisoned++

	e.rt.Discard()
	if err := e.rt.Close(); err != nil {
		log.Warnf("Error closing poisoned runtime %s: %v", e.id, err)
	}

	var zero R
	e.rt = zero

	c.failWaiters(e)
	c.settle()

	log.Errorf("Runtime %s poisoned: %v", e.id, cause)
}

// failWaiters refuses the leases awaited on a poisoned entry.
func (c *Cache[R]) failWaiters(e *entry[R]) {
	for _, w := range e.waiters {
		w.done = true
		w.ch <- grant{err: fmt.Errorf("%w: %s: %w", ErrPoisoned, e.id, e.cause)}
	}

	c.stats.Waiters -= len(e.waiters)
	e.waiters = nil
}

func (c *Cache[R]) evict(e *entry[R]) {
	e.fire(evEvict)
	delete(c.entries, e.id)
	c.stats.Live--
	c.stats.Evictions++

	if err := e.rt.Close(); err != nil {
		log.Warnf("Error closing runtime %s: %v", e.id, err)
	}

	log.Debugf("Evicted runtime %s", e.id)
}

// evictOver evicts idle entries, least recently used first, while the cache is over its cap.
func (c *Cache[R]) evictOver() {
	for c.stats.Live > c.cfg.MaxLive {
		var victim *entry[R]

		for _, e := range c.entries {
			if e.state() != stateIdle || len(e.waiters) > 0 {
				continue
			}

			if victim == nil || older(e, victim) {
				victim = e
			}
		}

		if victim == nil {
			return
		}

		c.evict(victim)
	}
}

// older orders entries by last use, ties broken by ascending contract id.
func older[R Runtime](a, b *entry[R]) bool {
	if !a.lastUse.Equal(b.lastUse) {
		return a.lastUse.Before(b.lastUse)
	}

	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// settle wakes WaitQuiescent callers once no lease is held or awaited.
func (c *Cache[R]) settle() {
	if c.inflight == 0 && c.stats.Waiters == 0 && c.quiet != nil {
		close(c.quiet)
		c.quiet = nil
	}
}

// Pin exempts a loaded runtime from SweepIdle. It returns false if the contract has no runtime loaded.
func (c *Cache[R]) Pin(id rgb.ContractID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.state() == statePoisoned {
		return false
	}

	e.pinned = true

	return true
}

// SweepIdle evicts the unpinned runtimes not used for ttl and returns how many were evicted.
func (c *Cache[R]) SweepIdle(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	var victims []*entry[R]

	for _, e := range c.entries {
		if e.state() == stateIdle && !e.pinned && len(e.waiters) == 0 && now.Sub(e.lastUse) >= ttl {
			victims = append(victims, e)
		}
	}

	sort.Slice(victims, func(i, j int) bool { return older(victims[i], victims[j]) })

	for _, e := range victims {
		c.evict(e)
	}

	return len(victims)
}

// FlushIdle flushes every idle runtime. Runtimes failing to flush are poisoned.
func (c *Cache[R]) FlushIdle() error {
	c.mu.Lock()

	var idle []*entry[R]

	for _, e := range c.entries {
		if e.state() == stateIdle {
			e.fire(evFlush)
			c.inflight++
			idle = append(idle, e)
		}
	}

	c.mu.Unlock()

	var errs []error

	for _, e := range idle {
		err := e.rt.Flush()

		c.mu.Lock()

		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", e.id, err))
			c.poison(e, err)
		} else {
			e.fire(evFlushed)
			c.inflight--
			c.handoff(e)
		}

		c.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Recover reloads a poisoned runtime from disk and returns a mutating lease on it. Other leases of the contract wait
// until it is released. The runtime stays poisoned if it cannot be reloaded, and is poisoned again if the lease is
// released after Guard.Poison.
func (c *Cache[R]) Recover(ctx context.Context, id rgb.ContractID) (*Guard[R], error) {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok || e.state() != statePoisoned {
		c.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrNotPoisoned, id)
	}

	if c.closed {
		c.mu.Unlock()

		return nil, ErrClosed
	}

	e.fire(evReclaim)
	c.stats.Poisoned--
	c.inflight++
	c.mu.Unlock()

	rt, err := c.open(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		e.fire(evRepoison)
		c.stats.Poisoned++
		c.inflight--
		c.failWaiters(e)
		c.settle()

		return nil, fmt.Errorf("cannot reload runtime %s: %w", id, err)
	}

	e.rt = rt
	e.cause = nil
	e.fire(evLoaded)
	c.stats.Live++
	c.evictOver()

	log.Infof("Runtime %s reloaded for recovery", id)

	return c.guard(e, true), nil
}

// Drain makes every new lease fail with ErrClosed. Leases held or awaited are served.
func (c *Cache[R]) Drain() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// WaitQuiescent blocks until no lease is held or awaited, or ctx is done.
func (c *Cache[R]) WaitQuiescent(ctx context.Context) error {
	for {
		c.mu.Lock()

		if c.inflight == 0 && c.stats.Waiters == 0 {
			c.mu.Unlock()

			return nil
		}

		if c.quiet == nil {
			c.quiet = make(chan struct{})
		}

		quiet := c.quiet
		c.mu.Unlock()

		select {
		case <-quiet:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Leased returns the contracts whose runtime is leased, loading or flushing, sorted.
func (c *Cache[R]) Leased() []rgb.ContractID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []rgb.ContractID

	for id, e := range c.entries {
		switch e.state() {
		case stateLoading, stateLeased, stateFlushing:
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	return ids
}

// Close drains the cache and closes the idle runtimes. Runtimes still leased are closed on release.
func (c *Cache[R]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	for _, e := range c.entries {
		if e.state() == stateIdle {
			c.evict(e)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[R]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Leased = c.inflight

	return s
}
