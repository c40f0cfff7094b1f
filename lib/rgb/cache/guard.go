package cache

import (
	"github.com/tarancss/rgbwallet/lib/rgb"
)

// Guard is a lease on a runtime. While it is held no other lease of the same contract exists. Release must be
// called on every path, typically deferred right after the lease is obtained.
type Guard[R Runtime] struct {
	c        *Cache[R]
	e        *entry[R]
	write    bool
	abort    bool
	failed   error
	released bool
}

func (c *Cache[R]) guard(e *entry[R], write bool) *Guard[R] {
	return &Guard[R]{c: c, e: e, write: write}
}

// Runtime returns the leased runtime. It must not be used after Release.
func (g *Guard[R]) Runtime() R { return g.e.rt }

// ID returns the contract id of the runtime.
func (g *Guard[R]) ID() rgb.ContractID { return g.e.id }

// AbortOnDrop makes Release discard the changes instead of flushing them. Operations that may fail after mutating
// the runtime set it until their changes are known to be valid.
func (g *Guard[R]) AbortOnDrop(abort bool) { g.abort = abort }

// Flush persists the runtime while the lease is held. On failure the runtime is poisoned when the lease is
// released.
func (g *Guard[R]) Flush() error {
	if err := g.e.rt.Flush(); err != nil {
		g.failed = err

		return err
	}

	return nil
}

// Poison makes Release poison the runtime with cause instead of flushing it.
func (g *Guard[R]) Poison(cause error) { g.failed = cause }

// Release ends the lease. A mutating lease flushes the runtime, unless it was marked abort-on-drop in which case the
// changes are discarded. A failed flush poisons the runtime and is returned. Release can be called more than once.
func (g *Guard[R]) Release() error {
	if g.released {
		return nil
	}

	g.released = true
	c, e := g.c, g.e

	switch {
	case g.failed != nil:
		c.mu.Lock()
		c.poison(e, g.failed)
		c.mu.Unlock()

		return g.failed

	case g.abort:
		e.rt.Discard()

	case g.write:
		c.mu.Lock()
		e.fire(evFlush)
		c.mu.Unlock()

		err := e.rt.Flush()

		c.mu.Lock()
		defer c.mu.Unlock()

		if err != nil {
			c.poison(e, err)

			return err
		}

		e.fire(evFlushed)
		c.inflight--
		e.lastUse = c.clock.Now()
		c.handoff(e)

		return nil

	default:
		e.rt.Discard()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e.fire(evRelease)
	c.inflight--
	e.lastUse = c.clock.Now()
	c.handoff(e)

	return nil
}
