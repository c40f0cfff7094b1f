// Package lifecycle runs the policy around the runtime cache: warm-up of configured contracts on start, periodic
// eviction of idle runtimes and the flush of every runtime on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/lib/rgb/cache"
)

var log = wlog.Sub("LIFE")

// Config holds the lifecycle settings.
type Config struct {
	IdleTTL     time.Duration
	SweepPeriod time.Duration
	Grace       time.Duration
	Warmup      []rgb.ContractID
}

// ShutdownViolation is returned by Shutdown when leases are still held after the grace period.
type ShutdownViolation struct {
	Leased []rgb.ContractID
}

func (v *ShutdownViolation) Error() string {
	ids := make([]string, len(v.Leased))
	for i := range v.Leased {
		ids[i] = v.Leased[i].String()
	}

	return fmt.Sprintf("shutdown with %d runtimes still leased: %s", len(v.Leased), strings.Join(ids, ", "))
}

// Manager drives a runtime cache.
type Manager[R cache.Runtime] struct {
	cache  *cache.Cache[R]
	cfg    Config
	ticker ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New returns a manager of c. If t is nil the sweep runs on a ticker with the configured period.
func New[R cache.Runtime](c *cache.Cache[R], cfg Config, t ticker.Ticker) *Manager[R] {
	if t == nil {
		t = ticker.New(cfg.SweepPeriod)
	}

	return &Manager[R]{cache: c, cfg: cfg, ticker: t, quit: make(chan struct{})}
}

// Start warms up the configured contracts and starts the sweep loop. Contracts failing to load are logged and
// skipped.
func (m *Manager[R]) Start(ctx context.Context) {
	for _, id := range m.cfg.Warmup {
		g, err := m.cache.LeaseReadOnly(ctx, id)
		if err != nil {
			log.Warnf("Warm-up of %s failed: %v", id, err)

			continue
		}

		_ = g.Release()
		m.cache.Pin(id)
		log.Debugf("Warmed up %s", id)
	}

	m.ticker.Resume()
	m.wg.Add(1)

	go m.sweep()
}

func (m *Manager[R]) sweep() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ticker.Ticks():
			if n := m.cache.SweepIdle(m.cfg.IdleTTL); n > 0 {
				log.Debugf("Swept %d idle runtimes", n)
			}
		case <-m.quit:
			return
		}
	}
}

// Shutdown stops the sweep loop, refuses new leases and waits up to the grace period for the leases in flight.
// Idle runtimes are then flushed and closed. Leases still held are reported in a *ShutdownViolation.
func (m *Manager[R]) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		close(m.quit)
		m.ticker.Stop()
	})
	m.wg.Wait()

	m.cache.Drain()

	grace, cancel := context.WithTimeout(ctx, m.cfg.Grace)
	defer cancel()

	if err := m.cache.WaitQuiescent(grace); err != nil {
		log.Warnf("Grace period over with leases in flight: %v", err)
	}

	flushErr := m.cache.FlushIdle()
	leased := m.cache.Leased()
	m.cache.Close()

	if len(leased) > 0 {
		v := &ShutdownViolation{Leased: leased}
		log.Errorf("%v", v)

		return errors.Join(v, flushErr)
	}

	if flushErr != nil {
		log.Errorf("Flush on shutdown: %v", flushErr)
	}

	return flushErr
}
