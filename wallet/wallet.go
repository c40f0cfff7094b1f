// Package wallet implements the RGB wallet microservice.
//
// This microservice implements a RESTful API for clients to issue RGB assets on Bitcoin, request invoices, pay them
// and exchange consignments. It also consumes the wallet events published on the message broker.
package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/tarancss/rgbwallet/core"
	wlog "github.com/tarancss/rgbwallet/lib/log"
	"github.com/tarancss/rgbwallet/lib/metrics"
	"github.com/tarancss/rgbwallet/lib/msg"
	"github.com/tarancss/rgbwallet/lib/msg/types"
	"github.com/tarancss/rgbwallet/lib/util"
)

var log = wlog.Sub("REST")

// Wallet contains the data necessary to deliver the service
type Wallet struct {
	svc     *core.Service
	mb      msg.MsgBroker // optional
	metrics *metrics.HTTP // optional
	s       *http.Server  // http server
	sc      chan struct{} // http server channel used for graceful shutdowns
	once    sync.Once

	mu     sync.Mutex
	events map[string]int // events consumed by type
}

// New returns a pointer to a new Wallet service
func New(svc *core.Service, mb msg.MsgBroker, m *metrics.HTTP) *Wallet {
	return &Wallet{
		svc:     svc,
		mb:      mb,
		metrics: m,
		sc:      make(chan struct{}),
		events:  make(map[string]int),
	}
}

// Stop shuts down the http server implementing the RESTful API. The broker, the runtime cache and the wallet
// directory are closed by their owner.
func (w *Wallet) Stop(ctx context.Context) {
	w.once.Do(func() {
		if w.s != nil {
			if err := w.s.Shutdown(ctx); err != nil {
				log.Errorf("Error in http server shutdown: %v", err)
			}
		}

		close(w.sc) // close server channel to indicate the shutdown has finished
	})
}

// ManageEvents starts a go routine consuming the wallet events of the configured network from the message broker.
// Events are logged and counted; inconsistent validation reports are logged as warnings.
func (w *Wallet) ManageEvents() error {
	if w.mb == nil {
		return nil
	}

	net := w.svc.Network().String()
	mut := new(sync.Mutex)

	eveCh, errCh, err := w.mb.GetEvents(net, mut)
	if err != nil {
		return err
	}

	// launch event channel reader
	go func() {
		log.Infof("[%s] Start listening to event channel", net)

		for eve := range eveCh {
			w.consume(eve)
			mut.Unlock()
		}

		log.Infof("[%s] Stop listening to event channel", net)
	}()

	// launch error channel reader
	go func() {
		for e := range errCh {
			log.Errorf("[%s] Received error %v", net, e)
		}
	}()

	return nil
}

func (w *Wallet) consume(e types.Event) {
	w.mu.Lock()
	w.events[e.Type]++
	w.mu.Unlock()

	switch e.Type {
	case types.ValidationReport:
		var rep struct {
			Consistent bool `json:"consistent"`
		}

		if err := json.Unmarshal(e.Payload, &rep); err == nil && !rep.Consistent {
			log.Warnf("[%s] Inconsistent allocations of %s: %s", e.Net, util.Short(e.ID), e.Payload)

			return
		}
	case types.TransferPartial:
		log.Errorf("[%s] Transfer %s needs recovery: %s", e.Net, e.ID, e.Payload)

		return
	}

	log.Debugf("[%s] Received event %s %s", e.Net, e.Type, e.ID)
}

// Events returns the number of events consumed by type.
func (w *Wallet) Events() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]int, len(w.events))
	for k, v := range w.events {
		out[k] = v
	}

	return out
}
