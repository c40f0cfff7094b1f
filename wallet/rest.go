package wallet

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 60

// Router returns the RESTful API of the wallet service.
func (w *Wallet) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", w.homeHandler)
	r.HandleFunc("/network", w.networkHandler).Methods("GET")                      // configured network
	r.HandleFunc("/address", w.addressHandler).Methods("GET")                      // new receive address
	r.HandleFunc("/assets", w.issueHandler).Methods("POST")                        // issue an asset
	r.HandleFunc("/assets", w.assetsHandler).Methods("GET")                        // assets held
	r.HandleFunc("/assets/{cid}/balance", w.balanceHandler).Methods("GET")         // balance of an asset
	r.HandleFunc("/assets/{cid}/invoice", w.invoiceHandler).Methods("POST")        // generate an invoice
	r.HandleFunc("/invoice", w.parseInvoiceHandler).Methods("GET")                 // decode ?invoice=
	r.HandleFunc("/transfers", w.transferHandler).Methods("POST")                  // pay an invoice
	r.HandleFunc("/transfers", w.transfersHandler).Methods("GET")                  // transfer journal
	r.HandleFunc("/consignments", w.acceptHandler).Methods("POST")                 // accept a consignment
	r.HandleFunc("/consignments/{cid}", w.exportHandler).Methods("GET")            // export a consignment
	r.HandleFunc("/validate/{cid}", w.validateHandler).Methods("POST")             // validate allocations
	r.HandleFunc("/admin/cache", w.cacheHandler).Methods("GET")                    // runtime cache stats
	r.HandleFunc("/admin/recover/{cid}", w.recoverHandler).Methods("POST")         // clear a poisoned runtime
	r.HandleFunc("/admin/events", w.eventsHandler).Methods("GET")                  // events consumed

	if w.metrics != nil {
		r.Use(w.metrics.Middleware)
	}

	return r
}

// Init sets up and starts the http server to service the RESTful API on the bind address. It returns once the
// server is shut down with Stop.
func (w *Wallet) Init(bind string) string {
	var err error

	w.s = &http.Server{
		Handler: w.Router(),
		Addr:    bind,
		// transfers wait for leases and for the bitcoin backend
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	go func() {
		err = w.s.ListenAndServe()
	}()

	log.Infof("Listening to API http requests on %s", bind)

	// wait for server to be shutdown
	<-w.sc

	return fmt.Sprintf("shutdown http server: %v", err)
}
