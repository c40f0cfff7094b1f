package wallet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tarancss/rgbwallet/core"
	"github.com/tarancss/rgbwallet/lib/errs"
	"github.com/tarancss/rgbwallet/lib/firefly"
	"github.com/tarancss/rgbwallet/lib/rgb"
	"github.com/tarancss/rgbwallet/validator"
)

// maxBody limits the size of request bodies; consignments carry the full history of a contract.
const maxBody = 16 << 20

// Errors returned to client requests.
var (
	ErrBadrequest = errors.New("bad request")
	ErrNoContract = errors.New("invalid contract id in uri")
	ErrNoInvoice  = errors.New("undefined invoice - missing query: ?invoice=<invoice>")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	// Txid is set when a transaction was broadcast but the wallet could not save its state.
	Txid string `json:"txid,omitempty"`
	// Correlation matches the reply to the service logs of an internal error.
	Correlation string `json:"correlation,omitempty"`
}

// InvoiceView is the decoded form of an invoice.
type InvoiceView struct {
	Contract string  `json:"contract"`
	Amount   *uint64 `json:"amount,omitempty"`
	Token    string  `json:"token,omitempty"`
	Address  string  `json:"address,omitempty"`
	Network  string  `json:"network"`
}

// ValidateRequest lists the allocations to check. Without allocations the wallet checks the ones declared in the
// registry, or its own.
type ValidateRequest struct {
	Allocations []firefly.Allocation `json:"allocations"`
}

// status returns the http status code for the kind of err.
func status(err error) int {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidInput, errs.NetworkMismatch, errs.ConsignmentInvalid:
		return http.StatusBadRequest
	case errs.InsufficientRgbFunds, errs.InsufficientBitcoinFunds:
		return http.StatusUnprocessableEntity
	case errs.LeaseTimeout:
		return http.StatusServiceUnavailable
	case errs.PoisonedRuntime:
		return http.StatusLocked
	case errs.BroadcastRejected, errs.Upstream:
		return http.StatusBadGateway
	case errs.PartialCommit:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// reply writes the response to the requester. body is sent as is when it is a string, json encoded otherwise.
func reply(rw http.ResponseWriter, r *http.Request, okStatus int, body interface{}, err error) {
	var res Response

	code := okStatus

	if err != nil {
		var e *errs.Error
		if !errors.As(err, &e) {
			e = errs.Wrap(errs.Internal, err, "unclassified error")
			log.WithField("correlation", e.CorrelationID).Errorf("%s %s: %+v", r.Method, r.RequestURI, err)
			err = e
		}

		code = status(err)
		res.Kind = errs.KindOf(err).String()
		res.Error = err.Error()
		res.Txid = e.Txid
		res.Correlation = e.CorrelationID

		// internal details stay in the logs
		switch errs.KindOf(err) {
		case errs.Internal:
			res.Error = "internal error"
		case errs.PoisonedRuntime:
			res.Error = "contract runtime poisoned, recover it before further use"
		}
	} else {
		switch b := body.(type) {
		case nil:
		case string:
			res.Body = b
		default:
			tmp, e := json.Marshal(b)
			if e != nil {
				code = http.StatusInternalServerError
				res.Kind = errs.Internal.String()
				res.Error = "internal error"
				log.Errorf("Cannot encode reply to %s: %v", r.RequestURI, e)
			}

			res.Body = string(tmp)
		}
	}

	log.Infof("httpreq from %v %s %s status:%d err:%v", r.RemoteAddr, r.Method, r.RequestURI, code, err)

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)

	if e := json.NewEncoder(rw).Encode(&res); e != nil {
		log.Errorf("Cannot write reply to %s: %v", r.RemoteAddr, e)
	}
}

// decode reads the json body of r into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	return errs.Wrap(errs.InvalidInput, err, "%v", ErrBadrequest)
}

// contract returns the contract id in the uri of r.
func contract(r *http.Request) (rgb.ContractID, error) {
	cid, err := rgb.ParseContractID(mux.Vars(r)["cid"])
	if err != nil {
		return cid, errs.Wrap(errs.InvalidInput, err, "%v", ErrNoContract)
	}

	return cid, nil
}

// homeHandler just replies a welcome message to the client.
func (w *Wallet) homeHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, r, http.StatusOK, "Hello, this is your RGB wallet!", nil)
}

// networkHandler replies the bitcoin network of the wallet.
func (w *Wallet) networkHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, r, http.StatusOK, w.svc.Network().String(), nil)
}

// addressHandler replies a new receive address of the wallet.
func (w *Wallet) addressHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body string

	defer func() { reply(rw, r, http.StatusOK, body, err) }()

	addr, err := w.svc.NewAddress()
	if err != nil {
		return
	}

	body = addr.EncodeAddress()
}

// issueHandler issues a new asset.
func (w *Wallet) issueHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var asset *core.Asset

	defer func() { reply(rw, r, http.StatusCreated, asset, err) }()

	var req core.IssueRequest
	if err = decode(r, &req); err != nil {
		return
	}

	asset, err = w.svc.Issue(r.Context(), req)
}

// assetsHandler replies the assets held by the wallet.
func (w *Wallet) assetsHandler(rw http.ResponseWriter, r *http.Request) {
	assets, err := w.svc.Assets(r.Context())
	reply(rw, r, http.StatusOK, assets, err)
}

// balanceHandler replies the balance of an asset and its allocations.
func (w *Wallet) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var rep *core.BalanceReport

	defer func() { reply(rw, r, http.StatusOK, rep, err) }()

	cid, err := contract(r)
	if err != nil {
		return
	}

	rep, err = w.svc.Balance(r.Context(), cid)
}

// invoiceHandler generates an invoice to receive an asset.
func (w *Wallet) invoiceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var inv string

	defer func() { reply(rw, r, http.StatusCreated, inv, err) }()

	cid, err := contract(r)
	if err != nil {
		return
	}

	var req core.InvoiceRequest
	if err = decode(r, &req); err != nil {
		return
	}

	inv, err = w.svc.GenerateInvoice(r.Context(), cid, req)
}

// parseInvoiceHandler decodes the invoice in the query.
func (w *Wallet) parseInvoiceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var view *InvoiceView

	defer func() { reply(rw, r, http.StatusOK, view, err) }()

	s := strings.TrimSpace(r.URL.Query().Get("invoice"))
	if s == "" {
		err = errs.New(errs.InvalidInput, "%v", ErrNoInvoice)

		return
	}

	inv, err := w.svc.ParseInvoice(s)
	if err != nil {
		return
	}

	view = &InvoiceView{Contract: inv.Contract.String(), Address: inv.Beneficiary.Address, Network: inv.Network}
	inv.Amount.WhenSome(func(a uint64) { view.Amount = &a })

	if inv.Beneficiary.Opaque() {
		view.Token = inv.Beneficiary.Token.String()
	}
}

// transferHandler pays an invoice.
func (w *Wallet) transferHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var art *core.TransferArtifact

	defer func() { reply(rw, r, http.StatusCreated, art, err) }()

	var req core.TransferRequest
	if err = decode(r, &req); err != nil {
		return
	}

	art, err = w.svc.SendTransfer(r.Context(), req)
}

// transfersHandler replies the transfer journal, optionally of one contract given in the query.
func (w *Wallet) transfersHandler(rw http.ResponseWriter, r *http.Request) {
	list, err := w.svc.Transfers(r.URL.Query().Get("contract"))
	reply(rw, r, http.StatusOK, list, err)
}

// acceptHandler accepts the consignment in the body, either raw or base64 encoded.
func (w *Wallet) acceptHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res *core.AcceptResult

	defer func() { reply(rw, r, http.StatusOK, res, err) }()

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		err = errs.Wrap(errs.InvalidInput, err, "cannot read consignment")

		return
	}

	if dec, e := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob))); e == nil {
		blob = dec
	}

	res, err = w.svc.AcceptConsignment(r.Context(), blob)
}

// exportHandler replies the consignment of an asset, base64 encoded.
func (w *Wallet) exportHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body string

	defer func() { reply(rw, r, http.StatusOK, body, err) }()

	cid, err := contract(r)
	if err != nil {
		return
	}

	blob, err := w.svc.ExportConsignment(r.Context(), cid)
	if err != nil {
		return
	}

	body = base64.StdEncoding.EncodeToString(blob)
}

// validateHandler checks allocations of an asset against the chain.
func (w *Wallet) validateHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var rep *validator.Report

	defer func() { reply(rw, r, http.StatusOK, rep, err) }()

	cid, err := contract(r)
	if err != nil {
		return
	}

	var req ValidateRequest
	if err = decode(r, &req); err != nil {
		return
	}

	rep, err = w.svc.Validate(r.Context(), cid, req.Allocations)
}

// cacheHandler replies the statistics of the runtime cache and the contracts currently leased.
func (w *Wallet) cacheHandler(rw http.ResponseWriter, r *http.Request) {
	c := w.svc.Cache()

	var leased []string
	for _, id := range c.Leased() {
		leased = append(leased, id.String())
	}

	reply(rw, r, http.StatusOK, struct {
		Stats  interface{} `json:"stats"`
		Leased []string    `json:"leased"`
	}{c.Stats(), leased}, nil)
}

// recoverHandler clears the poisoned runtime of an asset.
func (w *Wallet) recoverHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res *core.RecoverResult

	defer func() { reply(rw, r, http.StatusOK, res, err) }()

	cid, err := contract(r)
	if err != nil {
		return
	}

	res, err = w.svc.Recover(r.Context(), cid)
}

// eventsHandler replies the number of broker events consumed by type.
func (w *Wallet) eventsHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, r, http.StatusOK, w.Events(), nil)
}
