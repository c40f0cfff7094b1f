package esploramock

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/mux"
)

const timeout = 15

// maxTxSize bounds the body of a broadcast.
const maxTxSize = 4 << 20

// Server serves the Esplora REST API over a Backend.
type Server struct {
	backend Backend
	params  *chaincfg.Params
	router  *mux.Router
	s       *http.Server
}

// NewServer returns a server for backend. Addresses are decoded with params.
func NewServer(backend Backend, params *chaincfg.Params) *Server {
	srv := &Server{backend: backend, params: params}

	r := mux.NewRouter()
	r.HandleFunc("/blocks/tip/height", srv.tipHeightHandler).Methods(http.MethodGet)
	r.HandleFunc("/blocks/tip/hash", srv.tipHashHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx/{txid}", srv.txHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx/{txid}/hex", srv.txHexHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx/{txid}/status", srv.txStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx/{txid}/outspend/{vout}", srv.outSpendHandler).Methods(http.MethodGet)
	r.HandleFunc("/address/{address}/utxo", srv.utxoHandler).Methods(http.MethodGet)
	r.HandleFunc("/fee-estimates", srv.feesHandler).Methods(http.MethodGet)
	r.HandleFunc("/tx", srv.broadcastHandler).Methods(http.MethodPost)
	srv.router = r

	return srv
}

// Handler returns the http handler of the API, ie. for httptest servers.
func (srv *Server) Handler() http.Handler { return srv.router }

// ListenAndServe serves the API on addr until Shutdown is called.
func (srv *Server) ListenAndServe(addr string) error {
	srv.s = &http.Server{
		Handler:      srv.router,
		Addr:         addr,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	log.Infof("Serving esplora API for %s on %s", srv.params.Name, addr)

	if err := srv.s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops a server started with ListenAndServe.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.s == nil {
		return nil
	}

	return srv.s.Shutdown(ctx)
}

// reply writes either the body or the error of a request. Esplora answers errors as plain text.
func reply(rw http.ResponseWriter, r *http.Request, contentType string, body []byte, err error) {
	if err != nil {
		code := http.StatusInternalServerError

		switch {
		case errors.Is(err, ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, ErrRejected), errors.Is(err, errBadRequest):
			code = http.StatusBadRequest
		}

		log.Debugf("httpreq from %v %s %s err:%v", r.RemoteAddr, r.Method, r.RequestURI, err)

		rw.Header().Set("Content-Type", "text/plain")
		rw.WriteHeader(code)
		_, _ = rw.Write([]byte(err.Error()))

		return
	}

	log.Tracef("httpreq from %v %s %s", r.RemoteAddr, r.Method, r.RequestURI)

	rw.Header().Set("Content-Type", contentType)
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(body)
}

func replyText(rw http.ResponseWriter, r *http.Request, s string, err error) {
	reply(rw, r, "text/plain", []byte(s), err)
}

func replyJSON(rw http.ResponseWriter, r *http.Request, v interface{}, err error) {
	var body []byte
	if err == nil {
		body, err = json.Marshal(v)
	}

	reply(rw, r, "application/json", body, err)
}

var errBadRequest = errors.New("bad request")

func txidVar(r *http.Request) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(mux.Vars(r)["txid"])
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: invalid txid: %w", errBadRequest, err)
	}

	return *hash, nil
}

func (srv *Server) tipHeightHandler(rw http.ResponseWriter, r *http.Request) {
	height, err := srv.backend.TipHeight(r.Context())
	replyText(rw, r, strconv.FormatUint(uint64(height), 10), err)
}

func (srv *Server) tipHashHandler(rw http.ResponseWriter, r *http.Request) {
	hash, err := srv.backend.TipHash(r.Context())
	replyText(rw, r, hash.String(), err)
}

// txJSON is the subset of the esplora transaction object served.
type txJSON struct {
	TxID     string      `json:"txid"`
	Version  int32       `json:"version"`
	Locktime uint32      `json:"locktime"`
	Size     int         `json:"size"`
	Weight   int64       `json:"weight"`
	Vin      []vinJSON   `json:"vin"`
	Vout     []voutJSON  `json:"vout"`
	Status   interface{} `json:"status"`
}

type vinJSON struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence"`
}

type voutJSON struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

func (srv *Server) txHandler(rw http.ResponseWriter, r *http.Request) {
	txid, err := txidVar(r)
	if err != nil {
		replyJSON(rw, r, nil, err)

		return
	}

	tx, err := srv.backend.Tx(r.Context(), txid)
	if err != nil {
		replyJSON(rw, r, nil, err)

		return
	}

	status, err := srv.backend.TxStatus(r.Context(), txid)
	if err != nil {
		replyJSON(rw, r, nil, err)

		return
	}

	res := txJSON{
		TxID:     txid.String(),
		Version:  tx.Version,
		Locktime: tx.LockTime,
		Size:     tx.SerializeSize(),
		Weight:   int64(tx.SerializeSizeStripped()*3 + tx.SerializeSize()),
		Status:   status,
	}

	for _, in := range tx.TxIn {
		res.Vin = append(res.Vin, vinJSON{TxID: in.PreviousOutPoint.Hash.String(), Vout: in.PreviousOutPoint.Index,
			Sequence: in.Sequence})
	}

	for _, out := range tx.TxOut {
		res.Vout = append(res.Vout, voutJSON{ScriptPubKey: hex.EncodeToString(out.PkScript), Value: out.Value})
	}

	replyJSON(rw, r, res, nil)
}

func (srv *Server) txHexHandler(rw http.ResponseWriter, r *http.Request) {
	txid, err := txidVar(r)
	if err != nil {
		replyText(rw, r, "", err)

		return
	}

	tx, err := srv.backend.Tx(r.Context(), txid)
	if err != nil {
		replyText(rw, r, "", err)

		return
	}

	var buf bytes.Buffer
	if err = tx.Serialize(&buf); err != nil {
		replyText(rw, r, "", err)

		return
	}

	replyText(rw, r, hex.EncodeToString(buf.Bytes()), nil)
}

func (srv *Server) txStatusHandler(rw http.ResponseWriter, r *http.Request) {
	txid, err := txidVar(r)
	if err != nil {
		replyJSON(rw, r, nil, err)

		return
	}

	status, err := srv.backend.TxStatus(r.Context(), txid)
	replyJSON(rw, r, status, err)
}

func (srv *Server) outSpendHandler(rw http.ResponseWriter, r *http.Request) {
	txid, err := txidVar(r)
	if err != nil {
		replyJSON(rw, r, nil, err)

		return
	}

	vout, err := strconv.ParseUint(mux.Vars(r)["vout"], 10, 32)
	if err != nil {
		replyJSON(rw, r, nil, fmt.Errorf("%w: invalid vout: %w", errBadRequest, err))

		return
	}

	spend, err := srv.backend.OutSpend(r.Context(), wire.OutPoint{Hash: txid, Index: uint32(vout)})
	replyJSON(rw, r, spend, err)
}

func (srv *Server) utxoHandler(rw http.ResponseWriter, r *http.Request) {
	addr, err := btcutil.DecodeAddress(mux.Vars(r)["address"], srv.params)
	if err != nil || !addr.IsForNet(srv.params) {
		replyJSON(rw, r, nil, fmt.Errorf("%w: invalid address %q", errBadRequest, mux.Vars(r)["address"]))

		return
	}

	utxos, err := srv.backend.AddressUTXOs(r.Context(), addr)
	if err == nil && utxos == nil {
		replyJSON(rw, r, []struct{}{}, nil)

		return
	}

	replyJSON(rw, r, utxos, err)
}

func (srv *Server) feesHandler(rw http.ResponseWriter, r *http.Request) {
	fees, err := srv.backend.FeeEstimates(r.Context())
	replyJSON(rw, r, fees, err)
}

func (srv *Server) broadcastHandler(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxSize))
	if err != nil {
		replyText(rw, r, "", fmt.Errorf("%w: %w", errBadRequest, err))

		return
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		replyText(rw, r, "", fmt.Errorf("%w: invalid tx hex: %w", errBadRequest, err))

		return
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err = tx.Deserialize(bytes.NewReader(raw)); err != nil {
		replyText(rw, r, "", fmt.Errorf("%w: invalid tx: %w", errBadRequest, err))

		return
	}

	txid, err := srv.backend.Broadcast(r.Context(), tx)
	if err != nil {
		log.Infof("Rejected %s: %v", tx.TxHash(), err)
	}

	replyText(rw, r, txid.String(), err)
}
