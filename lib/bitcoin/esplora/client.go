// Package esplora implements the Bitcoin adapter over the Esplora REST API.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/tarancss/rgbwallet/lib/bitcoin"
	wlog "github.com/tarancss/rgbwallet/lib/log"
)

var log = wlog.Sub("ESPL")

// Defaults of ClientConfig.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 4
	DefaultFeeCacheTTL    = time.Minute
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	Network bitcoin.Network

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries bounds the retries of idempotent reads.
	MaxRetries uint64

	// RateLimit is the maximum number of requests per second, zero for no limit.
	RateLimit float64

	// FeeCacheTTL is how long fee estimates are reused.
	FeeCacheTTL time.Duration
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// OutSpend represents the spend status of an output.
type OutSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Vin    uint32   `json:"vin,omitempty"`
	Status TxStatus `json:"status,omitempty"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// statusError is a non 200 reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

const feesKey = "fee-estimates"

// Client is an HTTP client for the Esplora REST API implementing bitcoin.Adapter.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	fees       *ttlcache.Cache[string, FeeEstimates]
}

var _ bitcoin.Adapter = (*Client)(nil)

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.FeeCacheTTL == 0 {
		cfg.FeeCacheTTL = DefaultFeeCacheTTL
	}

	cfg.URL = strings.TrimRight(cfg.URL, "/")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1),
		fees: ttlcache.New[string, FeeEstimates](
			ttlcache.WithTTL[string, FeeEstimates](cfg.FeeCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, FeeEstimates](),
		),
	}
}

// HTTPClient returns the underlying http client, ie. to install a mock transport.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Network implements bitcoin.Adapter.
func (c *Client) Network() bitcoin.Network { return c.cfg.Network }

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bitcoin.ErrUpstream, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", bitcoin.ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	return b, nil
}

// doGet reads path, retrying with exponential backoff on transport errors and 5xx replies.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	var body []byte

	op := func() error {
		b, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err == nil {
			body = b

			return nil
		}

		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.code == http.StatusNotFound:
				return backoff.Permanent(fmt.Errorf("%w: %s", bitcoin.ErrNotFound, path))
			case se.code < http.StatusInternalServerError:
				return backoff.Permanent(err)
			}

			err = fmt.Errorf("%w: %w", bitcoin.ErrUpstream, err)
		}

		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		log.Debugf("GET %s failed, retrying: %v", path, err)

		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %w", bitcoin.ErrUpstream, path, err)
	}

	return nil
}

// TipHeight implements bitcoin.Adapter.
func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid tip height %q", bitcoin.ErrUpstream, body)
	}

	return uint32(height), nil
}

// ListUTXOs implements bitcoin.Adapter.
func (c *Client) ListUTXOs(ctx context.Context, addr btcutil.Address) ([]bitcoin.UTXO, error) {
	var utxos []UTXO
	if err := c.getJSON(ctx, "/address/"+addr.EncodeAddress()+"/utxo", &utxos); err != nil {
		return nil, err
	}

	if len(utxos) == 0 {
		return nil, nil
	}

	tip, err := c.TipHeight(ctx)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	out := make([]bitcoin.UTXO, 0, len(utxos))

	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid txid %q", bitcoin.ErrUpstream, u.TxID)
		}

		status := u.Status.toStatus()
		out = append(out, bitcoin.UTXO{
			OutPoint:      wire.OutPoint{Hash: *hash, Index: u.Vout},
			Value:         btcutil.Amount(u.Value),
			PkScript:      pkScript,
			Confirmations: status.Confirmations(tip),
			Height:        status.BlockHeight,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].OutPoint.Hash != out[j].OutPoint.Hash {
			return bytes.Compare(out[i].OutPoint.Hash[:], out[j].OutPoint.Hash[:]) < 0
		}

		return out[i].OutPoint.Index < out[j].OutPoint.Index
	})

	return out, nil
}

// GetTx implements bitcoin.Adapter.
func (c *Client) GetTx(ctx context.Context, txid chainhash.Hash) (*bitcoin.Tx, error) {
	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode tx hex: %w", bitcoin.ErrUpstream, err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err = tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize tx: %w", bitcoin.ErrUpstream, err)
	}

	var status TxStatus
	if err = c.getJSON(ctx, "/tx/"+txid.String()+"/status", &status); err != nil {
		return nil, err
	}

	res := &bitcoin.Tx{MsgTx: tx, Status: status.toStatus()}

	if status.Confirmed {
		tip, err := c.TipHeight(ctx)
		if err != nil {
			return nil, err
		}

		res.Confirmations = res.Status.Confirmations(tip)
	}

	return res, nil
}

// OutSpend implements bitcoin.Adapter.
func (c *Client) OutSpend(ctx context.Context, op wire.OutPoint) (*bitcoin.OutSpend, error) {
	var spend OutSpend
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index), &spend); err != nil {
		return nil, err
	}

	res := &bitcoin.OutSpend{Spent: spend.Spent, Vin: spend.Vin, Status: spend.Status.toStatus()}

	if spend.Spent {
		hash, err := chainhash.NewHashFromStr(spend.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid spending txid %q", bitcoin.ErrUpstream, spend.TxID)
		}

		res.Txid = *hash
	}

	return res, nil
}

// Broadcast implements bitcoin.Adapter. Broadcasts are never retried.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to serialize tx: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return chainhash.Hash{}, fmt.Errorf("%w: %s", bitcoin.ErrBroadcastRejected, se.body)
		}

		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: invalid txid in broadcast reply %q", bitcoin.ErrUpstream, body)
	}

	if *hash != tx.TxHash() {
		log.Warnf("Broadcast of %s answered with txid %s", tx.TxHash(), hash)
	}

	return *hash, nil
}

// FeeEstimates returns the fee estimates of the backend, cached for the configured TTL.
func (c *Client) FeeEstimates(ctx context.Context) (FeeEstimates, error) {
	if item := c.fees.Get(feesKey); item != nil {
		return item.Value(), nil
	}

	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	c.fees.Set(feesKey, estimates, ttlcache.DefaultTTL)

	return estimates, nil
}

// EstimateFee implements bitcoin.Adapter. It returns the rate of the smallest published target not below target,
// or of the largest target when all are below it. Backends without estimates, as regtest nodes, get the minimum
// relay rate.
func (c *Client) EstimateFee(ctx context.Context, target int) (bitcoin.SatPerVByte, error) {
	estimates, err := c.FeeEstimates(ctx)
	if err != nil {
		return 0, err
	}

	return pickRate(estimates, target), nil
}

func pickRate(estimates FeeEstimates, target int) bitcoin.SatPerVByte {
	targets := make([]int, 0, len(estimates))
	for k := range estimates {
		if n, err := strconv.Atoi(k); err == nil && n > 0 {
			targets = append(targets, n)
		}
	}

	if len(targets) == 0 {
		return bitcoin.MinRelayFeeRate
	}

	sort.Ints(targets)

	pick := targets[len(targets)-1]
	for _, n := range targets {
		if n >= target {
			pick = n

			break
		}
	}

	r := bitcoin.SatPerVByte(estimates[strconv.Itoa(pick)])
	if r < bitcoin.MinRelayFeeRate {
		return bitcoin.MinRelayFeeRate
	}

	return r
}

func (s TxStatus) toStatus() bitcoin.TxStatus {
	return bitcoin.TxStatus{Confirmed: s.Confirmed, BlockHeight: s.BlockHeight, BlockHash: s.BlockHash}
}
