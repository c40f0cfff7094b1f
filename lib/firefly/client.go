// Package firefly is the client of the Firefly node, a Rholang smart-contract node the wallet uses as a shared
// registry of RGB allocation pointers. The wallet signs its deploys, asks the node to propose blocks and reads the
// registry back through exploratory deploys, which run a term without committing it.
package firefly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"

	wlog "github.com/tarancss/rgbwallet/lib/log"
)

var log = wlog.Sub("FFLY")

// Defaults of Config.
const (
	DefaultPhloLimit      = 500_000
	DefaultPhloPrice      = 1
	DefaultShardID        = "root"
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
)

// Errors returned
var (
	ErrNotFound = errors.New("not found on firefly")
	ErrRejected = errors.New("rejected by firefly")
	ErrUpstream = errors.New("firefly node unavailable")
)

// Config holds the client configuration.
type Config struct {
	// URL is the base URL of the node HTTP API, ie. http://localhost:40403.
	URL string
	// Key signs deploys.
	Key       *btcec.PrivateKey
	ShardID   string
	PhloLimit int64
	PhloPrice int64

	RequestTimeout time.Duration
	// MaxRetries bounds the retries of exploratory deploys and deploy status reads.
	MaxRetries uint64
	// Transport is used by the per call http clients, nil for http.DefaultTransport.
	Transport http.RoundTripper
	Clock     clock.Clock
}

// BlockInfo identifies the block an exploratory deploy ran on.
type BlockInfo struct {
	BlockHash   string `json:"blockHash"`
	BlockNumber int64  `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// DeployInfo is the status of a deploy included in a block.
type DeployInfo struct {
	BlockHash   string `json:"blockHash"`
	BlockNumber int64  `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Cost        int64  `json:"cost,omitempty"`
	Errored     bool   `json:"errored,omitempty"`
}

// Expr is a Rholang value returned by an exploratory deploy, keyed by its type (ExprString, ExprInt, ...).
type Expr map[string]json.RawMessage

// String returns the value of an ExprString.
func (e Expr) String() (string, bool) {
	raw, ok := e["ExprString"]
	if !ok {
		return "", false
	}

	var v struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}

	return v.Data, true
}

// ExploreResult is the reply of an exploratory deploy.
type ExploreResult struct {
	Expr  []Expr    `json:"expr"`
	Block BlockInfo `json:"block"`
}

// Client talks to the node HTTP API. Every call uses its own http.Client.
type Client struct {
	cfg Config
}

// NewClient returns a client for cfg. A nil key only allows read calls.
func NewClient(cfg Config) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	if cfg.ShardID == "" {
		cfg.ShardID = DefaultShardID
	}

	if cfg.PhloLimit == 0 {
		cfg.PhloLimit = DefaultPhloLimit
	}

	if cfg.PhloPrice == 0 {
		cfg.PhloPrice = DefaultPhloPrice
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Client{cfg: cfg}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("firefly returned status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	hc := &http.Client{Timeout: c.cfg.RequestTimeout, Transport: c.cfg.Transport}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	return b, nil
}

// read performs an idempotent call, retrying transport errors and 5xx replies.
func (c *Client) read(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var res []byte

	op := func() error {
		b, err := c.do(ctx, method, path, "text/plain", body)
		if err == nil {
			res = b

			return nil
		}

		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.code == http.StatusNotFound:
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
			case se.code < http.StatusInternalServerError:
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrRejected, err))
			}

			err = fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		log.Debugf("%s %s failed, retrying: %v", method, path, err)

		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)); err != nil {
		return nil, err
	}

	return res, nil
}

// write performs a call that is never retried.
func (c *Client) write(ctx context.Context, path string, body []byte) ([]byte, error) {
	b, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			if se.code < http.StatusInternalServerError {
				return nil, fmt.Errorf("%w: %s", ErrRejected, se.body)
			}

			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		return nil, err
	}

	return b, nil
}

// replyMessage decodes the message replies of deploy and propose, which are JSON strings.
func replyMessage(b []byte) string {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return strings.TrimSpace(string(b))
	}

	return s
}

// Deploy signs term and submits it. It returns the deploy id.
func (c *Client) Deploy(ctx context.Context, term string, phloLimit int64) (string, error) {
	if c.cfg.Key == nil {
		return "", fmt.Errorf("%w: no deploy key configured", ErrRejected)
	}

	if phloLimit == 0 {
		phloLimit = c.cfg.PhloLimit
	}

	req := Sign(DeployData{
		Term:      term,
		Timestamp: c.cfg.Clock.Now().UnixMilli(),
		PhloPrice: c.cfg.PhloPrice,
		PhloLimit: phloLimit,
		ShardID:   c.cfg.ShardID,
	}, c.cfg.Key)

	body, err := json.Marshal(&req)
	if err != nil {
		return "", err
	}

	res, err := c.write(ctx, "/api/deploy", body)
	if err != nil {
		return "", err
	}

	msg := replyMessage(res)
	if !strings.HasPrefix(msg, "Success") {
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	log.Debugf("Deployed %s: %s", req.Signature[:16], msg)

	return req.Signature, nil
}

// ExploratoryDeploy runs term read-only on the last finalized block.
func (c *Client) ExploratoryDeploy(ctx context.Context, term string) (*ExploreResult, error) {
	b, err := c.read(ctx, http.MethodPost, "/api/explore-deploy", []byte(term))
	if err != nil {
		return nil, err
	}

	var res ExploreResult
	if err = json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("%w: invalid explore-deploy reply: %w", ErrUpstream, err)
	}

	return &res, nil
}

var blockHashRe = regexp.MustCompile(`[0-9a-f]{64}`)

// Propose asks the node to create a block with the pending deploys and returns its hash.
func (c *Client) Propose(ctx context.Context) (string, error) {
	res, err := c.write(ctx, "/api/propose", nil)
	if err != nil {
		return "", err
	}

	msg := replyMessage(res)

	hash := blockHashRe.FindString(msg)
	if !strings.HasPrefix(msg, "Success") || hash == "" {
		return "", fmt.Errorf("%w: propose: %s", ErrRejected, msg)
	}

	return hash, nil
}

// DeployStatus returns the block that included the deploy, ErrNotFound while it is not in a block.
func (c *Client) DeployStatus(ctx context.Context, id string) (*DeployInfo, error) {
	b, err := c.read(ctx, http.MethodGet, "/api/deploy/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var info DeployInfo
	if err = json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("%w: invalid deploy reply: %w", ErrUpstream, err)
	}

	return &info, nil
}
