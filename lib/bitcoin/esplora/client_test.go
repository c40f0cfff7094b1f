package esplora_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/esploramock"
	"github.com/tarancss/rgbwallet/lib/bitcoin"
	"github.com/tarancss/rgbwallet/lib/bitcoin/esplora"
	"github.com/tarancss/rgbwallet/lib/keys"
)

func setup(t *testing.T) (*esploramock.MemoryChain, *esplora.Client) {
	t.Helper()

	chain := esploramock.NewMemoryChain(bitcoin.Regtest.Params())
	srv := httptest.NewServer(esploramock.NewServer(chain, bitcoin.Regtest.Params()).Handler())
	t.Cleanup(srv.Close)

	return chain, esplora.NewClient(esplora.ClientConfig{URL: srv.URL + "/", Network: bitcoin.Regtest, MaxRetries: 1})
}

// TestClient runs the adapter against the mock server: funding, listing, spending and spend tracking.
func TestClient(t *testing.T) {
	ctx := context.Background()
	chain, c := setup(t)
	require.Equal(t, bitcoin.Regtest, c.Network())

	ring, err := keys.New(bytes.Repeat([]byte{6}, 32), bitcoin.Regtest.Params())
	require.NoError(t, err)
	_, addr, err := ring.Segwit(keys.External, 0)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	utxos, err := c.ListUTXOs(ctx, addr)
	require.NoError(t, err)
	require.Empty(t, utxos)

	op, err := chain.Fund(addr, 70_000)
	require.NoError(t, err)
	chain.Mine(2)

	tip, err := c.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), tip)

	utxos, err = c.ListUTXOs(ctx, addr)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, op, utxos[0].OutPoint)
	require.Equal(t, btcutil.Amount(70_000), utxos[0].Value)
	require.Equal(t, script, utxos[0].PkScript)
	require.Equal(t, uint32(2), utxos[0].Confirmations)

	tx, err := c.GetTx(ctx, op.Hash)
	require.NoError(t, err)
	require.Equal(t, op.Hash, tx.MsgTx.TxHash())
	require.Equal(t, uint32(2), tx.Confirmations)

	_, err = c.GetTx(ctx, chainhash.Hash{1})
	require.ErrorIs(t, err, bitcoin.ErrNotFound)

	plan, err := bitcoin.Fund(utxos, nil, []*wire.TxOut{wire.NewTxOut(20_000, script)}, 2, script)
	require.NoError(t, err)
	packet, err := plan.Packet()
	require.NoError(t, err)
	signed, err := bitcoin.Sign(packet, ring)
	require.NoError(t, err)

	txid, err := c.Broadcast(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, signed.TxHash(), txid)

	_, err = c.Broadcast(ctx, signed)
	require.ErrorIs(t, err, bitcoin.ErrBroadcastRejected)

	spend, err := c.OutSpend(ctx, op)
	require.NoError(t, err)
	require.True(t, spend.Spent)
	require.Equal(t, txid, spend.Txid)
	require.False(t, spend.Status.Confirmed)

	spend, err = c.OutSpend(ctx, wire.OutPoint{Hash: txid, Index: 0})
	require.NoError(t, err)
	require.False(t, spend.Spent)

	tx, err = c.GetTx(ctx, txid)
	require.NoError(t, err)
	require.Equal(t, uint32(0), tx.Confirmations)
}

func TestEstimateFeeCached(t *testing.T) {
	ctx := context.Background()
	chain, c := setup(t)

	rate, err := c.EstimateFee(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, bitcoin.MinRelayFeeRate, rate)

	// the empty estimates stay cached
	chain.SetFeeEstimates(esplora.FeeEstimates{"6": 11})
	rate, err = c.EstimateFee(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, bitcoin.MinRelayFeeRate, rate)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	c := esplora.NewClient(esplora.ClientConfig{URL: "http://esplora.test", Network: bitcoin.Regtest, MaxRetries: 3})

	mock := httpmock.NewMockTransport()
	c.HTTPClient().Transport = mock

	calls := 0
	mock.RegisterResponder(http.MethodGet, "http://esplora.test/blocks/tip/height",
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusBadGateway, "try later"), nil
			}

			return httpmock.NewStringResponse(http.StatusOK, "812\n"), nil
		})

	tip, err := c.TipHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(812), tip)
	require.Equal(t, 3, calls)

	// client errors are not retried
	mock.RegisterResponder(http.MethodGet, "http://esplora.test/fee-estimates",
		httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"))

	_, err = c.EstimateFee(ctx, 1)
	require.Error(t, err)
	require.Equal(t, 1, mock.GetCallCountInfo()["GET http://esplora.test/fee-estimates"])

	// upstream failures surface after the retries
	mock.RegisterResponder(http.MethodGet, "http://esplora.test/blocks/tip/height",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))

	_, err = c.TipHeight(ctx)
	require.ErrorIs(t, err, bitcoin.ErrUpstream)

	// broadcasts are never retried
	mock.RegisterResponder(http.MethodPost, "http://esplora.test/tx",
		httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	_, err = c.Broadcast(ctx, wire.NewMsgTx(2))
	require.Error(t, err)
	require.NotErrorIs(t, err, bitcoin.ErrBroadcastRejected)
	require.Equal(t, 1, mock.GetCallCountInfo()["POST http://esplora.test/tx"])
}
