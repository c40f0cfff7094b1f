package firefly

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jarcoal/httpmock"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/rgb"
)

const nodeURL = "http://firefly.test:40403"

func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{7}, 32))

	return key
}

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()

	mock := httpmock.NewMockTransport()
	c := NewClient(Config{
		URL:        nodeURL + "/",
		Key:        testKey(t),
		MaxRetries: 2,
		Transport:  mock,
		Clock:      clock.NewTestClock(time.UnixMilli(1_700_000_000_000)),
	})

	return c, mock
}

func TestSign(t *testing.T) {
	d := DeployData{Term: "Nil", Timestamp: 1, PhloPrice: 1, PhloLimit: 1000, ShardID: "root"}

	// field 2 "Nil", field 3 = 1, field 7 = 1, field 8 = 1000, field 11 "root"
	want, err := hex.DecodeString("12034e696c1801380140e8075a04726f6f74")
	require.NoError(t, err)
	require.Equal(t, want, d.canonical())

	req := Sign(d, testKey(t))
	require.Equal(t, SigAlgorithm, req.SigAlgorithm)
	require.Len(t, req.Deployer, 130)
	require.True(t, req.Verify())

	req.Data.PhloLimit++
	require.False(t, req.Verify())
}

func TestDeployAndPropose(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestClient(t)

	var got DeployRequest

	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/deploy", func(r *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}

		return httpmock.NewJsonResponse(http.StatusOK, "Success!\nDeployId is: "+got.Signature)
	})
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/propose",
		httpmock.NewStringResponder(http.StatusOK, `"Success! Block `+strings.Repeat("ab", 32)+` created and added."`))

	id, err := c.Deploy(ctx, "Nil", 0)
	require.NoError(t, err)
	require.Equal(t, got.Signature, id)
	require.True(t, got.Verify())
	require.Equal(t, int64(DefaultPhloLimit), got.Data.PhloLimit)
	require.Equal(t, int64(1_700_000_000_000), got.Data.Timestamp)
	require.Equal(t, DefaultShardID, got.Data.ShardID)

	hash, err := c.Propose(ctx)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("ab", 32), hash)

	// writes are never retried
	busy := 0
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/deploy", func(*http.Request) (*http.Response, error) {
		busy++

		return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
	})

	_, err = c.Deploy(ctx, "Nil", 0)
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, 1, busy)

	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/propose",
		httpmock.NewStringResponder(http.StatusOK, `"Error: no new deploys"`))

	_, err = c.Propose(ctx)
	require.ErrorIs(t, err, ErrRejected)

	_, err = NewClient(Config{URL: nodeURL}).Deploy(ctx, "Nil", 0)
	require.ErrorIs(t, err, ErrRejected)
}

func TestReads(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestClient(t)

	calls := 0
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/explore-deploy", func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusBadGateway, "restarting"), nil
		}

		term, _ := io.ReadAll(r.Body)
		if string(term) != "Nil" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "unexpected term"), nil
		}

		return httpmock.NewStringResponse(http.StatusOK,
			`{"expr":[{"ExprString":{"data":"hello"}},{"ExprInt":{"data":3}}],"block":{"blockHash":"ff","blockNumber":12}}`), nil
	})

	res, err := c.ExploratoryDeploy(ctx, "Nil")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, res.Expr, 2)
	require.Equal(t, int64(12), res.Block.BlockNumber)

	s, ok := res.Expr[0].String()
	require.True(t, ok)
	require.Equal(t, "hello", s)

	_, ok = res.Expr[1].String()
	require.False(t, ok)

	mock.RegisterResponder(http.MethodGet, nodeURL+"/api/deploy/abcd",
		httpmock.NewStringResponder(http.StatusOK, `{"blockHash":"ee","blockNumber":13,"timestamp":5,"cost":120}`))
	mock.RegisterResponder(http.MethodGet, nodeURL+"/api/deploy/dead",
		httpmock.NewStringResponder(http.StatusNotFound, "Couldn't find block containing deploy"))

	info, err := c.DeployStatus(ctx, "abcd")
	require.NoError(t, err)
	require.Equal(t, DeployInfo{BlockHash: "ee", BlockNumber: 13, Timestamp: 5, Cost: 120}, *info)

	_, err = c.DeployStatus(ctx, "dead")
	require.ErrorIs(t, err, ErrNotFound)
}

// fakeNode keeps the registry list deployed by the last term.
type fakeNode struct {
	terms  []string
	stored string
}

func (n *fakeNode) register(mock *httpmock.MockTransport) {
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/deploy", func(r *http.Request) (*http.Response, error) {
		var req DeployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Verify() {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad deploy"), nil
		}

		term := req.Data.Term
		n.terms = append(n.terms, term)

		list, err := strconv.Unquote(term[strings.Index(term, "!(")+2 : strings.LastIndex(term, ")")])
		if err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}

		n.stored = list

		return httpmock.NewJsonResponse(http.StatusOK, "Success!\nDeployId is: "+req.Signature)
	})
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/propose",
		httpmock.NewStringResponder(http.StatusOK, `"Success! Block `+strings.Repeat("cd", 32)+` created and added."`))
	mock.RegisterResponder(http.MethodPost, nodeURL+"/api/explore-deploy", func(*http.Request) (*http.Response, error) {
		res := map[string]interface{}{"block": map[string]interface{}{"blockHash": "aa", "blockNumber": 1}}
		if n.stored == "" {
			res["expr"] = []interface{}{}
		} else {
			res["expr"] = []interface{}{map[string]interface{}{"ExprString": map[string]string{"data": n.stored}}}
		}

		return httpmock.NewJsonResponse(http.StatusOK, res)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestClient(t)
	node := &fakeNode{}
	node.register(mock)

	reg := NewRegistry(c, time.Minute)
	cid := rgb.ContractID{1, 2, 3}

	list, err := reg.LookupAllocations(ctx, cid)
	require.NoError(t, err)
	require.Empty(t, list)

	allocs := []Allocation{
		{Contract: cid, Txid: strings.Repeat("22", 32), Vout: 1, Amount: 750, Beneficiary: "alice"},
		{Contract: cid, Txid: strings.Repeat("11", 32), Vout: 0, Amount: 250, Beneficiary: "bob"},
	}

	_, err = reg.RecordAllocations(ctx, cid, allocs)
	require.NoError(t, err)
	require.Len(t, node.terms, 1)
	require.True(t, strings.HasPrefix(node.terms[0], `@"rgbw:allocations:`))

	// served from the cache, sorted by outpoint
	explores := mock.GetCallCountInfo()["POST "+nodeURL+"/api/explore-deploy"]
	list, err = reg.LookupAllocations(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []Allocation{allocs[1], allocs[0]}, list)
	require.Equal(t, explores, mock.GetCallCountInfo()["POST "+nodeURL+"/api/explore-deploy"])

	// read back from the node
	reg.Invalidate(cid)
	list, err = reg.LookupAllocations(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []Allocation{allocs[1], allocs[0]}, list)

	op, err := list[0].Outpoint()
	require.NoError(t, err)
	require.Equal(t, uint32(0), op.Index)

	// a second record replaces the list
	_, err = reg.RecordAllocations(ctx, cid, allocs[:1])
	require.NoError(t, err)
	require.Len(t, node.terms, 2)
	require.True(t, strings.HasPrefix(node.terms[1], `for (_ <- @"rgbw:allocations:`))

	reg.Invalidate(cid)
	list, err = reg.LookupAllocations(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, allocs[:1], list)
}
