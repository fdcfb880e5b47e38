package blockchain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a JSON-RPC node answering with canned results
type fakeNode struct {
	mu       sync.Mutex
	methods  []string
	ids      map[string]bool
	polls    int
	pending  int
	final    Response
	sent     sendResult
	envelope Envelope
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods = append(n.methods, req.Method)
	n.ids[req.ID] = true

	var result interface{}
	switch req.Method {
	case MethodGetFarm:
		result = FarmIndex{Block: 100}
	case MethodGetBlock:
		var p struct {
			Block uint32 `json:"block"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Block == 100 {
			result = BlockDetails{Timestamp: 1700000000, Entropy: "AAAA"}
		}
	case MethodGetPail:
		seq := uint32(5)
		result = Pail{Sequence: &seq}
	case MethodGetBalances:
		result = Balances{AssetCode: "1.5"}
	case MethodSendTransaction:
		_ = json.Unmarshal(req.Params, &n.envelope)
		result = n.sent
	case MethodGetTransaction:
		n.polls++
		if n.polls <= n.pending {
			result = Response{Status: StatusPending}
		} else {
			result = n.final
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func newTestClient(t *testing.T, node http.Handler) (*RPCClient, string) {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	kr := NewKeyring()
	addr, err := kr.Add(EncodeSeed(testKey(3)))
	require.NoError(t, err)

	c := NewRPCClient(RPCConfig{
		URL:           srv.URL,
		Contract:      "CFARM",
		PollInterval:  5 * time.Millisecond,
		SubmitTimeout: time.Second,
	}, kr, nil)
	return c, addr
}

func TestRPCClientLookups(t *testing.T) {
	node := &fakeNode{ids: map[string]bool{}}
	c, addr := newTestClient(t, node)
	ctx := context.Background()

	idx, err := c.CurrentBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), idx.Block)

	d, err := c.BlockDetails(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(1700000000), d.Timestamp)

	d, err = c.BlockDetails(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, d, "null result means absent")

	p, err := c.Pail(ctx, addr, 100)
	require.NoError(t, err)
	assert.True(t, p.Worked())
	assert.False(t, p.Ready())

	b, err := c.Balances(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "1.5", b[AssetCode])

	assert.Len(t, node.ids, 5, "request ids are unique")
}

func TestRPCClientSubmitPollsUntilFinal(t *testing.T) {
	node := &fakeNode{
		ids:     map[string]bool{},
		pending: 2,
		sent:    sendResult{Status: StatusPending, Hash: "tx1"},
		final:   Response{Status: StatusSuccess, FeeCharged: 120, ReturnValue: json.RawMessage(`"42500000"`)},
	}
	c, addr := newTestClient(t, node)

	resp, err := c.Submit(context.Background(), Invocation{Op: OpHarvest, Farmer: addr, Block: 99})
	require.NoError(t, err)
	assert.Equal(t, "tx1", resp.TxHash)
	assert.Equal(t, int64(120), resp.FeeCharged)

	reward, err := resp.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(42_500_000), reward)
	assert.Equal(t, 3, node.polls)

	// The payload is signed by the farmer key.
	payload, err := base64.StdEncoding.DecodeString(node.envelope.Payload)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(node.envelope.Signature)
	require.NoError(t, err)
	pub, err := DecodeAddress(node.envelope.Signer)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, payload, sig))
	assert.Equal(t, "CFARM", node.envelope.Contract)
}

func TestRPCClientSubmitContractFailure(t *testing.T) {
	node := &fakeNode{
		ids:   map[string]bool{},
		sent:  sendResult{Status: StatusPending, Hash: "tx2"},
		final: Response{Status: StatusFailed, ResultError: "HostError: Error(Contract, #4)"},
	}
	c, addr := newTestClient(t, node)

	_, err := c.Submit(context.Background(), Invocation{Op: OpPlant, Farmer: addr, Amount: 200})
	require.Error(t, err)
	assert.True(t, IsCode(err, AlreadyHasPail))
	assert.Equal(t, KindContract, KindOf(err))
}

func TestRPCClientSubmitRejectedOnSend(t *testing.T) {
	node := &fakeNode{
		ids:  map[string]bool{},
		sent: sendResult{Status: StatusTryAgainLater, Hash: "tx3"},
	}
	c, addr := newTestClient(t, node)

	_, err := c.Submit(context.Background(), Invocation{Op: OpWork, Farmer: addr, Hash: "00ab"})
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.Equal(t, 0, node.polls)
}

func TestRPCClientUnknownFarmer(t *testing.T) {
	c, _ := newTestClient(t, &fakeNode{ids: map[string]bool{}})
	_, err := c.Submit(context.Background(), Invocation{Op: OpPlant, Farmer: "GNOBODY"})
	assert.ErrorIs(t, err, ErrUnknownFarmer)
}

func TestRPCClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRPCClient(RPCConfig{URL: srv.URL}, NewKeyring(), nil)
	_, err := c.CurrentBlock(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestRPCClientRelay(t *testing.T) {
	var gotAuth string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      StatusSuccess,
			"hash":        "relayed",
			"feeCharged":  0,
			"returnValue": 3,
			"credits":     9_000_000,
		})
	}))
	defer relay.Close()

	node := &fakeNode{ids: map[string]bool{}}
	c, addr := newTestClient(t, node)
	c.cfg.Relay = RelayConfig{URL: relay.URL, Token: "secret"}

	var credits int64
	c.OnCredits(func(v int64) { credits = v })

	resp, err := c.Submit(context.Background(), Invocation{Op: OpWork, Farmer: addr, Hash: "000abc", Nonce: 9})
	require.NoError(t, err)
	assert.Equal(t, "relayed", resp.TxHash)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, int64(9_000_000), credits)
	assert.Empty(t, node.methods, "relayed submissions bypass the node")
}

func TestRPCClientRelayContractRejection(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "simulation failed: Error(Contract, #8)", http.StatusBadRequest)
	}))
	defer relay.Close()

	c, addr := newTestClient(t, &fakeNode{ids: map[string]bool{}})
	c.cfg.Relay = RelayConfig{URL: relay.URL}

	_, err := c.Submit(context.Background(), Invocation{Op: OpHarvest, Farmer: addr, Block: 7})
	assert.True(t, IsCode(err, HarvestNotReady))
}
