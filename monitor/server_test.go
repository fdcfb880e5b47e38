package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/harvest"
	"github.com/alexandrut83/homestead/metrics"
)

const token = "s3cret"

var t0 = time.Unix(1_700_000_000, 0)

type staticFarm struct {
	snapshot farm.Snapshot
	balances map[string]blockchain.Balances
}

func (f *staticFarm) Snapshot() farm.Snapshot                  { return f.snapshot }
func (f *staticFarm) Balances() map[string]blockchain.Balances { return f.balances }

type fixture struct {
	sim    *blockchain.Sim
	sched  *harvest.Scheduler
	server *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	sim := blockchain.NewSim(18, t0)
	sim.SetClock(func() time.Time { return t0 })
	sim.Advance(t0)
	sim.Advance(t0)

	reg, err := farm.NewRegistry(farm.Account{Address: "GA"})
	require.NoError(t, err)

	m := metrics.New()
	sched := harvest.NewScheduler(harvest.Config{Now: func() time.Time { return t0 }}, sim, reg, nil, nil, m)
	f := &staticFarm{
		snapshot: farm.Snapshot{Time: t0, Block: blockchain.BlockState{Block: 20, Hash: "ZW50"}, Queue: 2},
		balances: map[string]blockchain.Balances{"GA": {blockchain.AssetCode: "1.0000000"}},
	}
	return &fixture{sim: sim, sched: sched, server: New(cfg, f, sched, sim, m, nil, nil)}
}

func (fx *fixture) do(method, path string, form url.Values, auth string) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestReadRoutes(t *testing.T) {
	fx := newFixture(t, Config{})

	rec := fx.do(http.MethodGet, "/data", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state blockchain.BlockState
	decode(t, rec, &state)
	assert.Equal(t, uint32(20), state.Block)
	assert.Equal(t, "ZW50", state.Hash)

	rec = fx.do(http.MethodGet, "/balances", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"GA":{"KALE":"1.0000000"}}`, rec.Body.String())

	rec = fx.do(http.MethodGet, "/monitor", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap farm.Snapshot
	decode(t, rec, &snap)
	assert.Equal(t, 2, snap.Queue)

	fx.sched.Add("GA", 19, t0)
	rec = fx.do(http.MethodGet, "/harvests", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var harvests struct {
		Pending []harvest.Request `json:"pending"`
		Recent  []harvest.Receipt `json:"recent"`
	}
	decode(t, rec, &harvests)
	require.Len(t, harvests.Pending, 1)
	assert.Equal(t, uint32(19), harvests.Pending[0].Block)
	assert.Empty(t, harvests.Recent)

	rec = fx.do(http.MethodGet, "/deadletters", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "homestead_harvested_amount_total")
}

func TestOperationsRequireToken(t *testing.T) {
	fx := newFixture(t, Config{Token: token})
	form := url.Values{"farmer": {"GA"}, "amount": {"100"}}

	rec := fx.do(http.MethodPost, "/plant", form, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(http.MethodPost, "/plant", form, "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(http.MethodPost, "/plant", form, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the Bearer scheme is required")
	assert.Empty(t, fx.sim.Calls(blockchain.OpPlant))

	rec = fx.do(http.MethodPost, "/plant", form, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fx.sim.Calls(blockchain.OpPlant), 1)
}

func TestOperationsDisabledWithoutToken(t *testing.T) {
	fx := newFixture(t, Config{})
	rec := fx.do(http.MethodPost, "/plant", url.Values{"farmer": {"GA"}}, "Bearer "+token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, fx.sim.Calls(blockchain.OpPlant))
}

func TestPlantAndWork(t *testing.T) {
	fx := newFixture(t, Config{Token: token})
	auth := "Bearer " + token

	rec := fx.do(http.MethodPost, "/plant", url.Values{"farmer": {"GA"}, "amount": {"100"}}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var plant struct {
		Result blockchain.Response `json:"result"`
	}
	decode(t, rec, &plant)
	assert.Equal(t, blockchain.StatusSuccess, plant.Result.Status)
	assert.Equal(t, int64(100), fx.sim.Calls(blockchain.OpPlant)[0].Amount)

	rec = fx.do(http.MethodPost, "/plant", url.Values{"farmer": {"GA"}}, auth)
	require.Equal(t, http.StatusConflict, rec.Code)
	var rejected struct {
		Code string `json:"code"`
	}
	decode(t, rec, &rejected)
	assert.Equal(t, "AlreadyHasPail", rejected.Code)

	rec = fx.do(http.MethodPost, "/work", url.Values{"farmer": {"GA"}, "hash": {"0000ab"}, "nonce": {"7"}}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	works := fx.sim.Calls(blockchain.OpWork)
	require.Len(t, works, 1)
	assert.Equal(t, uint64(7), works[0].Nonce)

	rec = fx.do(http.MethodPost, "/work", url.Values{"farmer": {"GA"}}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "hash is required")
}

func TestHarvestRoute(t *testing.T) {
	fx := newFixture(t, Config{Token: token})
	auth := "Bearer " + token
	seq, zeros := uint32(1), uint32(6)
	fx.sim.SetPail("GA", 19, &blockchain.Pail{Sequence: &seq, Zeros: &zeros})
	fx.sim.SetReward("GA", 19, 15_000_000)

	rec := fx.do(http.MethodPost, "/harvest", url.Values{"farmer": {"GA"}, "block": {"19"}}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Result harvest.Receipt `json:"result"`
	}
	decode(t, rec, &out)
	assert.Equal(t, []uint32{19}, out.Result.Blocks)
	assert.Equal(t, []int64{15_000_000}, out.Result.Rewards)
	assert.Len(t, fx.sched.Ledger().Recent(), 1)

	rec = fx.do(http.MethodPost, "/harvest", url.Values{"farmer": {"GA"}, "block": {"18"}}, auth)
	assert.Equal(t, http.StatusConflict, rec.Code, "no ready pail")

	rec = fx.do(http.MethodPost, "/harvest", url.Values{"farmer": {"GZ"}, "block": {"19"}}, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(http.MethodPost, "/harvest", url.Values{"farmer": {"GA"}}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamPushesSnapshots(t *testing.T) {
	fx := newFixture(t, Config{StreamInterval: 10 * time.Millisecond})
	srv := httptest.NewServer(fx.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		var snap farm.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		assert.Equal(t, uint32(20), snap.Block.Block)
	}
}

func TestCORSPreflight(t *testing.T) {
	fx := newFixture(t, Config{CORSOrigins: []string{"http://dash.local"}})
	req := httptest.NewRequest(http.MethodOptions, "/data", nil)
	req.Header.Set("Origin", "http://dash.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))
}
