package farm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/miner"
)

type harvestAdd struct {
	farmer string
	block  uint32
	at     time.Time
}

type fakeHarvester struct {
	adds      []harvestAdd
	flushes   []bool
	backfills []string
}

func (h *fakeHarvester) Add(farmer string, block uint32, at time.Time) bool {
	h.adds = append(h.adds, harvestAdd{farmer, block, at})
	return true
}

func (h *fakeHarvester) Flush(_ context.Context, force bool) error {
	h.flushes = append(h.flushes, force)
	return nil
}

func (h *fakeHarvester) Backfill(expr string, _ uint32) (int, error) {
	h.backfills = append(h.backfills, expr)
	return 3, nil
}

func (h *fakeHarvester) Len() int { return len(h.adds) }

type orchestratorFixture struct {
	clock     *fakeClock
	sim       *blockchain.Sim
	registry  *Registry
	searcher  *scriptedSearcher
	harvester *fakeHarvester
	orch      *Orchestrator
}

func newOrchestratorFixture(t *testing.T, opened time.Time, opts Options, accounts ...Account) *orchestratorFixture {
	t.Helper()
	clock := newFakeClock(testNow)
	sim := blockchain.NewSim(50, opened)
	sim.SetClock(clock.Now)

	reg, err := NewRegistry(accounts...)
	require.NoError(t, err)

	searcher := &scriptedSearcher{}
	h := &fakeHarvester{}
	opts.Now = clock.Now
	monitor := NewBlockMonitor(sim, nil, nil, clock.Now)
	machine := NewMachine(sim, searcher, MachineConfig{Tuning: Tuning{MinWorkTime: 4 * time.Minute}}, nil, nil, clock.Now)
	return &orchestratorFixture{
		clock:     clock,
		sim:       sim,
		registry:  reg,
		searcher:  searcher,
		harvester: h,
		orch:      NewOrchestrator(opts, reg, monitor, machine, h, NewSession(testNow, false, false), nil),
	}
}

func TestTickStaleBlockPlantsNextForFirstFarmer(t *testing.T) {
	opened := testNow.Add(-(blockchain.StaleAfter + 5*time.Second))
	fx := newOrchestratorFixture(t, opened, Options{},
		Account{Address: "GA", Stake: 100}, Account{Address: "GB", Stake: 100})

	require.NoError(t, fx.orch.Tick(ctx()))

	plants := fx.sim.Calls(blockchain.OpPlant)
	require.Len(t, plants, 1)
	assert.Equal(t, "GA", plants[0].Farmer)
	assert.Equal(t, uint32(51), fx.sim.Block(), "the plant opened the next block")
	assert.Empty(t, fx.searcher.Jobs(), "no work on a stale block")

	fx.searcher.push(miner.Outcome{Result: miner.Result{Hash: "00a1", Nonce: 1}}, nil)
	fx.searcher.push(miner.Outcome{Result: miner.Result{Hash: "00b2", Nonce: 1}}, nil)
	fx.clock.Advance(DefaultPollInterval)
	require.NoError(t, fx.orch.Tick(ctx()))

	plants = fx.sim.Calls(blockchain.OpPlant)
	require.Len(t, plants, 2)
	assert.Equal(t, "GB", plants[1].Farmer)

	ga, _ := fx.registry.Get("GA")
	assert.Equal(t, StatusWorking, ga.Status(), "pail planted during the stale block counts")
	assert.Len(t, fx.searcher.Jobs(), 2)
}

func TestTickBackfillRunsOnce(t *testing.T) {
	fx := newOrchestratorFixture(t, testNow, Options{Backfill: "10-12"}, Account{Address: "GA", Stake: 100})

	require.NoError(t, fx.orch.Tick(ctx()))
	assert.Equal(t, []string{"10-12"}, fx.harvester.backfills)
	assert.Equal(t, []bool{true}, fx.harvester.flushes, "backfill forces a flush")
	assert.Empty(t, fx.sim.Calls(blockchain.OpPlant), "the backfill tick does nothing else")

	require.NoError(t, fx.orch.Tick(ctx()))
	assert.Len(t, fx.harvester.backfills, 1)
	assert.Len(t, fx.sim.Calls(blockchain.OpPlant), 1)
}

func TestTickHarvestOnly(t *testing.T) {
	fx := newOrchestratorFixture(t, testNow, Options{HarvestOnly: true},
		Account{Address: "GA", Stake: 100}, Account{Address: "GB", Stake: 100})

	require.NoError(t, fx.orch.Tick(ctx()))
	assert.Empty(t, fx.sim.Calls(blockchain.OpPlant))
	assert.Empty(t, fx.searcher.Jobs())
	assert.Equal(t, []harvestAdd{
		{"GA", 49, testNow},
		{"GB", 49, testNow},
	}, fx.harvester.adds)
	assert.Equal(t, []bool{false}, fx.harvester.flushes, "inline flush without a background scheduler")

	require.NoError(t, fx.orch.Tick(ctx()))
	assert.Len(t, fx.harvester.adds, 4, "unharvested blocks are offered again")
}

func TestTickRequeuesUntilHarvested(t *testing.T) {
	fx := newOrchestratorFixture(t, testNow, Options{HarvestOnly: true},
		Account{Address: "GA"}, Account{Address: "GB"})

	require.NoError(t, fx.orch.Tick(ctx()))
	require.Len(t, fx.harvester.adds, 2)

	ga, _ := fx.registry.Get("GA")
	ga.RecordHarvest(49, 10, 100)

	require.NoError(t, fx.orch.Tick(ctx()))
	require.Len(t, fx.harvester.adds, 3)
	assert.Equal(t, harvestAdd{"GB", 49, testNow}, fx.harvester.adds[2],
		"a claim that was not ready is offered on the next tick")
}

func TestTickAsyncHarvestDelay(t *testing.T) {
	fx := newOrchestratorFixture(t, testNow, Options{
		HarvestOnly:   true,
		AsyncHarvest:  true,
		HarvestDelay:  time.Minute,
		HarvestJitter: 20 * time.Second,
	}, Account{Address: "GA"})
	fx.orch.jitter = func(n int64) int64 {
		assert.Equal(t, int64(20*time.Second), n)
		return int64(5 * time.Second)
	}

	require.NoError(t, fx.orch.Tick(ctx()))
	require.Len(t, fx.harvester.adds, 1)
	assert.Equal(t, testNow.Add(65*time.Second), fx.harvester.adds[0].at)
	assert.Empty(t, fx.harvester.flushes)
}

func TestOrchestratorBalances(t *testing.T) {
	fx := newOrchestratorFixture(t, testNow, Options{}, Account{Address: "GA"}, Account{Address: "GB"})
	ga, _ := fx.registry.Get("GA")
	ga.SetBalances(blockchain.Balances{blockchain.AssetCode: "1.5"})

	assert.Equal(t, map[string]blockchain.Balances{
		"GA": {blockchain.AssetCode: "1.5"},
	}, fx.orch.Balances())

	require.NoError(t, fx.orch.Tick(ctx()))
	snap := fx.orch.Snapshot()
	assert.Equal(t, uint32(50), snap.Block.Block)
	assert.Equal(t, "0s", snap.Session.Uptime)
	assert.Len(t, snap.Farmers, 2)
}
