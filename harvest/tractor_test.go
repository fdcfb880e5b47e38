package harvest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/metrics"
)

func tractorConfig(retries int) Config {
	return Config{Tractor: TractorConfig{
		Contract:      "CTRACTOR",
		Frequency:     time.Hour,
		Retries:       retries,
		RetryInterval: 30 * time.Second,
	}}
}

func TestGroupKeepsFirstSeenOrder(t *testing.T) {
	got := group([]Request{
		{Farmer: "GB", Block: 1}, {Farmer: "GA", Block: 1}, {Farmer: "GB", Block: 2},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "GB", got[0].farmer)
	assert.Len(t, got[0].requests, 2)
	assert.Equal(t, "GA", got[1].farmer)
}

func TestTractorSubmitsReadyBlocks(t *testing.T) {
	fx := newFixture(t, 13, tractorConfig(1), "GA")
	fx.sim.SetPail("GA", 10, readyPail())
	fx.sim.SetPail("GA", 11, &blockchain.Pail{Sequence: u32(2)})
	fx.sim.SetPail("GA", 12, readyPail())
	fx.sim.SetReward("GA", 10, 10_000_000)
	fx.sim.SetReward("GA", 12, 25_000_000)

	for _, b := range []uint32{10, 11, 12} {
		fx.sched.Add("GA", b, t0)
	}
	require.NoError(t, fx.sched.Flush(context.Background(), false))

	calls := fx.sim.Calls(blockchain.OpTractor)
	require.Len(t, calls, 1)
	assert.Equal(t, []uint32{10, 12}, calls[0].Blocks, "not ready blocks are dropped")
	assert.Equal(t, "CTRACTOR", calls[0].Contract)
	assert.Zero(t, fx.sched.Len())

	s := fx.farmer(t, "GA").Stats()
	assert.Equal(t, 3.5, s.TotalAmount())
	assert.Equal(t, 1.0, s.Amounts.Min)
	assert.Equal(t, 2.5, s.Amounts.Max)
	assert.Equal(t, uint32(12), s.LastBlock)

	recent := fx.sched.Ledger().Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, metrics.ModeTractor, recent[0].Mode)
}

// garbledTractor answers tractor calls with a return value that is not a vector
type garbledTractor struct {
	*blockchain.Sim
}

func (g garbledTractor) Submit(ctx context.Context, inv blockchain.Invocation) (*blockchain.Response, error) {
	resp, err := g.Sim.Submit(ctx, inv)
	if err == nil && inv.Op == blockchain.OpTractor {
		resp.ReturnValue = json.RawMessage(`{"rewards":"?"}`)
	}
	return resp, err
}

func TestTractorUndecodableRewardsStillRecorded(t *testing.T) {
	fx := newFixture(t, 13, tractorConfig(2), "GA")
	fx.sim.SetPail("GA", 10, readyPail())
	fx.sim.SetPail("GA", 11, readyPail())

	cfg := tractorConfig(2)
	cfg.Now = fx.clock.Now
	sched := NewScheduler(cfg, garbledTractor{fx.sim}, fx.registry, nil, nil, nil)
	sched.Add("GA", 10, t0)
	sched.Add("GA", 11, t0)
	require.NoError(t, sched.Flush(context.Background(), false))

	assert.Len(t, fx.sim.Calls(blockchain.OpTractor), 1)
	assert.Zero(t, sched.Len(), "a submitted batch is not retried")

	s := fx.farmer(t, "GA").Stats()
	assert.Equal(t, int64(1), s.Fees.Count)
	assert.Equal(t, uint32(11), s.LastBlock)
	assert.Zero(t, s.TotalAmount())

	recent := sched.Ledger().Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, []uint32{10, 11}, recent[0].Blocks)
	assert.Equal(t, []int64{0, 0}, recent[0].Rewards)
	assert.Equal(t, blockchain.DefaultFee, recent[0].Fee)
}

func TestTractorFlushIsGated(t *testing.T) {
	fx := newFixture(t, 13, tractorConfig(1), "GA")
	fx.sim.SetPail("GA", 10, readyPail())
	fx.sim.SetPail("GA", 11, readyPail())
	ctx := context.Background()

	fx.sched.Add("GA", 10, t0)
	require.NoError(t, fx.sched.Flush(ctx, false))
	require.Len(t, fx.sim.Calls(blockchain.OpTractor), 1)

	fx.clock.Advance(10 * time.Minute)
	fx.sched.Add("GA", 11, fx.clock.Now())
	fx.sched.ProcessDue(ctx)
	assert.Len(t, fx.sim.Calls(blockchain.OpTractor), 1, "within the flush frequency")
	assert.Equal(t, 1, fx.sched.Len())

	require.NoError(t, fx.sched.Flush(ctx, true))
	assert.Len(t, fx.sim.Calls(blockchain.OpTractor), 2, "forced flush ignores the frequency")
	assert.Zero(t, fx.sched.Len())
}

func TestTractorRetryPullsFlushForward(t *testing.T) {
	fx := newFixture(t, 13, tractorConfig(1), "GA")
	fx.sim.SetPail("GA", 10, readyPail())
	fx.sim.SetPail("GA", 12, readyPail())
	fx.sim.FailNext(blockchain.OpTractor, blockchain.ErrTransport)
	ctx := context.Background()

	fx.sched.Add("GA", 10, t0)
	fx.sched.Add("GA", 12, t0)
	require.NoError(t, fx.sched.Flush(ctx, false))
	require.Len(t, fx.sim.Calls(blockchain.OpTractor), 1)
	assert.Equal(t, 2, fx.sched.Len(), "failed batch is requeued")

	fx.clock.Advance(29 * time.Second)
	fx.sched.ProcessDue(ctx)
	assert.Len(t, fx.sim.Calls(blockchain.OpTractor), 1)

	fx.clock.Advance(time.Second)
	fx.sched.ProcessDue(ctx)
	calls := fx.sim.Calls(blockchain.OpTractor)
	require.Len(t, calls, 2, "retried after the retry interval instead of the frequency")
	assert.Equal(t, []uint32{10, 12}, calls[1].Blocks)
	assert.Zero(t, fx.sched.Len())
	assert.Equal(t, 4.0, fx.farmer(t, "GA").Stats().TotalAmount())
}

func TestTractorExhaustionDeadLetters(t *testing.T) {
	fx := newFixture(t, 13, tractorConfig(0), "GA")
	fx.sim.SetPail("GA", 10, readyPail())
	fx.sim.SetPail("GA", 12, readyPail())
	fx.sim.FailNext(blockchain.OpTractor, &blockchain.ContractError{Code: blockchain.FarmIsPaused})

	fx.sched.Add("GA", 10, t0)
	fx.sched.Add("GA", 12, t0)
	require.NoError(t, fx.sched.Flush(context.Background(), true))

	assert.Zero(t, fx.sched.Len())
	letters, err := fx.sched.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 2)
	for _, l := range letters {
		assert.Equal(t, metrics.ModeTractor, l.Mode)
		assert.Equal(t, "FarmIsPaused", l.LastError)
		assert.Equal(t, 1, l.Attempts)
	}
}
