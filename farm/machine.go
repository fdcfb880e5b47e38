package farm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/metrics"
	"github.com/alexandrut83/homestead/miner"
)

// Searcher runs one proof-of-work attempt. *miner.Miner implements it.
type Searcher interface {
	Run(ctx context.Context, job miner.Job) (miner.Outcome, error)
}

// MachineConfig configures the farmer state machine
type MachineConfig struct {
	Tuning         Tuning
	PlantZeroStake bool
	Backoff        time.Duration
}

// Machine drives the plant, status and work phases of each farmer. It keeps
// no per-farmer state of its own.
type Machine struct {
	client   blockchain.Client
	searcher Searcher
	cfg      MachineConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewMachine creates a new state machine
func NewMachine(client blockchain.Client, searcher Searcher, cfg MachineConfig, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *Machine {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		client:   client,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger.Named("farmer"),
		metrics:  m,
		now:      now,
	}
}

func (m *Machine) fail(f *Farmer, phase Phase, block uint32, err error, msg string) {
	f.Fail(phase, err, m.now().Add(m.cfg.Backoff))
	m.logger.Error(msg,
		zap.String("farmer", f.Address()),
		zap.Uint32("block", block),
		zap.String("phase", string(phase)),
		zap.String("kind", blockchain.KindOf(err).String()),
		zap.String("error", blockchain.Describe(err)))
}

// Plant stakes for the block when the farmer is PLANTING and holds no pail
// yet. With next set the pail of the following block is checked, since the
// first plant after a stale period opens that block.
func (m *Machine) Plant(ctx context.Context, f *Farmer, state blockchain.BlockState, next bool) bool {
	if f.HarvestOnly() || f.Status() != StatusPlanting {
		return false
	}
	if f.BackedOff(PhasePlant, m.now()) {
		return false
	}

	target := state.Block
	if next {
		target++
	}

	pail, err := m.client.Pail(ctx, f.Address(), target)
	if err != nil {
		m.fail(f, PhasePlant, target, err, "farmer could not check pail")
		m.metrics.Plant(metrics.ResultFailure)
		return false
	}
	if pail != nil {
		m.logger.Debug("farmer already planted", zap.String("farmer", f.Address()), zap.Uint32("block", target))
		return false
	}

	stake := m.cfg.Tuning.Stake(f.Account(), state)
	if stake == 0 && !m.cfg.PlantZeroStake {
		m.logger.Debug("farmer has no stake, not planting", zap.String("farmer", f.Address()), zap.Uint32("block", target))
		m.metrics.Plant(metrics.ResultSkipped)
		return false
	}

	resp, err := m.client.Submit(ctx, blockchain.Invocation{
		Op:     blockchain.OpPlant,
		Farmer: f.Address(),
		Amount: stake,
	})
	if err != nil {
		if blockchain.IsCode(err, blockchain.AlreadyHasPail) {
			f.SetStatus(StatusWorking)
			m.metrics.Plant(metrics.ResultSkipped)
			return false
		}
		m.fail(f, PhasePlant, target, err, "farmer could not plant")
		m.metrics.Plant(metrics.ResultFailure)
		return false
	}

	f.RecordPlant(state.Block, stake, resp.FeeCharged)
	f.SetStatus(StatusWorking)
	m.metrics.Plant(metrics.ResultSuccess)
	m.logger.Info("farmer planted",
		zap.String("farmer", f.Address()),
		zap.Uint32("block", target),
		zap.Float64("stake", blockchain.ToUnits(stake)),
		zap.Bool("next", next))
	return true
}

// RefreshStatus moves the farmer to IDLE once its pail carries zeros and to
// WORKING once it carries a sequence. Errors leave the status unchanged.
func (m *Machine) RefreshStatus(ctx context.Context, f *Farmer, block uint32) {
	status := f.Status()
	if status == StatusIdle {
		return
	}
	pail, err := m.client.Pail(ctx, f.Address(), block)
	if err != nil {
		m.logger.Warn("farmer status check failed",
			zap.String("farmer", f.Address()),
			zap.Uint32("block", block),
			zap.String("phase", string(PhaseStatus)),
			zap.String("error", blockchain.Describe(err)))
		return
	}
	switch {
	case pail.Harvestable():
		f.SetStatus(StatusIdle)
		m.logger.Info("farmer is DONE", zap.String("farmer", f.Address()), zap.Uint32("block", block))
	case pail.Worked() && status != StatusWorking:
		f.SetStatus(StatusWorking)
		m.logger.Info("farmer is WORKING", zap.String("farmer", f.Address()), zap.Uint32("block", block))
	}
}

// Mine runs one attempt when the farmer is WORKING and the block details and
// entropy are known. It reports whether the attempt was cut by its kill deadline.
func (m *Machine) Mine(ctx context.Context, f *Farmer, state blockchain.BlockState, minWork, elapsed time.Duration) bool {
	if f.Status() != StatusWorking || !state.HasHash() || !state.HasDetails() {
		return false
	}
	now := m.now()
	if f.BackedOff(PhaseMine, now) {
		return false
	}

	tuning := m.cfg.Tuning
	prev := f.Work()
	if !tuning.ShouldMine(minWork, elapsed, prev) {
		return false
	}

	difficulty, nonce := tuning.Next(f.Account(), state, prev)
	job := miner.Job{
		Block:      state.Block,
		Hash:       state.Hash,
		Nonce:      nonce,
		Difficulty: difficulty,
		Account:    f.Address(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	if kill := tuning.KillAfter(minWork, elapsed, prev); kill > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(ctx, kill)
		m.logger.Info("farmer mining with kill deadline",
			zap.String("farmer", f.Address()),
			zap.Duration("kill_after", kill))
	}
	out, err := m.searcher.Run(runCtx, job)
	cancel()

	if err != nil {
		if out.Killed && errors.Is(err, miner.ErrKilled) {
			m.metrics.Mining(metrics.ResultKilled, out.Elapsed)
			m.logger.Info("farmer mining process killed",
				zap.String("farmer", f.Address()),
				zap.Uint32("block", state.Block),
				zap.Bool("has_work", prev != nil))
			return true
		}
		m.metrics.Mining(metrics.ResultFailure, out.Elapsed)
		if !tuning.Continuous {
			f.ClearWork()
		}
		m.fail(f, PhaseMine, state.Block, err, "farmer failed to work")
		return out.Killed
	}

	f.SetWork(Work{
		Hash:       out.Result.Hash,
		Nonce:      out.Result.Nonce,
		Difficulty: difficulty,
		Block:      state.Block,
	})
	if out.Killed {
		m.metrics.Mining(metrics.ResultKilled, out.Elapsed)
	} else {
		m.metrics.Mining(metrics.ResultSuccess, out.Elapsed)
	}
	m.logger.Info("farmer worked",
		zap.String("farmer", f.Address()),
		zap.Uint32("block", state.Block),
		zap.String("hash", out.Result.Hash),
		zap.Uint64("nonce", out.Result.Nonce),
		zap.Int("difficulty", difficulty))

	if !out.Killed {
		left := minWork - elapsed
		if left < 0 {
			left = 0
		}
		f.RecordMined(state.Block, now.Add(left))
		m.logger.Debug("farmer submitting work",
			zap.String("farmer", f.Address()),
			zap.Duration("in", left))
	}
	return out.Killed
}

// SubmitWork submits the current attempt. A rejected attempt is cleared so
// the next tick mines afresh.
func (m *Machine) SubmitWork(ctx context.Context, f *Farmer, state blockchain.BlockState) bool {
	if f.Status() != StatusWorking {
		return false
	}
	w := f.Work()
	if w == nil || f.BackedOff(PhaseWork, m.now()) {
		return false
	}

	resp, err := m.client.Submit(ctx, blockchain.Invocation{
		Op:     blockchain.OpWork,
		Farmer: f.Address(),
		Hash:   w.Hash,
		Nonce:  w.Nonce,
	})
	if err != nil {
		f.ClearWork()
		m.fail(f, PhaseWork, state.Block, err, "farmer could not submit work")
		m.metrics.Work(metrics.ResultFailure)
		return false
	}

	gap, err := resp.Int()
	if err != nil {
		m.logger.Warn("work gap not decodable", zap.String("farmer", f.Address()), zap.Error(err))
	}
	f.RecordWork(gap, w.Difficulty, resp.FeeCharged)
	m.metrics.Work(metrics.ResultSuccess)
	m.logger.Info("farmer submitted work",
		zap.String("farmer", f.Address()),
		zap.Uint32("block", state.Block),
		zap.String("hash", w.Hash),
		zap.Uint64("nonce", w.Nonce),
		zap.Int64("gap", gap))
	return true
}

// Work runs the mining and submission steps of one farmer for a tick. Nothing
// runs until the block details are known.
func (m *Machine) Work(ctx context.Context, f *Farmer, state blockchain.BlockState) {
	if f.HarvestOnly() || !state.HasDetails() {
		return
	}
	elapsed := state.Elapsed(m.now())
	minWork := m.cfg.Tuning.MinWork(f.Account(), state)

	killed := m.Mine(ctx, f, state, minWork, elapsed)
	if minWork <= elapsed || (killed && f.Work() != nil) {
		m.SubmitWork(ctx, f, state)
		m.RefreshStatus(ctx, f, state.Block)
	}
}
