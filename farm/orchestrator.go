package farm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
)

// DefaultPollInterval is the main tick period
const DefaultPollInterval = 5 * time.Second

// Harvester is the harvest scheduler as seen by the orchestrator
type Harvester interface {
	Add(farmer string, block uint32, at time.Time) bool
	Flush(ctx context.Context, force bool) error
	Backfill(expr string, current uint32) (int, error)
	Len() int
}

// Options configures the orchestrator loop
type Options struct {
	PollInterval time.Duration
	HarvestOnly  bool
	// AsyncHarvest is set when the scheduler runs in its own goroutine.
	// Otherwise the queue is flushed inline every tick.
	AsyncHarvest  bool
	HarvestDelay  time.Duration
	HarvestJitter time.Duration
	Backfill      string
	ProgressEvery int
	Now           func() time.Time
}

// Orchestrator ties the block monitor, the farmer state machine and the
// harvest scheduler together once per tick.
type Orchestrator struct {
	opts       Options
	registry   *Registry
	monitor    *BlockMonitor
	machine    *Machine
	harvester  Harvester
	session    *Session
	logger     *zap.Logger
	jitter     func(n int64) int64
	ticks      int
	backfilled bool
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(opts Options, registry *Registry, monitor *BlockMonitor, machine *Machine, harvester Harvester, session *Session, logger *zap.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:      opts,
		registry:  registry,
		monitor:   monitor,
		machine:   machine,
		harvester: harvester,
		session:   session,
		logger:    logger.Named("farm"),
		jitter:    rand.Int63n,
	}
}

// Run ticks until ctx is done. Tick errors are logged and never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("farm started",
		zap.Int("farmers", o.registry.Len()),
		zap.Duration("poll_interval", o.opts.PollInterval))

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrNoBlock) {
				o.logger.Debug("waiting for farm block")
			} else {
				o.logger.Warn("tick failed", zap.String("error", blockchain.Describe(err)))
			}
		}

		select {
		case <-ctx.Done():
			o.logger.Info("farm stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass: block monitor, backfill, plant and refresh, harvest
// enqueue, then mining and work submission.
func (o *Orchestrator) Tick(ctx context.Context) error {
	obs, err := o.monitor.Tick(ctx, o.registry)
	if err != nil {
		return err
	}
	state := obs.State

	if !o.backfilled && o.opts.Backfill != "" {
		o.backfilled = true
		if _, err := o.RunBackfill(ctx, state.Block); err != nil {
			o.logger.Error("backfill failed", zap.String("range", o.opts.Backfill), zap.Error(err))
		}
		return nil
	}

	farmers := o.registry.All()

	if !o.opts.HarvestOnly {
		for _, f := range farmers {
			if f.HarvestOnly() {
				continue
			}
			o.machine.Plant(ctx, f, state, obs.Stale)
			if obs.Stale {
				break
			}
			o.machine.RefreshStatus(ctx, f, state.Block)
		}
	}

	o.enqueueHarvests(ctx, state.Block)

	if !obs.Stale && !o.opts.HarvestOnly {
		for _, f := range farmers {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.machine.Work(ctx, f, state)
		}
	}

	o.progress(obs)
	return nil
}

// RunBackfill seeds the scheduler from the configured range and forces a flush
func (o *Orchestrator) RunBackfill(ctx context.Context, current uint32) (int, error) {
	n, err := o.harvester.Backfill(o.opts.Backfill, current)
	if err != nil {
		return 0, err
	}
	o.logger.Info("backfill seeded", zap.String("range", o.opts.Backfill), zap.Int("requests", n))
	return n, o.harvester.Flush(ctx, true)
}

func (o *Orchestrator) enqueueHarvests(ctx context.Context, block uint32) {
	if block <= 1 {
		return
	}
	at := o.opts.Now()
	if o.opts.AsyncHarvest {
		at = at.Add(o.opts.HarvestDelay)
		if o.opts.HarvestJitter > 0 {
			at = at.Add(time.Duration(o.jitter(int64(o.opts.HarvestJitter))))
		}
	}
	// Offered every tick until harvested; the queue drops pairs already pending.
	for _, f := range o.registry.All() {
		if !f.Harvested(block - 1) {
			o.harvester.Add(f.Address(), block-1, at)
		}
	}
	if !o.opts.AsyncHarvest {
		if err := o.harvester.Flush(ctx, false); err != nil {
			o.logger.Warn("harvest flush failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) progress(obs Observation) {
	if obs.Elapsed <= 0 {
		return
	}
	if o.ticks%o.opts.ProgressEvery == 0 {
		o.logger.Info("current block",
			zap.Uint32("block", obs.State.Block),
			zap.Duration("elapsed", obs.Elapsed.Truncate(time.Second)),
			zap.Int("queued_harvests", o.harvester.Len()))
	}
	o.ticks++
}

// Snapshot is the read-only monitor projection
type Snapshot struct {
	Time    time.Time             `json:"time"`
	Block   blockchain.BlockState `json:"block"`
	Session SessionSnapshot       `json:"session"`
	Farmers []FarmerSnapshot      `json:"farmers"`
	Queue   int                   `json:"queue"`
}

// Snapshot returns the current projection of the farm
func (o *Orchestrator) Snapshot() Snapshot {
	now := o.opts.Now()
	s := Snapshot{
		Time:    now,
		Block:   o.monitor.State(),
		Farmers: o.registry.Snapshots(),
		Queue:   o.harvester.Len(),
	}
	if o.session != nil {
		s.Session = o.session.Snapshot(now)
	}
	return s
}

// Balances returns the last known balances per farmer
func (o *Orchestrator) Balances() map[string]blockchain.Balances {
	out := make(map[string]blockchain.Balances)
	for _, fs := range o.registry.Snapshots() {
		if fs.Balances != nil {
			out[fs.Address] = fs.Balances
		}
	}
	return out
}
