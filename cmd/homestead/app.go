package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/config"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/harvest"
	"github.com/alexandrut83/homestead/logging"
	"github.com/alexandrut83/homestead/metrics"
	"github.com/alexandrut83/homestead/miner"
	"github.com/alexandrut83/homestead/monitor"
	"github.com/alexandrut83/homestead/strategy"
)

// app holds the wired components of one process
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    blockchain.Client
	sim       *blockchain.Sim
	registry  *farm.Registry
	scheduler *harvest.Scheduler
	orch      *farm.Orchestrator
	server    *monitor.Server
	closers   []func() error
}

func build(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	keys := blockchain.NewKeyring()
	accounts := make([]farm.Account, 0, len(cfg.Farmers))
	for i, f := range cfg.Farmers {
		address, err := keys.Add(f.Secret)
		if err != nil {
			return nil, fmt.Errorf("farmers[%d]: %w", i, err)
		}
		accounts = append(accounts, farm.Account{
			Address:     address,
			Stake:       f.Stake,
			Difficulty:  f.Difficulty,
			MinWorkTime: f.MinWorkTime,
			HarvestOnly: f.HarvestOnly,
		})
	}
	registry, err := farm.NewRegistry(accounts...)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	m := metrics.New()
	session := farm.NewSession(time.Now(), cfg.Miner.GPU, cfg.RPC.Relay.URL != "")

	var searcher farm.Searcher
	if cfg.Simulate.Enabled {
		a.sim = blockchain.NewSim(cfg.Simulate.StartBlock, time.Now())
		a.client = a.sim
		searcher = newSimSearcher(cfg.Simulate.MineTime, session)
		logger.Warn("simulation mode, no transactions leave this process",
			zap.Uint32("start_block", cfg.Simulate.StartBlock))
	} else {
		rpc := blockchain.NewRPCClient(cfg.RPCConfig(), keys, logger)
		rpc.OnCredits(session.SetCredits)
		a.client = rpc

		mn := miner.New(cfg.MinerOptions(), logger)
		mn.OnHashRate(session.SetHashRate)
		searcher = mn
	}

	tuning := farm.Tuning{
		Difficulty:  cfg.Miner.Difficulty,
		Nonce:       cfg.Miner.Nonce,
		MinWorkTime: cfg.Miner.MinWorkTime,
		Continuous:  cfg.Miner.Continuous,
	}
	if cfg.Farm.StrategyFile != "" {
		rules, err := strategy.Load(cfg.Farm.StrategyFile)
		if err != nil {
			return nil, err
		}
		tuning.Strategy = rules
	}

	var dead harvest.DeadLetters
	if cfg.Harvester.DeadLetterPath != "" {
		store, err := harvest.OpenBoltStore(cfg.Harvester.DeadLetterPath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		dead = store
	}
	a.scheduler = harvest.NewScheduler(cfg.HarvestConfig(), a.client, registry, dead, logger, m)
	if cfg.Harvester.ReplayDeadLetters {
		n, err := a.scheduler.Replay()
		if err != nil {
			return nil, fmt.Errorf("replay dead letters: %w", err)
		}
		logger.Info("dead letters requeued", zap.Int("requests", n))
	}

	blocks := farm.NewBlockMonitor(a.client, logger, m, time.Now)
	machine := farm.NewMachine(a.client, searcher, farm.MachineConfig{
		Tuning:         tuning,
		PlantZeroStake: cfg.Farm.PlantZeroStake,
		Backoff:        cfg.Farm.Backoff,
	}, logger, m, time.Now)

	a.orch = farm.NewOrchestrator(farm.Options{
		PollInterval:  cfg.Farm.PollInterval,
		HarvestOnly:   cfg.Harvester.HarvestOnly,
		AsyncHarvest:  cfg.Harvester.Async,
		HarvestDelay:  cfg.Harvester.Delay,
		HarvestJitter: cfg.Harvester.Jitter,
		Backfill:      cfg.Harvester.Range,
		ProgressEvery: cfg.Farm.ProgressEvery,
	}, registry, blocks, machine, a.scheduler, session, logger)

	access := logging.NewAccessLogger(os.Stdout, cfg.Log)
	a.server = monitor.New(cfg.MonitorConfig(), a.orch, a.scheduler, a.client, m, access, logger.Named("monitor"))
	return a, nil
}

// Run starts the farm loop, the monitor and, when enabled, the async
// harvest scheduler and the block simulator. It returns once ctx is done.
func (a *app) Run(ctx context.Context) error {
	a.logger.Info("homestead starting",
		zap.Int("farmers", a.registry.Len()),
		zap.Bool("simulate", a.sim != nil),
		zap.Bool("harvest_only", a.cfg.Harvester.HarvestOnly),
		zap.Bool("tractor", a.scheduler.Tractor()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx, a.cfg.Listen()) })
	if a.cfg.Harvester.Async {
		g.Go(func() error { return a.scheduler.Run(ctx) })
	}
	if a.sim != nil {
		g.Go(func() error { return advanceBlocks(ctx, a.sim, a.cfg.Simulate.BlockPeriod, a.logger) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("homestead stopped")
		return nil
	}
	return err
}

// Backfill harvests the configured range once, forcing a final flush
func (a *app) Backfill(ctx context.Context) error {
	idx, err := a.client.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("current block: %w", err)
	}
	n, err := a.orch.RunBackfill(ctx, idx.Block)
	if err != nil {
		return err
	}
	letters, err := a.scheduler.DeadLetters()
	if err != nil {
		return err
	}
	a.logger.Info("harvest finished",
		zap.Int("requests", n),
		zap.Int("receipts", len(a.scheduler.Ledger().Recent())),
		zap.Int("dead_letters", len(letters)))
	return nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
