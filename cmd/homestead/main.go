package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/config"
	"github.com/alexandrut83/homestead/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "homestead",
		Short: "Plant, work and harvest the farm contract with many accounts",
		Long: `Homestead polls the farm contract, plants a stake for every configured
farmer when a block opens, runs the proof-of-work miner until the minimum
work time, submits the best hash and harvests the previous block.

Configuration is read from --config (or $HOMESTEAD_CONFIG / $CONFIG), then
HOMESTEAD_* environment variables, then the flags below.`,
		SilenceUsage: true,
		RunE:         runFarm,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to the YAML or JSON config file")
	pf.String("env-file", ".env", "Path to an optional .env file")
	pf.String("rpc-url", "", "Ledger RPC endpoint (overrides config)")
	pf.Int("port", 0, "Monitor HTTP port (overrides config)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.Bool("simulate", false, "Farm against the in-memory ledger simulator")
	pf.Bool("harvest-only", false, "Skip planting and working, only harvest")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the farm loop and the monitor (default)",
		RunE:  runFarm,
	})
	root.AddCommand(newHarvestCmd())
	return root
}

func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest a block range once and exit",
		Example: `  homestead harvest --range 1200-1250
  homestead harvest --range=-24`,
		RunE: runHarvest,
	}
	cmd.Flags().String("range", "", `Blocks to harvest: "a-b" or "-n" for the last n blocks (overrides harvester.range)`)
	return cmd
}

// setup loads and validates the config and builds the process logger
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(config.Options{Path: path, DotEnv: envFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runFarm(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return a.Run(ctx)
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Harvester.Range == "" {
		return fmt.Errorf("no range to harvest: pass --range or set harvester.range")
	}

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return a.Backfill(ctx)
}
