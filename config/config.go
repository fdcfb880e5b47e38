// Package config loads the homestead configuration from flags, environment,
// an optional .env file and a YAML or JSON config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/harvest"
	"github.com/alexandrut83/homestead/logging"
	"github.com/alexandrut83/homestead/miner"
	"github.com/alexandrut83/homestead/monitor"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HOMESTEAD"

// RPC configures the ledger endpoint
type RPC struct {
	URL           string        `mapstructure:"url"`
	Contract      string        `mapstructure:"contract"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	Relay         Relay         `mapstructure:"relay"`
}

// Relay configures the optional submission relay
type Relay struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Farmer is one configured account. Stake is in stroops.
type Farmer struct {
	Secret      string        `mapstructure:"secret"`
	Stake       int64         `mapstructure:"stake"`
	Difficulty  int           `mapstructure:"difficulty"`
	MinWorkTime time.Duration `mapstructure:"min_work_time"`
	HarvestOnly bool          `mapstructure:"harvest_only"`
}

// Miner configures the proof-of-work executable and attempt tuning
type Miner struct {
	Executable  string        `mapstructure:"executable"`
	MaxThreads  int           `mapstructure:"max_threads"`
	BatchSize   int           `mapstructure:"batch_size"`
	Device      int           `mapstructure:"device"`
	GPU         bool          `mapstructure:"gpu"`
	Verbose     bool          `mapstructure:"verbose"`
	Verify      bool          `mapstructure:"verify"`
	Continuous  bool          `mapstructure:"continuous"`
	Difficulty  int           `mapstructure:"difficulty"`
	Nonce       uint64        `mapstructure:"nonce"`
	MinWorkTime time.Duration `mapstructure:"min_work_time"`
	WaitDelay   time.Duration `mapstructure:"wait_delay"`
}

// Farm configures the poll loop
type Farm struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PlantZeroStake bool          `mapstructure:"plant_zero_stake"`
	Backoff        time.Duration `mapstructure:"backoff"`
	StrategyFile   string        `mapstructure:"strategy_file"`
	ProgressEvery  int           `mapstructure:"progress_every"`
}

// Tractor configures batched harvests
type Tractor struct {
	Contract      string        `mapstructure:"contract"`
	Frequency     time.Duration `mapstructure:"frequency"`
	Retries       int           `mapstructure:"retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// Harvester configures the harvest scheduler
type Harvester struct {
	HarvestOnly       bool          `mapstructure:"harvest_only"`
	Async             bool          `mapstructure:"async"`
	Delay             time.Duration `mapstructure:"delay"`
	Jitter            time.Duration `mapstructure:"jitter"`
	Range             string        `mapstructure:"range"`
	Retries           int           `mapstructure:"retries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	Tick              time.Duration `mapstructure:"tick"`
	DeadLetterPath    string        `mapstructure:"dead_letter_path"`
	ReplayDeadLetters bool          `mapstructure:"replay_dead_letters"`
	Tractor           Tractor       `mapstructure:"tractor"`
}

// Monitor configures the HTTP monitor
type Monitor struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Token          string        `mapstructure:"token"`
	StreamInterval time.Duration `mapstructure:"stream_interval"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

// Simulate replaces the ledger with the in-memory simulator
type Simulate struct {
	Enabled     bool          `mapstructure:"enabled"`
	StartBlock  uint32        `mapstructure:"start_block"`
	BlockPeriod time.Duration `mapstructure:"block_period"`
	MineTime    time.Duration `mapstructure:"mine_time"`
}

// Config is the full process configuration
type Config struct {
	RPC       RPC            `mapstructure:"rpc"`
	Farmers   []Farmer       `mapstructure:"farmers"`
	Miner     Miner          `mapstructure:"miner"`
	Farm      Farm           `mapstructure:"farm"`
	Harvester Harvester      `mapstructure:"harvester"`
	Monitor   Monitor        `mapstructure:"monitor"`
	Log       logging.Config `mapstructure:"log"`
	Simulate  Simulate       `mapstructure:"simulate"`
}

// defaults lists every scalar key so that environment overrides apply to all
// of them.
var defaults = map[string]interface{}{
	"rpc.url":            "",
	"rpc.contract":       "",
	"rpc.relay.url":      "",
	"rpc.relay.token":    "",
	"rpc.timeout":        30 * time.Second,
	"rpc.poll_interval":  time.Second,
	"rpc.submit_timeout": 60 * time.Second,
	"rpc.rate_limit":     10.0,
	"rpc.burst":          5,

	"miner.executable":    "./miner",
	"miner.max_threads":   4,
	"miner.batch_size":    10_000_000,
	"miner.device":        0,
	"miner.difficulty":    blockchain.DefaultDifficulty,
	"miner.min_work_time": 4 * time.Minute,
	"miner.wait_delay":    2 * time.Second,
	"miner.gpu":           false,
	"miner.verbose":       false,
	"miner.verify":        false,
	"miner.continuous":    false,
	"miner.nonce":         0,

	"farm.poll_interval":    farm.DefaultPollInterval,
	"farm.backoff":          5 * time.Second,
	"farm.progress_every":   7,
	"farm.plant_zero_stake": false,
	"farm.strategy_file":    "",

	"harvester.harvest_only":           false,
	"harvester.async":                  false,
	"harvester.delay":                  time.Duration(0),
	"harvester.range":                  "",
	"harvester.dead_letter_path":       "",
	"harvester.replay_dead_letters":    false,
	"harvester.tractor.contract":       "",
	"harvester.tractor.frequency":      time.Duration(0),
	"harvester.jitter":                 20 * time.Second,
	"harvester.retries":                3,
	"harvester.retry_interval":         harvest.DefaultRetryInterval,
	"harvester.tick":                   harvest.DefaultTick,
	"harvester.tractor.retries":        3,
	"harvester.tractor.retry_interval": harvest.DefaultRetryInterval,

	"monitor.host":            "0.0.0.0",
	"monitor.port":            3002,
	"monitor.stream_interval": 5 * time.Second,
	"monitor.cors_origins":    []string{"*"},
	"monitor.token":           "",

	"log.level":        "info",
	"log.format":       "console",
	"log.max_size_mb":  100,
	"log.max_backups":  3,
	"log.max_age_days": 28,
	"log.file":         "",
	"log.compress":     false,

	"simulate.enabled":      false,
	"simulate.start_block":  1,
	"simulate.block_period": blockchain.BlockPeriod,
	"simulate.mine_time":    2 * time.Second,
}

// legacyEnv maps keys to the unprefixed variables older deployments set
var legacyEnv = map[string]string{
	"rpc.url":      "RPC_URL",
	"monitor.port": "PORT",
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"rpc-url":      "rpc.url",
	"port":         "monitor.port",
	"log-level":    "log.level",
	"simulate":     "simulate.enabled",
	"harvest-only": "harvester.harvest_only",
	"range":        "harvester.range",
}

// Options controls where Load looks for configuration
type Options struct {
	// Path is the config file. Empty falls back to $HOMESTEAD_CONFIG, then
	// $CONFIG. No file at all is valid.
	Path   string
	DotEnv string
	Flags  *pflag.FlagSet
}

// Load resolves the configuration. Flags win over environment, environment
// over the config file, the file over defaults.
func Load(opts Options) (*Config, error) {
	dotenv := opts.DotEnv
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", legacy, err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		path = os.Getenv("CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if !c.Simulate.Enabled {
		if c.RPC.URL == "" {
			return fmt.Errorf("rpc.url is required")
		}
		if c.RPC.Contract == "" {
			return fmt.Errorf("rpc.contract is required")
		}
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("rpc.rate_limit must not be negative")
	}
	if len(c.Farmers) == 0 {
		return fmt.Errorf("at least one farmer is required")
	}
	for i, f := range c.Farmers {
		if f.Secret == "" {
			return fmt.Errorf("farmers[%d].secret is required", i)
		}
		if f.Stake < 0 {
			return fmt.Errorf("farmers[%d].stake must not be negative", i)
		}
	}
	if !c.Simulate.Enabled && !c.Harvester.HarvestOnly && c.Miner.Executable == "" {
		return fmt.Errorf("miner.executable is required")
	}
	if c.Miner.Difficulty < 0 || c.Miner.Difficulty > 64 {
		return fmt.Errorf("miner.difficulty must be 0-64")
	}
	if c.Farm.PollInterval < time.Second {
		return fmt.Errorf("farm.poll_interval must be at least 1s")
	}
	if c.Harvester.Retries < 0 || c.Harvester.Tractor.Retries < 0 {
		return fmt.Errorf("harvester retries must not be negative")
	}
	if c.Harvester.Tractor.Frequency < 0 {
		return fmt.Errorf("harvester.tractor.frequency must not be negative")
	}
	if c.Harvester.Range != "" {
		if _, err := harvest.ParseRange(c.Harvester.Range); err != nil {
			return fmt.Errorf("harvester.range: %w", err)
		}
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		return fmt.Errorf("monitor.port must be 0-65535")
	}
	return nil
}

// RPCConfig returns the ledger client settings
func (c *Config) RPCConfig() blockchain.RPCConfig {
	return blockchain.RPCConfig{
		URL:           c.RPC.URL,
		Contract:      c.RPC.Contract,
		Timeout:       c.RPC.Timeout,
		PollInterval:  c.RPC.PollInterval,
		SubmitTimeout: c.RPC.SubmitTimeout,
		RateLimit:     c.RPC.RateLimit,
		Burst:         c.RPC.Burst,
		Relay:         blockchain.RelayConfig{URL: c.RPC.Relay.URL, Token: c.RPC.Relay.Token},
	}
}

// MinerOptions returns the mining executable settings
func (c *Config) MinerOptions() miner.Options {
	return miner.Options{
		Executable: c.Miner.Executable,
		MaxThreads: c.Miner.MaxThreads,
		BatchSize:  c.Miner.BatchSize,
		Device:     c.Miner.Device,
		GPU:        c.Miner.GPU,
		Verbose:    c.Miner.Verbose,
		Verify:     c.Miner.Verify,
		WaitDelay:  c.Miner.WaitDelay,
	}
}

// HarvestConfig returns the scheduler settings
func (c *Config) HarvestConfig() harvest.Config {
	return harvest.Config{
		Retries:       c.Harvester.Retries,
		RetryInterval: c.Harvester.RetryInterval,
		Tick:          c.Harvester.Tick,
		Tractor: harvest.TractorConfig{
			Contract:      c.Harvester.Tractor.Contract,
			Frequency:     c.Harvester.Tractor.Frequency,
			Retries:       c.Harvester.Tractor.Retries,
			RetryInterval: c.Harvester.Tractor.RetryInterval,
		},
	}
}

// MonitorConfig returns the HTTP monitor settings
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Token:          c.Monitor.Token,
		StreamInterval: c.Monitor.StreamInterval,
		CORSOrigins:    c.Monitor.CORSOrigins,
	}
}

// Listen returns the monitor listen address
func (c *Config) Listen() string {
	return fmt.Sprintf("%s:%d", c.Monitor.Host, c.Monitor.Port)
}
