// Package miner drives the external proof-of-work search executable.
package miner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoResult is returned when the process exited without printing a result
	ErrNoResult = errors.New("miner produced no result")

	// ErrKilled is returned when the kill deadline fired before a result was printed
	ErrKilled = errors.New("miner killed before producing a result")

	// ErrInvalidResult is returned when verification rejects a result
	ErrInvalidResult = errors.New("invalid miner result")
)

// Options configures the mining executable
type Options struct {
	Executable string
	MaxThreads int
	BatchSize  int
	Device     int
	GPU        bool
	Verbose    bool
	Verify     bool
	WaitDelay  time.Duration
}

// Job is a single proof-of-work search request
type Job struct {
	Block      uint32
	Hash       string
	Nonce      uint64
	Difficulty int
	Account    string
}

// Result is the solution printed by the executable
type Result struct {
	Hash  string `json:"hash"`
	Nonce uint64 `json:"nonce"`
}

// Outcome describes a finished attempt
type Outcome struct {
	Result  Result
	Killed  bool
	Elapsed time.Duration
}

// Miner launches one search process per Run
type Miner struct {
	opts       Options
	logger     *zap.Logger
	onHashRate func(rate string)
}

// New creates a new Miner
func New(opts Options, logger *zap.Logger) *Miner {
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Miner{opts: opts, logger: logger.Named("miner")}
}

// OnHashRate registers the side channel receiving hash-rate readings
func (m *Miner) OnHashRate(fn func(rate string)) {
	m.onHashRate = fn
}

// Options returns the configured options
func (m *Miner) Options() Options {
	return m.opts
}

// Args builds the command line for job
func (m *Miner) Args(job Job) []string {
	args := []string{
		strconv.FormatUint(uint64(job.Block), 10),
		job.Hash,
		strconv.FormatUint(job.Nonce, 10),
		strconv.Itoa(job.Difficulty),
		job.Account,
		"--max-threads", strconv.Itoa(m.opts.MaxThreads),
		"--batch-size", strconv.Itoa(m.opts.BatchSize),
		"--device", strconv.Itoa(m.opts.Device),
	}
	if m.opts.GPU {
		args = append(args, "--gpu")
	}
	if m.opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// Run executes job and blocks until the process exits. A context deadline is
// the kill deadline: on expiry the process gets SIGTERM and Run returns within
// WaitDelay. A result printed before the kill is still returned.
func (m *Miner) Run(ctx context.Context, job Job) (Outcome, error) {
	log := m.logger.With(
		zap.String("farmer", job.Account),
		zap.Uint32("block", job.Block),
		zap.Int("difficulty", job.Difficulty),
		zap.Uint64("nonce", job.Nonce))

	cmd := exec.CommandContext(ctx, m.opts.Executable, m.Args(job)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = m.opts.WaitDelay

	stdout := newLineWriter(func(line string) {
		log.Debug("miner output", zap.String("line", line))
		if rate, ok := ParseHashRate(line); ok && m.onHashRate != nil {
			m.onHashRate(rate)
		}
	})
	stderr := newLineWriter(func(line string) {
		log.Warn("miner stderr", zap.String("line", line))
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return Outcome{Killed: true}, ErrKilled
		}
		return Outcome{}, fmt.Errorf("start miner: %w", err)
	}
	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	outcome := Outcome{
		Killed:  ctx.Err() != nil,
		Elapsed: time.Since(start),
	}

	res, parseErr := ParseResult(stdout.Bytes())
	switch {
	case parseErr == nil:
		outcome.Result = res
	case outcome.Killed:
		log.Info("miner killed", zap.Duration("elapsed", outcome.Elapsed))
		return outcome, ErrKilled
	case waitErr != nil:
		return outcome, fmt.Errorf("miner exited: %w", waitErr)
	default:
		return outcome, ErrNoResult
	}

	if waitErr != nil && !outcome.Killed {
		return outcome, fmt.Errorf("miner exited: %w", waitErr)
	}

	if m.opts.Verify {
		if err := Verify(job, res); err != nil {
			return outcome, err
		}
	}

	log.Info("miner result",
		zap.String("hash", res.Hash),
		zap.Uint64("result_nonce", res.Nonce),
		zap.Bool("killed", outcome.Killed),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome, nil
}
