// Package strategy provides the per-farmer overrides consulted before the
// static configuration.
package strategy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexandrut83/homestead/blockchain"
)

// Strategy may override stake, difficulty and minimum work time. A false
// second return value means no override.
type Strategy interface {
	Stake(farmer string, block blockchain.BlockState) (int64, bool)
	Difficulty(farmer string, block blockchain.BlockState) (int, bool)
	MinWorkTime(farmer string, block blockchain.BlockState) (time.Duration, bool)
}

// None never overrides anything
type None struct{}

func (None) Stake(string, blockchain.BlockState) (int64, bool)                { return 0, false }
func (None) Difficulty(string, blockchain.BlockState) (int, bool)             { return 0, false }
func (None) MinWorkTime(string, blockchain.BlockState) (time.Duration, bool) { return 0, false }

// Rule is one override entry. Zero fields do not override.
type Rule struct {
	Stake       int64         `yaml:"stake"`
	Difficulty  int           `yaml:"difficulty"`
	MinWorkTime time.Duration `yaml:"min_work_time"`
}

// LateStake replaces the stake once the block already holds more than
// AboveStaked in total stake.
type LateStake struct {
	AboveStaked int64 `yaml:"above_staked"`
	Stake       int64 `yaml:"stake"`
}

// Rules is a rule table keyed by farmer address with a fallback entry
type Rules struct {
	Default   Rule            `yaml:"default"`
	Accounts  map[string]Rule `yaml:"accounts"`
	LateStake *LateStake      `yaml:"late_stake"`
}

// Load reads a YAML rule table
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule table
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse strategy: %w", err)
	}
	if r.LateStake != nil && r.LateStake.AboveStaked <= 0 {
		return nil, fmt.Errorf("parse strategy: late_stake.above_staked must be positive")
	}
	return &r, nil
}

func (r *Rules) rule(farmer string) Rule {
	rule := r.Default
	if acct, ok := r.Accounts[farmer]; ok {
		if acct.Stake != 0 {
			rule.Stake = acct.Stake
		}
		if acct.Difficulty != 0 {
			rule.Difficulty = acct.Difficulty
		}
		if acct.MinWorkTime != 0 {
			rule.MinWorkTime = acct.MinWorkTime
		}
	}
	return rule
}

func (r *Rules) Stake(farmer string, block blockchain.BlockState) (int64, bool) {
	if ls := r.LateStake; ls != nil && block.Details != nil && block.Details.StakedTotal > ls.AboveStaked {
		return ls.Stake, ls.Stake > 0
	}
	v := r.rule(farmer).Stake
	return v, v > 0
}

func (r *Rules) Difficulty(farmer string, _ blockchain.BlockState) (int, bool) {
	v := r.rule(farmer).Difficulty
	return v, v > 0
}

func (r *Rules) MinWorkTime(farmer string, _ blockchain.BlockState) (time.Duration, bool) {
	v := r.rule(farmer).MinWorkTime
	return v, v > 0
}
