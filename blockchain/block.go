package blockchain

import (
	"time"
)

// FarmIndex is the farm instance state: the current block and its entropy
// when the instance exposes it.
type FarmIndex struct {
	Block uint32 `json:"block"`
	Hash  string `json:"hash,omitempty"`
}

// BlockDetails is the per-block metadata stored by the contract
type BlockDetails struct {
	Timestamp     int64  `json:"timestamp"`
	StakedTotal   int64  `json:"staked"`
	ZeroThreshold uint32 `json:"pow_zeros"`
	Reclaimed     int64  `json:"reclaimed"`
	Entropy       string `json:"entropy,omitempty"`
}

// BlockState is the farm block as seen by the orchestrator. Hash is empty and
// Details nil until the block details have been fetched.
type BlockState struct {
	Block   uint32        `json:"block"`
	Hash    string        `json:"hash,omitempty"`
	Details *BlockDetails `json:"details,omitempty"`
}

// HasHash reports whether the block entropy is known
func (s BlockState) HasHash() bool {
	return s.Hash != ""
}

// HasDetails reports whether the block details are known
func (s BlockState) HasDetails() bool {
	return s.Details != nil
}

// Elapsed returns the time since the block was opened. It is zero while the
// details are unknown.
func (s BlockState) Elapsed(now time.Time) time.Duration {
	if s.Details == nil || s.Details.Timestamp == 0 {
		return 0
	}
	return now.Sub(time.Unix(s.Details.Timestamp, 0))
}

// Clone returns a deep copy safe to hand to other goroutines
func (s BlockState) Clone() BlockState {
	c := s
	if s.Details != nil {
		d := *s.Details
		c.Details = &d
	}
	return c
}

// Pail is the per (farmer, block) record. Sequence is set once the farmer
// planted, Zeros once work was accepted.
type Pail struct {
	Sequence *uint32 `json:"sequence,omitempty"`
	Zeros    *uint32 `json:"zeros,omitempty"`
	Stake    int64   `json:"stake,omitempty"`
}

// Worked reports whether the pail carries a sequence
func (p *Pail) Worked() bool {
	return p != nil && p.Sequence != nil
}

// Harvestable reports whether the pail carries a zero count
func (p *Pail) Harvestable() bool {
	return p != nil && p.Zeros != nil
}

// Ready reports whether the pail can be harvested
func (p *Pail) Ready() bool {
	return p.Worked() && p.Harvestable()
}
