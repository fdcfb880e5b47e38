package farm

import (
	"encoding/json"
	"time"

	"github.com/alexandrut83/homestead/blockchain"
)

// Accumulator tracks count, total, min, max and last of a series. Min and
// max are seeded by the first observation.
type Accumulator struct {
	Count int64
	Total float64
	Min   float64
	Max   float64
	Last  float64
}

// Observe adds v to the series
func (a *Accumulator) Observe(v float64) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Count++
	a.Total += v
	a.Last = v
}

// Avg returns the mean, zero for an empty series
func (a Accumulator) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Total / float64(a.Count)
}

func (a Accumulator) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count int64   `json:"count"`
		Total float64 `json:"total"`
		Min   float64 `json:"min"`
		Max   float64 `json:"max"`
		Last  float64 `json:"last"`
		Avg   float64 `json:"avg"`
	}{a.Count, a.Total, a.Min, a.Max, a.Last, a.Avg()})
}

// Stats are the monotonic per-farmer accumulators. Amounts, stakes and fees
// are in whole tokens.
type Stats struct {
	Fees         Accumulator `json:"fees"`
	Amounts      Accumulator `json:"amounts"`
	LastBlock    uint32      `json:"lastBlock"`
	Gaps         Accumulator `json:"gaps"`
	Difficulties Accumulator `json:"difficulties"`
	Stakes       Accumulator `json:"stakes"`
	StakeBlock   uint32      `json:"stakeBlock"`
	WorkTime     time.Time   `json:"workTime"`
	WorkBlock    uint32      `json:"workBlock"`
}

func (s *Stats) addFee(stroops int64) {
	s.Fees.Observe(blockchain.ToUnits(stroops))
}

// TotalAmount is the total harvested
func (s Stats) TotalAmount() float64 { return s.Amounts.Total }

// AvgAmount is the mean harvest reward
func (s Stats) AvgAmount() float64 { return s.Amounts.Avg() }

// AvgFee is the mean fee per transaction
func (s Stats) AvgFee() float64 { return s.Fees.Avg() }

// AvgGap is the mean work gap
func (s Stats) AvgGap() float64 { return s.Gaps.Avg() }
