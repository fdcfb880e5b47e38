package farm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarvestAccumulation(t *testing.T) {
	f := NewFarmer(Account{Address: "GA"})
	f.RecordHarvest(10, 30_000_000, 100)
	f.RecordHarvest(11, 10_000_000, 100)
	f.RecordHarvest(12, 50_000_000, 300)

	s := f.Stats()
	assert.Equal(t, 1.0, s.Amounts.Min)
	assert.Equal(t, 5.0, s.Amounts.Max)
	assert.Equal(t, 3.0, s.AvgAmount())
	assert.Equal(t, 9.0, s.TotalAmount())
	assert.Equal(t, 5.0, s.Amounts.Last)
	assert.Equal(t, uint32(12), s.LastBlock)
	assert.Equal(t, int64(3), s.Fees.Count)
	assert.InDelta(t, 0.00005, s.Fees.Total, 1e-12)
	assert.InDelta(t, 0.00003, s.Fees.Max, 1e-12)
	assert.InDelta(t, 0.00001, s.Fees.Min, 1e-12)
}

func TestAccumulatorSeedsMinWithFirstValue(t *testing.T) {
	var a Accumulator
	assert.Zero(t, a.Avg())

	a.Observe(7)
	assert.Equal(t, 7.0, a.Min)
	assert.Equal(t, 7.0, a.Max)

	a.Observe(9)
	assert.Equal(t, 7.0, a.Min, "a zero-valued Min must not win over real samples")
	assert.Equal(t, 9.0, a.Max)
}

func TestRecordTractorCountsNonZeroRewards(t *testing.T) {
	f := NewFarmer(Account{Address: "GA"})
	total := f.RecordTractor([]uint32{10, 12}, []int64{20_000_000, 0}, 500)

	s := f.Stats()
	assert.Equal(t, 2.0, total)
	assert.Equal(t, int64(1), s.Amounts.Count)
	assert.Equal(t, 2.0, s.Amounts.Last)
	assert.Equal(t, uint32(12), s.LastBlock)
}

func TestWorkAndPlantStats(t *testing.T) {
	f := NewFarmer(Account{Address: "GA"})
	f.RecordPlant(100, 2_000_000_000, 0)
	f.RecordWork(4, 7, 0)
	f.RecordWork(2, 8, 0)

	s := f.Stats()
	assert.Equal(t, 200.0, s.Stakes.Last)
	assert.Equal(t, uint32(100), s.StakeBlock)
	assert.Equal(t, 3.0, s.AvgGap())
	assert.Equal(t, 2.0, s.Gaps.Min)
	assert.Equal(t, 8.0, s.Difficulties.Last)
	assert.Equal(t, 7.0, s.Difficulties.Min)
}

func TestStatsJSONIncludesAverages(t *testing.T) {
	f := NewFarmer(Account{Address: "GA"})
	f.RecordHarvest(1, 20_000_000, 0)
	f.RecordHarvest(2, 40_000_000, 0)

	raw, err := json.Marshal(f.Stats())
	require.NoError(t, err)

	var out struct {
		Amounts struct {
			Avg   float64 `json:"avg"`
			Count int64   `json:"count"`
		} `json:"amounts"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 3.0, out.Amounts.Avg)
	assert.Equal(t, int64(2), out.Amounts.Count)
}
