package blockchain

import (
	"time"
)

const (
	// AssetCode is the symbol of the farmed token
	AssetCode = "KALE"

	// NativeCode is the symbol of the fee-paying asset
	NativeCode = "XLM"

	// Stroops is the number of smallest units per whole token
	Stroops = 10_000_000

	// BlockPeriod is the target time between farm blocks
	BlockPeriod = 5 * time.Minute

	// StaleGrace is added to BlockPeriod before a block is considered stale
	StaleGrace = 15 * time.Second

	// DefaultDifficulty is used when neither strategy nor config set one
	DefaultDifficulty = 6
)

// StaleAfter is the age of a block after which the farm is considered stuck
// and farmers retry planting.
const StaleAfter = BlockPeriod + StaleGrace

// ToUnits converts an amount in stroops to whole tokens.
func ToUnits(stroops int64) float64 {
	return float64(stroops) / Stroops
}
