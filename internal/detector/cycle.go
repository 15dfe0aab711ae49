package detector

import (
	"sort"
	"time"

	"cyclewatch/internal/graph"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Search defaults.
const (
	DefaultTopK = 5
)

var (
	DefaultMinProfit       = uint256.NewInt(1)
	DefaultSearchLower     = uint256.NewInt(1)
	DefaultSearchUpper     = uint256.MustFromDecimal("10000000000000000000000") // 1e22
	DefaultSearchTolerance = uint256.NewInt(10)
)

// SearchConfig bounds the optimal-input search and the ranking.
type SearchConfig struct {
	// MinProfit is the signed profit a cycle must strictly exceed.
	MinProfit *uint256.Int

	// Lower, Upper and Tolerance bracket the optimal-input search in wei of
	// the base token.
	Lower     *uint256.Int
	Upper     *uint256.Int
	Tolerance *uint256.Int

	// TopK caps the number of ranked opportunities returned.
	TopK int
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.MinProfit == nil {
		c.MinProfit = DefaultMinProfit
	}
	if c.Lower == nil {
		c.Lower = DefaultSearchLower
	}
	if c.Upper == nil {
		c.Upper = DefaultSearchUpper
	}
	if c.Tolerance == nil {
		c.Tolerance = DefaultSearchTolerance
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return c
}

// Opportunity is a cycle priced at its best input.
type Opportunity struct {
	// CycleID identifies the cycle within the graph state
	CycleID int

	// Pools are the pool addresses in hop order
	Pools []common.Address

	// OptimalIn is the input amount in wei of the base token
	OptimalIn *uint256.Int

	// Profit is output minus input in two's complement form
	Profit *uint256.Int

	// Amounts holds the input followed by the output of every hop
	Amounts []*uint256.Int

	// TxHash is the pending transaction that triggered detection, if any
	TxHash common.Hash

	// DetectionLatency is the time from candidate arrival to ranking
	DetectionLatency time.Duration
}

// FindOptimalCycles prices every cycle touching one of the changed pools, or
// every cycle when changed is empty, at its best input. Cycles whose profit
// exceeds cfg.MinProfit are returned most profitable first, at most cfg.TopK.
// The view must be used inside the callback that produced it.
func FindOptimalCycles(v *graph.View, changed []common.Address, cfg SearchConfig) []*Opportunity {
	return RankCycles(v, CycleIDs(v, changed), cfg)
}

// CycleIDs returns the ids of the cycles touching any changed pool, or of
// every cycle when changed is empty.
func CycleIDs(v *graph.View, changed []common.Address) []int {
	if len(changed) > 0 {
		return v.CyclesFor(changed)
	}
	ids := make([]int, v.NumCycles())
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// RankCycles prices the given cycles and ranks them like FindOptimalCycles.
func RankCycles(v *graph.View, ids []int, cfg SearchConfig) []*Opportunity {
	cfg = cfg.withDefaults()

	base := v.BaseToken()
	hops := make([]graph.IndexedPool, 0, graph.DefaultMaxHops)

	var opportunities []*Opportunity
	for _, id := range ids {
		hops = v.CyclePools(id, hops)

		in := MaximizeProfit(base, hops, cfg.Lower, cfg.Upper, cfg.Tolerance)
		profit, amounts := ProfitWithAmounts(base, in, hops)
		if !profit.Sgt(cfg.MinProfit) {
			continue
		}

		cycle := v.Cycle(id)
		pools := make([]common.Address, len(cycle))
		for i, pos := range cycle {
			pools[i] = v.PoolAddress(pos)
		}

		opportunities = append(opportunities, &Opportunity{
			CycleID:   id,
			Pools:     pools,
			OptimalIn: in,
			Profit:    profit,
			Amounts:   amounts,
		})
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].Profit.Sgt(opportunities[j].Profit)
	})
	if len(opportunities) > cfg.TopK {
		opportunities = opportunities[:cfg.TopK]
	}

	return opportunities
}
