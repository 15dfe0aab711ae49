package graph

import (
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog/log"
)

// ValidationResult holds the results of a state consistency check.
type ValidationResult struct {
	Valid         bool
	Errors        []string
	OpenCycles    []int // cycles that do not return to the base token
	LongCycles    []int // cycles longer than the hop bound
	RepeatCycles  []int // cycles that reuse a pool
	UnindexedPool []int // arena positions missing from the cycle index
	DirtyOverlay  bool  // overlay not empty outside Speculate
}

// Validate checks that every cycle closes on the base token within the hop
// bound without reusing a pool, that every cycle is recorded against each of
// its pools, and that no speculative reserves are outstanding.
func (s *State) Validate() *ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ValidationResult{Valid: true}

	used := bitset.New(uint(len(s.pools)))
	for id, c := range s.cycles {
		if len(c) == 0 || len(c) > s.maxHops {
			result.Valid = false
			result.LongCycles = append(result.LongCycles, id)
			result.Errors = append(result.Errors,
				fmt.Sprintf("cycle %d has %d hops, bound is %d", id, len(c), s.maxHops))
			continue
		}

		used.ClearAll()
		token := s.base
		closed := true
		for _, pos := range c {
			if used.Test(uint(pos)) {
				result.Valid = false
				result.RepeatCycles = append(result.RepeatCycles, id)
				result.Errors = append(result.Errors,
					fmt.Sprintf("cycle %d reuses pool %s", id, s.ids[s.pools[pos].ID].Hex()))
				closed = false
				break
			}
			used.Set(uint(pos))

			p := &s.pools[pos]
			switch token {
			case p.Token0:
				token = p.Token1
			case p.Token1:
				token = p.Token0
			default:
				closed = false
			}
			if !closed {
				break
			}
		}
		if closed && token != s.base {
			closed = false
		}
		if !closed && !slices.Contains(result.RepeatCycles, id) {
			result.Valid = false
			result.OpenCycles = append(result.OpenCycles, id)
			result.Errors = append(result.Errors,
				fmt.Sprintf("cycle %d does not return to the base token", id))
		}

		for _, pos := range c {
			if !slices.Contains(s.byPool[pos], id) {
				result.Valid = false
				result.UnindexedPool = append(result.UnindexedPool, pos)
				result.Errors = append(result.Errors,
					fmt.Sprintf("cycle %d missing from index of pool %s", id, s.ids[s.pools[pos].ID].Hex()))
			}
		}
	}

	if len(s.overlay) > 0 {
		result.Valid = false
		result.DirtyOverlay = true
		result.Errors = append(result.Errors,
			fmt.Sprintf("overlay holds %d pools outside a speculative update", len(s.overlay)))
	}

	return result
}

// ValidateAndLog performs validation and logs the results.
// Returns true if the state is valid, false otherwise.
func (s *State) ValidateAndLog() bool {
	result := s.Validate()

	if result.Valid {
		log.Info().
			Int("tokens", s.NumTokens()).
			Int("pools", s.NumPools()).
			Int("cycles", s.NumCycles()).
			Int("max_hops", s.maxHops).
			Msg("Graph validation passed")
		return true
	}

	for _, err := range truncateSlice(result.Errors, 20) {
		log.Error().Msg("Graph validation error: " + err)
	}

	log.Error().
		Int("error_count", len(result.Errors)).
		Int("open_cycles", len(result.OpenCycles)).
		Int("long_cycles", len(result.LongCycles)).
		Int("repeat_cycles", len(result.RepeatCycles)).
		Bool("dirty_overlay", result.DirtyOverlay).
		Msg("Graph validation FAILED")

	return false
}

// truncateSlice returns at most n elements from the slice for logging.
func truncateSlice(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
