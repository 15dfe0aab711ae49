package graph

import "github.com/ethereum/go-ethereum/common"

// View is read access to the graph while the state lock is held. It is only
// valid inside the Speculate or Read callback that produced it.
type View struct {
	s *State
}

// BaseToken returns the dense index of the base token.
func (v *View) BaseToken() int {
	return v.s.base
}

// NumCycles returns the number of enumerated cycles.
func (v *View) NumCycles() int {
	return len(v.s.cycles)
}

// CyclesFor returns the ids of every cycle that touches at least one of the
// given pools, each id once, in first-seen order. Unknown addresses are
// ignored. The result may alias internal storage and must not be modified.
func (v *View) CyclesFor(pools []common.Address) []int {
	if len(pools) == 1 {
		pos := v.s.position(pools[0])
		if pos < 0 {
			return nil
		}
		return v.s.byPool[pos]
	}

	seen := make(map[int]struct{})
	var ids []int
	for _, addr := range pools {
		pos := v.s.position(addr)
		if pos < 0 {
			continue
		}
		for _, id := range v.s.byPool[pos] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Cycle returns the arena positions of a cycle.
func (v *View) Cycle(id int) Cycle {
	return v.s.cycles[id]
}

// CyclePools copies the pools of cycle id, in hop order, into dst.
func (v *View) CyclePools(id int, dst []IndexedPool) []IndexedPool {
	dst = dst[:0]
	for _, pos := range v.s.cycles[id] {
		dst = append(dst, v.s.pools[pos])
	}
	return dst
}

// PoolAddress returns the address of the pool at an arena position.
func (v *View) PoolAddress(pos int) common.Address {
	return v.s.ids[v.s.pools[pos].ID]
}
