package graph

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReserveUpdate is the reserve pair reported by a Sync event.
type ReserveUpdate struct {
	Pool        common.Address
	Reserve0    uint256.Int
	Reserve1    uint256.Int
	BlockNumber uint64
	LogIndex    uint
}

// ApplyPermanent overwrites live reserves with updates from a confirmed
// block. Unknown pools are skipped. Returns the number of updates applied.
func (s *State) ApplyPermanent(updates []ReserveUpdate) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for i := range updates {
		pos := s.position(updates[i].Pool)
		if pos < 0 {
			continue
		}
		p := &s.pools[pos]
		p.Reserve0 = updates[i].Reserve0
		p.Reserve1 = updates[i].Reserve1
		applied++
	}
	return applied
}

// Speculate applies updates on top of live reserves, hands fn a view of the
// result and restores the previous reserves before returning, even if fn
// panics. The view must not be retained after fn returns. Returns the number
// of updates that matched a tracked pool.
func (s *State) Speculate(updates []ReserveUpdate, fn func(v *View)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.revert()
	applied := s.apply(updates)
	fn(&View{s: s})
	return applied
}

// Read hands fn a view of live reserves under the lock.
func (s *State) Read(fn func(v *View)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&View{s: s})
}

// apply records the pre-update reserves of each touched pool the first time
// it is seen and overwrites the live reserves. Caller holds mu.
func (s *State) apply(updates []ReserveUpdate) int {
	applied := 0
	for i := range updates {
		pos := s.position(updates[i].Pool)
		if pos < 0 {
			continue
		}
		p := &s.pools[pos]
		if _, saved := s.overlay[pos]; !saved {
			s.overlay[pos] = reservePair{reserve0: p.Reserve0, reserve1: p.Reserve1}
		}
		p.Reserve0 = updates[i].Reserve0
		p.Reserve1 = updates[i].Reserve1
		applied++
	}
	return applied
}

// revert restores every pool recorded by apply and empties the overlay.
// Caller holds mu.
func (s *State) revert() {
	for pos, prev := range s.overlay {
		p := &s.pools[pos]
		p.Reserve0 = prev.reserve0
		p.Reserve1 = prev.reserve1
	}
	clear(s.overlay)
}
