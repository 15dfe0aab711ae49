package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DefaultMaxHops bounds cycle length when no limit is configured.
const DefaultMaxHops = 3

// ErrBaseTokenMissing is returned by Build when no pool trades the base token.
var ErrBaseTokenMissing = errors.New("base token not present in any pool")

// Pool is a constant-product pool as loaded from a snapshot.
// Fees are in basis points out of 10000.
type Pool struct {
	Address   common.Address
	Token0    common.Address
	Token1    common.Address
	Reserve0  uint256.Int
	Reserve1  uint256.Int
	RouterFee uint256.Int // share of input kept after the swap fee, e.g. 9970
	Fees0     uint256.Int // transfer tax on a token1 -> token0 swap
	Fees1     uint256.Int // transfer tax on a token0 -> token1 swap
}

// IndexedPool is the arena form of a Pool. Tokens are referenced by their
// dense index rather than by address.
type IndexedPool struct {
	ID        int
	Token0    int
	Token1    int
	Reserve0  uint256.Int
	Reserve1  uint256.Int
	RouterFee uint256.Int
	Fees0     uint256.Int
	Fees1     uint256.Int
}

// Cycle is an ordered list of pool positions in the arena. It starts and
// ends at the base token and never repeats a pool.
type Cycle []int

// State owns the indexed pool graph, the enumerated cycles and the
// speculative overlay. Reserves are only mutated under mu; the address maps,
// cycles and pool-to-cycle index are built once and never change, so lookups
// on them need no lock.
type State struct {
	mu sync.Mutex

	// shared index space for pools and tokens, in first-seen order
	ids   []common.Address
	index map[common.Address]int

	// ordinal maps an id to its arena position, or -1 for tokens
	ordinal []int
	pools   []IndexedPool

	base    int
	maxHops int

	cycles []Cycle
	byPool [][]int // arena position -> cycle ids

	overlay map[int]reservePair
}

type reservePair struct {
	reserve0 uint256.Int
	reserve1 uint256.Int
}

// Build indexes pools in input order, enumerates every cycle through base of
// at most maxHops pools, and builds the pool-to-cycle index.
func Build(pools []Pool, base common.Address, maxHops int) (*State, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	s := &State{
		ids:     make([]common.Address, 0, len(pools)*3),
		index:   make(map[common.Address]int, len(pools)*3),
		pools:   make([]IndexedPool, 0, len(pools)),
		maxHops: maxHops,
		overlay: make(map[int]reservePair),
	}

	for _, p := range pools {
		if _, dup := s.index[p.Address]; dup {
			return nil, fmt.Errorf("duplicate pool %s", p.Address.Hex())
		}
		id := s.assign(p.Address)
		t0 := s.assign(p.Token0)
		t1 := s.assign(p.Token1)

		s.pools = append(s.pools, IndexedPool{
			ID:        id,
			Token0:    t0,
			Token1:    t1,
			Reserve0:  p.Reserve0,
			Reserve1:  p.Reserve1,
			RouterFee: p.RouterFee,
			Fees0:     p.Fees0,
			Fees1:     p.Fees1,
		})
	}

	s.ordinal = make([]int, len(s.ids))
	for i := range s.ordinal {
		s.ordinal[i] = -1
	}
	for pos, p := range s.pools {
		s.ordinal[p.ID] = pos
	}

	baseIdx, ok := s.index[base]
	if !ok || s.ordinal[baseIdx] >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrBaseTokenMissing, base.Hex())
	}
	s.base = baseIdx

	s.cycles = FindCycles(s.pools, s.base, maxHops)
	s.byPool = make([][]int, len(s.pools))
	for id, c := range s.cycles {
		for _, pos := range c {
			s.byPool[pos] = append(s.byPool[pos], id)
		}
	}

	return s, nil
}

func (s *State) assign(addr common.Address) int {
	if idx, ok := s.index[addr]; ok {
		return idx
	}
	idx := len(s.ids)
	s.ids = append(s.ids, addr)
	s.index[addr] = idx
	return idx
}

// Index returns the dense index assigned to a pool or token address.
func (s *State) Index(addr common.Address) (int, bool) {
	idx, ok := s.index[addr]
	return idx, ok
}

// Address returns the address behind a dense index.
func (s *State) Address(idx int) common.Address {
	return s.ids[idx]
}

// HasPool reports whether addr is a tracked pool.
func (s *State) HasPool(addr common.Address) bool {
	idx, ok := s.index[addr]
	return ok && s.ordinal[idx] >= 0
}

// BaseToken returns the address of the token every cycle starts from.
func (s *State) BaseToken() common.Address {
	return s.ids[s.base]
}

// NumPools returns the number of pools in the arena.
func (s *State) NumPools() int {
	return len(s.pools)
}

// NumTokens returns the number of distinct tokens.
func (s *State) NumTokens() int {
	return len(s.ids) - len(s.pools)
}

// NumCycles returns the number of enumerated cycles.
func (s *State) NumCycles() int {
	return len(s.cycles)
}

// MaxHops returns the cycle length bound used at build time.
func (s *State) MaxHops() int {
	return s.maxHops
}

// Reserves returns the live reserves of a pool.
func (s *State) Reserves(addr common.Address) (r0, r1 uint256.Int, ok bool) {
	pos := s.position(addr)
	if pos < 0 {
		return r0, r1, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.pools[pos]
	return p.Reserve0, p.Reserve1, true
}

// Pools returns a copy of every pool with its live reserves, in arena order.
func (s *State) Pools() []Pool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pool, len(s.pools))
	for i := range s.pools {
		p := &s.pools[i]
		out[i] = Pool{
			Address:   s.ids[p.ID],
			Token0:    s.ids[p.Token0],
			Token1:    s.ids[p.Token1],
			Reserve0:  p.Reserve0,
			Reserve1:  p.Reserve1,
			RouterFee: p.RouterFee,
			Fees0:     p.Fees0,
			Fees1:     p.Fees1,
		}
	}
	return out
}

// position returns the arena position of a pool address, or -1.
func (s *State) position(addr common.Address) int {
	idx, ok := s.index[addr]
	if !ok {
		return -1
	}
	return s.ordinal[idx]
}
