package graph

import "github.com/bits-and-blooms/bitset"

// frame is one level of the depth-first search: the token reached so far,
// the next pool to try from it and the hop budget left.
type frame struct {
	token int
	next  int
	hops  int
}

// FindCycles enumerates every path of at most maxHops pools that leaves base
// and returns to it without reusing a pool. Tokens may repeat. Pools are
// tried in slice order and paths are emitted depth-first, which is the order
// a recursive search over the same slice would produce.
func FindCycles(pools []IndexedPool, base, maxHops int) []Cycle {
	if maxHops <= 0 || len(pools) == 0 {
		return nil
	}

	var (
		cycles []Cycle
		used   = bitset.New(uint(len(pools)))
		path   = make([]int, 0, maxHops)
		stack  = make([]frame, 1, maxHops+1)
	)
	stack[0] = frame{token: base, hops: maxHops}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.next >= len(pools) {
			stack = stack[:len(stack)-1]
			if len(path) > 0 && len(stack) > 0 {
				used.Clear(uint(path[len(path)-1]))
				path = path[:len(path)-1]
			}
			continue
		}

		pos := top.next
		top.next++
		if used.Test(uint(pos)) {
			continue
		}

		p := &pools[pos]
		var out int
		switch top.token {
		case p.Token0:
			out = p.Token1
		case p.Token1:
			out = p.Token0
		default:
			continue
		}

		if out == base {
			c := make(Cycle, len(path)+1)
			copy(c, path)
			c[len(path)] = pos
			cycles = append(cycles, c)
			continue
		}

		if top.hops > 1 {
			hops := top.hops - 1
			used.Set(uint(pos))
			path = append(path, pos)
			stack = append(stack, frame{token: out, hops: hops})
		}
	}

	return cycles
}
