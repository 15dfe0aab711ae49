package detector

import (
	"math/big"

	"cyclewatch/internal/amm"
	"cyclewatch/internal/graph"

	"github.com/holiman/uint256"
)

var (
	one = uint256.NewInt(1)
	two = uint256.NewInt(2)
)

// Profit swaps amountIn through hops starting at token start and returns the
// final output minus amountIn. The result is a signed 256-bit value in two's
// complement form; compare it with Sgt/Slt, not Gt/Lt.
func Profit(start int, amountIn *uint256.Int, hops []graph.IndexedPool) *uint256.Int {
	out := simulateSwaps(start, amountIn, hops, nil)
	return out.Sub(out, amountIn)
}

// ProfitWithAmounts is Profit that also returns the amount held after each
// hop, starting with amountIn itself.
func ProfitWithAmounts(start int, amountIn *uint256.Int, hops []graph.IndexedPool) (*uint256.Int, []*uint256.Int) {
	amounts := make([]*uint256.Int, 0, len(hops)+1)
	amounts = append(amounts, amountIn.Clone())
	out := simulateSwaps(start, amountIn, hops, &amounts)
	return new(uint256.Int).Sub(out, amountIn), amounts
}

// simulateSwaps walks the pools, picking the swap direction from the token
// currently held.
func simulateSwaps(start int, amountIn *uint256.Int, hops []graph.IndexedPool, amounts *[]*uint256.Int) *uint256.Int {
	token := start
	amount := amountIn
	for i := range hops {
		p := &hops[i]
		if token == p.Token0 {
			amount = amm.GetAmountOut(amount, &p.Reserve0, &p.Reserve1, &p.Fees1, &p.RouterFee)
			token = p.Token1
		} else {
			amount = amm.GetAmountOut(amount, &p.Reserve1, &p.Reserve0, &p.Fees0, &p.RouterFee)
			token = p.Token0
		}
		if amounts != nil {
			*amounts = append(*amounts, amount)
		}
	}
	if amount == amountIn {
		return amountIn.Clone()
	}
	return amount
}

// MaximizeProfit searches [lo, hi] for the input with the highest profit by
// repeatedly halving the bracket, stopping once it is no wider than tol. The
// profit curve is assumed to have a single peak in the bracket; transfer
// taxes can break that, in which case a local peak is returned. A lower bound
// of zero is raised to one, as is a zero tolerance.
func MaximizeProfit(start int, hops []graph.IndexedPool, lo, hi, tol *uint256.Int) *uint256.Int {
	low := lo.Clone()
	if low.IsZero() {
		low.Set(one)
	}
	high := hi.Clone()
	if tol.IsZero() {
		tol = one
	}

	var (
		width    = new(uint256.Int)
		mid      = new(uint256.Int)
		lowerMid = new(uint256.Int)
		upperMid = new(uint256.Int)
	)
	for high.Gt(low) && width.Sub(high, low).Gt(tol) {
		midpoint(mid, low, high)
		midpoint(lowerMid, mid, low)
		midpoint(upperMid, mid, high)

		if Profit(start, lowerMid, hops).Sgt(Profit(start, upperMid, hops)) {
			high.Set(mid)
		} else {
			low.Set(mid)
		}
	}

	return midpoint(new(uint256.Int), low, high)
}

// midpoint sets z to floor((a+b)/2) without overflowing.
func midpoint(z, a, b *uint256.Int) *uint256.Int {
	// a/2 + b/2 + (a&b&1)
	carry := new(uint256.Int).And(a, b)
	carry.And(carry, one)
	half := new(uint256.Int).Div(b, two)
	z.Div(a, two)
	z.Add(z, half)
	return z.Add(z, carry)
}

// SignedBig converts a two's complement profit into a signed big.Int.
func SignedBig(x *uint256.Int) *big.Int {
	if x.Sign() >= 0 {
		return x.ToBig()
	}
	abs := new(uint256.Int).Neg(x)
	return new(big.Int).Neg(abs.ToBig())
}
