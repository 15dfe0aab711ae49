// Package amm prices swaps against constant-product (Uniswap V2 style) pools
// using saturating 256-bit arithmetic.
package amm

import "github.com/holiman/uint256"

// FeeDenominator is the basis-point scale for router fees and transfer taxes.
const FeeDenominator = 10000

var (
	feeDenominator = uint256.NewInt(FeeDenominator)
	maxUint256     = new(uint256.Int).SetAllOne()
)

// GetAmountOut returns the amount of the output token received for amountIn
// of the input token. routerFee is the fraction of input kept by the router
// (9970 for a 0.3% fee) and transferFee is the tax charged on the output
// token, both in basis points.
//
// Multiplication, addition and subtraction saturate. Division floors and a
// zero divisor yields zero.
func GetAmountOut(amountIn, reserveIn, reserveOut, transferFee, routerFee *uint256.Int) *uint256.Int {
	if amountIn.IsZero() {
		return new(uint256.Int)
	}

	inWithFee := mulSat(amountIn, routerFee)
	numerator := mulSat(inWithFee, reserveOut)
	denominator := addSat(mulSat(reserveIn, feeDenominator), inWithFee)

	out := new(uint256.Int).Div(numerator, denominator)
	tax := new(uint256.Int).Div(mulSat(out, transferFee), feeDenominator)
	return subSat(out, tax)
}

func mulSat(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return z.Set(maxUint256)
	}
	return z
}

func addSat(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return z.Set(maxUint256)
	}
	return z
}

func subSat(x, y *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return z.Clear()
	}
	return z
}
