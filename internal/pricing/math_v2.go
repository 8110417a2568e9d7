package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/pkg/models"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// v2AmountOut prices a swap against a constant-product pool:
//
//	out = in·(1-fee)·reserveOut / (reserveIn + in·(1-fee))
//
// Reserves and amounts are in token units.
func v2AmountOut(amountIn, reserveIn, reserveOut, feeBps decimal.Decimal) (decimal.Decimal, error) {
	if reserveIn.LessThanOrEqual(decimal.Zero) || reserveOut.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("empty reserves")
	}
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("non-positive input amount")
	}

	inAfterFee := amountIn.Mul(bpsDenominator.Sub(feeBps)).Div(bpsDenominator)
	numerator := inAfterFee.Mul(reserveOut)
	denominator := reserveIn.Add(inAfterFee)
	return numerator.Div(denominator), nil
}

// quoteV2 prices tokenIn→tokenOut against a V2 pool state. The pool's token
// ordering determines which reserve is which.
func quoteV2(pool *models.Pool, state *models.V2State, tokenIn, tokenOut models.Token, amountInUnits decimal.Decimal) (out, depthUsed decimal.Decimal, err error) {
	var reserveIn, reserveOut decimal.Decimal
	switch {
	case pool.Tokens[0].Address == tokenIn.Address && pool.Tokens[1].Address == tokenOut.Address:
		reserveIn, reserveOut = state.Reserve0, state.Reserve1
	case pool.Tokens[1].Address == tokenIn.Address && pool.Tokens[0].Address == tokenOut.Address:
		reserveIn, reserveOut = state.Reserve1, state.Reserve0
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s does not trade %s→%s", pool.ID, tokenIn.Symbol, tokenOut.Symbol)
	}

	amountOut, err := v2AmountOut(amountInUnits, reserveIn, reserveOut, pool.V2.FeeBps)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	depthUsed = amountOut.Div(reserveOut)
	return amountOut, depthUsed, nil
}
