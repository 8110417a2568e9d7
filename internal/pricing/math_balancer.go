package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/pkg/models"
)

// powPrecision carries enough digits through the fractional exponent that
// downstream USD math keeps its 28 significant digits.
const powPrecision = 32

// quoteBalancer prices a swap against a weighted pool:
//
//	out = balanceOut · (1 − (balanceIn / (balanceIn + in·(1-fee)))^(wIn/wOut))
func quoteBalancer(pool *models.Pool, state *models.BalancerState, tokenIn, tokenOut models.Token, amountInUnits decimal.Decimal) (out, depthUsed decimal.Decimal, err error) {
	balanceIn, ok := balancerBalance(state, tokenIn)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no balance for %s", pool.ID, tokenIn.Symbol)
	}
	balanceOut, ok := balancerBalance(state, tokenOut)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no balance for %s", pool.ID, tokenOut.Symbol)
	}
	weightIn, ok := balancerWeight(pool, tokenIn)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no weight for %s", pool.ID, tokenIn.Symbol)
	}
	weightOut, ok := balancerWeight(pool, tokenOut)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no weight for %s", pool.ID, tokenOut.Symbol)
	}
	if balanceIn.LessThanOrEqual(decimal.Zero) || balanceOut.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has empty balances", pool.ID)
	}

	inAfterFee := amountInUnits.Mul(bpsDenominator.Sub(pool.Balancer.SwapFeeBps)).Div(bpsDenominator)

	base := balanceIn.Div(balanceIn.Add(inAfterFee))
	exponent := weightIn.Div(weightOut)
	power, err := base.PowWithPrecision(exponent, powPrecision)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("weighted power failed: %w", err)
	}

	out = balanceOut.Mul(decimal.NewFromInt(1).Sub(power))
	if out.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s produced no output", pool.ID)
	}
	depthUsed = out.Div(balanceOut)
	return out, depthUsed, nil
}

func balancerBalance(state *models.BalancerState, token models.Token) (decimal.Decimal, bool) {
	for addr, bal := range state.Balances {
		if strings.EqualFold(addr, token.Address.Hex()) {
			return bal, true
		}
	}
	return decimal.Zero, false
}

func balancerWeight(pool *models.Pool, token models.Token) (decimal.Decimal, bool) {
	for addr, w := range pool.Balancer.Weights {
		if strings.EqualFold(addr, token.Address.Hex()) {
			return w, true
		}
	}
	return decimal.Zero, false
}
