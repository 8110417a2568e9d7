package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/pkg/models"
)

const newtonIterations = 255

// curveD solves the StableSwap invariant for D by Newton's method:
//
//	A·n^n·ΣxΔ + D = A·D·n^n + D^(n+1) / (n^n·Πx)
func curveD(balances []decimal.Decimal, amp decimal.Decimal) (decimal.Decimal, error) {
	n := decimal.NewFromInt(int64(len(balances)))
	sum := decimal.Zero
	for _, b := range balances {
		if b.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, fmt.Errorf("empty coin balance")
		}
		sum = sum.Add(b)
	}
	if sum.IsZero() {
		return decimal.Zero, nil
	}

	ann := amp.Mul(n.Pow(n))
	d := sum
	for i := 0; i < newtonIterations; i++ {
		dP := d
		for _, b := range balances {
			dP = dP.Mul(d).Div(b.Mul(n))
		}
		prevD := d
		numerator := ann.Mul(sum).Add(dP.Mul(n)).Mul(d)
		denominator := ann.Sub(decimal.NewFromInt(1)).Mul(d).Add(n.Add(decimal.NewFromInt(1)).Mul(dP))
		d = numerator.Div(denominator)

		if d.Sub(prevD).Abs().LessThanOrEqual(decimal.NewFromInt(1)) {
			return d, nil
		}
	}
	return decimal.Zero, fmt.Errorf("stable swap invariant did not converge")
}

// curveY solves for the post-swap balance of coin j given the new balance x
// of coin i, holding D constant.
func curveY(balances []decimal.Decimal, amp decimal.Decimal, i, j int, x decimal.Decimal) (decimal.Decimal, error) {
	nCoins := len(balances)
	if i == j || i < 0 || j < 0 || i >= nCoins || j >= nCoins {
		return decimal.Zero, fmt.Errorf("invalid coin indices %d→%d", i, j)
	}

	d, err := curveD(balances, amp)
	if err != nil {
		return decimal.Zero, err
	}

	n := decimal.NewFromInt(int64(nCoins))
	ann := amp.Mul(n.Pow(n))

	c := d
	s := decimal.Zero
	for k := 0; k < nCoins; k++ {
		var xk decimal.Decimal
		switch {
		case k == i:
			xk = x
		case k == j:
			continue
		default:
			xk = balances[k]
		}
		s = s.Add(xk)
		c = c.Mul(d).Div(xk.Mul(n))
	}
	c = c.Mul(d).Div(ann.Mul(n))
	b := s.Add(d.Div(ann))

	y := d
	for iter := 0; iter < newtonIterations; iter++ {
		prevY := y
		y = y.Mul(y).Add(c).Div(y.Mul(decimal.NewFromInt(2)).Add(b).Sub(d))
		if y.Sub(prevY).Abs().LessThanOrEqual(decimal.NewFromInt(1)) {
			return y, nil
		}
	}
	return decimal.Zero, fmt.Errorf("stable swap output did not converge")
}

// quoteCurve prices tokenIn→tokenOut against a stable-swap pool state.
// Balances are normalized to a common 18-decimal scale before solving the
// invariant, matching the precision multipliers of the on-chain pools.
func quoteCurve(pool *models.Pool, state *models.CurveState, tokenIn, tokenOut models.Token, amountInUnits decimal.Decimal) (out, depthUsed decimal.Decimal, err error) {
	i, ok := curveIndex(pool, tokenIn)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no index for %s", pool.ID, tokenIn.Symbol)
	}
	j, ok := curveIndex(pool, tokenOut)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s has no index for %s", pool.ID, tokenOut.Symbol)
	}
	if len(state.Balances) != len(pool.Tokens) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s state has %d balances for %d coins", pool.ID, len(state.Balances), len(pool.Tokens))
	}

	normalized := make([]decimal.Decimal, len(state.Balances))
	for k, balance := range state.Balances {
		normalized[k] = balance.Shift(18 - int32(pool.Tokens[k].Decimals))
	}
	amountInNorm := amountInUnits.Shift(18 - int32(tokenIn.Decimals))

	x := normalized[i].Add(amountInNorm)
	y, err := curveY(normalized, pool.Curve.Amplification, i, j, x)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	dy := normalized[j].Sub(y)
	if dy.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool %s produced no output", pool.ID)
	}

	dy = dy.Mul(bpsDenominator.Sub(pool.Curve.FeeBps)).Div(bpsDenominator)
	depthUsed = dy.Div(normalized[j])

	return dy.Shift(int32(tokenOut.Decimals) - 18), depthUsed, nil
}

func curveIndex(pool *models.Pool, token models.Token) (int, bool) {
	for addr, idx := range pool.Curve.TokenIndex {
		if strings.EqualFold(addr, token.Address.Hex()) {
			return idx, true
		}
	}
	return 0, false
}
