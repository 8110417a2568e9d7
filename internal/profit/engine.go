// Package profit evaluates route candidates into opportunities. All math is
// arbitrary-precision decimal in USD; the fee breakdown reconciles exactly
// against the net profit by construction.
package profit

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/internal/registry"
	"github.com/vegas-max/titan/pkg/models"
)

// ErrUnprofitable is returned for candidates failing the profit guards.
var ErrUnprofitable = errors.New("route not profitable")

var (
	two            = decimal.NewFromInt(2)
	bpsDenominator = decimal.NewFromInt(10_000)
	weiPerEther    = decimal.New(1, 18)
)

// GasEstimate is the scanner's or executor's current view of execution cost.
type GasEstimate struct {
	Units uint64
	// PriceWei is the effective gas price (base fee + tip).
	PriceWei decimal.Decimal
	// NativeCanonicalID prices the chain's native token for the USD
	// conversion.
	NativeCanonicalID string
}

// Config holds the engine's thresholds.
type Config struct {
	MinProfitUSD decimal.Decimal
	SlippageBps  decimal.Decimal
}

// Engine evaluates routes against the profit guards.
type Engine struct {
	config Config
	oracle oracle.PriceOracle
}

// NewEngine creates a profit engine.
func NewEngine(cfg Config, priceOracle oracle.PriceOracle) *Engine {
	return &Engine{config: cfg, oracle: priceOracle}
}

// Evaluate turns a route candidate into an opportunity, or rejects it.
//
//	net = grossOut − loanCost − flashFee − gasCost − bridgeFee − slippageReserve
//
// Rejection reasons: net below the configured minimum, net below twice the
// gas cost, or any missing oracle component.
func (e *Engine) Evaluate(ctx context.Context, route models.Route, inputAmount decimal.Decimal, provider registry.FlashLoanProvider, gas GasEstimate) (*models.Opportunity, error) {
	startToken, err := route.StartToken()
	if err != nil {
		return nil, err
	}
	endToken, err := route.EndToken()
	if err != nil {
		return nil, err
	}
	if !route.IsClosed() {
		return nil, fmt.Errorf("route is not a closed cycle")
	}

	amountOut, err := routeOutput(route)
	if err != nil {
		return nil, err
	}

	usdIn, _, err := e.oracle.USDPrice(ctx, startToken.CanonicalID)
	if err != nil {
		return nil, err
	}
	usdOut, _, err := e.oracle.USDPrice(ctx, endToken.CanonicalID)
	if err != nil {
		return nil, err
	}
	usdNative, _, err := e.oracle.USDPrice(ctx, gas.NativeCanonicalID)
	if err != nil {
		return nil, err
	}

	grossOut := amountOut.Mul(usdOut)
	loanCost := inputAmount.Mul(usdIn)
	flashFee := loanCost.Mul(provider.FeeBps).Div(bpsDenominator)
	gasCost := decimal.NewFromInt(int64(gas.Units)).Mul(gas.PriceWei).Div(weiPerEther).Mul(usdNative)
	bridgeFee, err := e.bridgeFees(ctx, route)
	if err != nil {
		return nil, err
	}
	slippageReserve := grossOut.Mul(e.config.SlippageBps).Div(bpsDenominator)

	fees := models.FeeBreakdown{
		FlashLoanFeeUSD:    flashFee,
		GasCostUSD:         gasCost,
		BridgeFeeUSD:       bridgeFee,
		SlippageReserveUSD: slippageReserve,
	}
	netProfit := grossOut.Sub(loanCost).Sub(fees.Total())

	if netProfit.LessThan(e.config.MinProfitUSD) {
		return nil, fmt.Errorf("%w: net %s below minimum %s", ErrUnprofitable, netProfit, e.config.MinProfitUSD)
	}
	if netProfit.LessThan(gasCost.Mul(two)) {
		return nil, fmt.Errorf("%w: net %s below 2x gas cost %s", ErrUnprofitable, netProfit, gasCost)
	}

	return &models.Opportunity{
		Route:          route,
		InputAmount:    inputAmount,
		InputAmountUSD: loanCost,
		GrossOutUSD:    grossOut,
		GrossSpreadUSD: grossOut.Sub(loanCost),
		Fees:           fees,
		NetProfitUSD:   netProfit,
		Confidence:     confidence(grossOut, loanCost),
	}, nil
}

// Guards re-checks the two profit floors against fresh numbers, for the
// executor's re-validation step.
func (e *Engine) Guards(netProfit, gasCost decimal.Decimal) error {
	if netProfit.LessThan(gasCost.Mul(two)) {
		return fmt.Errorf("%w: net %s below 2x gas cost %s", ErrUnprofitable, netProfit, gasCost)
	}
	if netProfit.LessThan(e.config.MinProfitUSD) {
		return fmt.Errorf("%w: net %s below minimum %s", ErrUnprofitable, netProfit, e.config.MinProfitUSD)
	}
	return nil
}

// MinProfitUSD returns the configured profit floor.
func (e *Engine) MinProfitUSD() decimal.Decimal {
	return e.config.MinProfitUSD
}

func (e *Engine) bridgeFees(ctx context.Context, route models.Route) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, hop := range route.Hops {
		if hop.Kind != models.HopKindBridge {
			continue
		}
		usd, _, err := e.oracle.USDPrice(ctx, hop.Bridge.Token.CanonicalID)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(hop.Bridge.Fee.Mul(usd))
	}
	return total, nil
}

// routeOutput walks the hops and returns the final output amount, verifying
// hop amounts chain together.
func routeOutput(route models.Route) (decimal.Decimal, error) {
	if len(route.Hops) == 0 {
		return decimal.Zero, fmt.Errorf("route has no hops")
	}

	var current decimal.Decimal
	for i, hop := range route.Hops {
		switch hop.Kind {
		case models.HopKindSwap:
			if i > 0 && !hop.Swap.AmountIn.Equal(current) {
				return decimal.Zero, fmt.Errorf("hop %d input %s does not chain from previous output %s", i, hop.Swap.AmountIn, current)
			}
			current = hop.Swap.AmountOut
		case models.HopKindBridge:
			if i > 0 && !hop.Bridge.Amount.Equal(current) {
				return decimal.Zero, fmt.Errorf("bridge hop %d amount %s does not chain from previous output %s", i, hop.Bridge.Amount, current)
			}
			current = hop.Bridge.Amount.Sub(hop.Bridge.Fee)
		default:
			return decimal.Zero, fmt.Errorf("unknown hop kind %q", hop.Kind)
		}
	}
	return current, nil
}

// confidence scales the gross margin into [0, 1].
func confidence(grossOut, loanCost decimal.Decimal) decimal.Decimal {
	if loanCost.IsZero() {
		return decimal.Zero
	}
	margin := grossOut.Sub(loanCost).Div(loanCost)
	c := margin.Mul(decimal.NewFromInt(100))
	if c.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// PreferForOverlap orders two opportunities competing for the same pools:
// higher net-to-gas ratio wins, then lower gas cost.
func PreferForOverlap(a, b *models.Opportunity) bool {
	aGas, bGas := a.Fees.GasCostUSD, b.Fees.GasCostUSD
	switch {
	case aGas.IsZero() && bGas.IsZero():
		return a.NetProfitUSD.GreaterThan(b.NetProfitUSD)
	case aGas.IsZero():
		return true
	case bGas.IsZero():
		return false
	}
	aRatio := a.NetProfitUSD.Div(aGas)
	bRatio := b.NetProfitUSD.Div(bGas)
	if !aRatio.Equal(bRatio) {
		return aRatio.GreaterThan(bRatio)
	}
	return aGas.LessThan(bGas)
}
