// Package pricing produces swap quotes for every supported pool variant.
// The per-variant pricing functions are pure math over arbitrary-precision
// decimals; pool state arrives from the chain once per scan tick and is
// cached by (pool, block).
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

// ErrQuoteUnavailable is returned when a pool cannot be priced. Callers drop
// the route and continue the tick; the error is never a silent zero.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Pricer turns cached pool state into swap quotes.
type Pricer struct {
	logger *logger.Logger
	cache  *StateCache
}

// NewPricer creates a pricer over the given state cache.
func NewPricer(log *logger.Logger, cache *StateCache) *Pricer {
	return &Pricer{
		logger: log.Named("pricer"),
		cache:  cache,
	}
}

// Cache exposes the underlying state cache for the scanner's fetch stage.
func (p *Pricer) Cache() *StateCache {
	return p.cache
}

// Quote prices tokenIn→tokenOut for amountIn (a decimal token amount) against
// the freshest cached state of the pool.
func (p *Pricer) Quote(pool *models.Pool, tokenIn, tokenOut models.Token, amountIn decimal.Decimal) (*models.Quote, error) {
	state, ok := p.cache.Latest(pool.ID)
	if !ok {
		return nil, fmt.Errorf("%w: no state for pool %s", ErrQuoteUnavailable, pool.ID)
	}
	return p.QuoteAt(pool, state, tokenIn, tokenOut, amountIn)
}

// QuoteAt prices against an explicit pool state. Pure math, no I/O.
func (p *Pricer) QuoteAt(pool *models.Pool, state *models.PoolState, tokenIn, tokenOut models.Token, amountIn decimal.Decimal) (*models.Quote, error) {
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive input", ErrQuoteUnavailable)
	}

	amountInUnits := tokenIn.ToUnits(amountIn)

	var (
		outUnits  decimal.Decimal
		depthUsed decimal.Decimal
		err       error
	)
	switch pool.Kind {
	case models.PoolKindV2:
		if state.V2 == nil {
			err = fmt.Errorf("state variant mismatch for pool %s", pool.ID)
			break
		}
		outUnits, depthUsed, err = quoteV2(pool, state.V2, tokenIn, tokenOut, amountInUnits)
	case models.PoolKindV3:
		if state.V3 == nil {
			err = fmt.Errorf("state variant mismatch for pool %s", pool.ID)
			break
		}
		outUnits, depthUsed, err = quoteV3(pool, state.V3, tokenIn, tokenOut, amountInUnits)
	case models.PoolKindCurve:
		if state.Curve == nil {
			err = fmt.Errorf("state variant mismatch for pool %s", pool.ID)
			break
		}
		outUnits, depthUsed, err = quoteCurve(pool, state.Curve, tokenIn, tokenOut, amountInUnits)
	case models.PoolKindBalancer:
		if state.Balancer == nil {
			err = fmt.Errorf("state variant mismatch for pool %s", pool.ID)
			break
		}
		outUnits, depthUsed, err = quoteBalancer(pool, state.Balancer, tokenIn, tokenOut, amountInUnits)
	default:
		err = fmt.Errorf("unknown pool kind %q", pool.Kind)
	}
	if err != nil {
		p.logger.Debug("Pricing failed",
			zap.String("pool", pool.ID),
			zap.String("token_in", tokenIn.Symbol),
			zap.String("token_out", tokenOut.Symbol),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	amountOut := tokenOut.FromUnits(outUnits)
	return &models.Quote{
		PoolID:         pool.ID,
		ChainID:        pool.ChainID,
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		EffectivePrice: amountOut.Div(amountIn),
		DepthUsed:      depthUsed,
		BlockNumber:    state.BlockNumber,
		ObservedAt:     time.Now(),
	}, nil
}

// SpotPrice returns the marginal tokenOut/tokenIn price of a pool, used by
// the scanner's optimistic pruning. The price is net of the pool's swap fee;
// no fee-free price is computed.
func (p *Pricer) SpotPrice(pool *models.Pool, tokenIn, tokenOut models.Token) (decimal.Decimal, error) {
	state, ok := p.cache.Latest(pool.ID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no state for pool %s", ErrQuoteUnavailable, pool.ID)
	}

	// quote a tiny probe of 0.001 tokenIn, fees included, and take its
	// effective price; for pruning purposes the probe size error is negligible
	probe := decimal.New(1, -int32(3))
	q, err := p.QuoteAt(pool, state, tokenIn, tokenOut, probe)
	if err != nil {
		return decimal.Zero, err
	}
	return q.EffectivePrice, nil
}
