package pricing

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func approxEqual(t *testing.T, expected, actual decimal.Decimal, epsilon string) {
	t.Helper()
	diff := expected.Sub(actual).Abs()
	assert.True(t, diff.LessThanOrEqual(d(epsilon)),
		"expected %s, got %s (diff %s)", expected, actual, diff)
}

func testToken(addr string, chainID uint64, decimals uint8, symbol string) models.Token {
	return models.Token{
		Address:     common.HexToAddress(addr),
		ChainID:     chainID,
		Decimals:    decimals,
		Symbol:      symbol,
		CanonicalID: symbol,
	}
}

func v2Pool(t0, t1 models.Token, feeBps string) *models.Pool {
	return &models.Pool{
		ID:      "test-v2",
		Kind:    models.PoolKindV2,
		ChainID: t0.ChainID,
		Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Tokens:  []models.Token{t0, t1},
		V2:      &models.V2Params{FeeBps: d(feeBps)},
	}
}

func TestV2AmountOut(t *testing.T) {
	// zero fee: out = in·R_out / (R_in + in)
	out, err := v2AmountOut(d("10"), d("1000"), d("1000"), decimal.Zero)
	require.NoError(t, err)
	expected := d("10").Mul(d("1000")).Div(d("1010"))
	assert.True(t, expected.Equal(out), "expected %s got %s", expected, out)

	// 30 bps fee strictly reduces output
	withFee, err := v2AmountOut(d("10"), d("1000"), d("1000"), d("30"))
	require.NoError(t, err)
	assert.True(t, withFee.LessThan(out))

	// empty reserves refuse to price
	_, err = v2AmountOut(d("10"), decimal.Zero, d("1000"), d("30"))
	assert.Error(t, err)
}

func TestQuoteV2TokenDecimalsBoundaries(t *testing.T) {
	log := logger.New("test")
	cache := NewStateCache()
	pricer := NewPricer(log, cache)

	for _, decimals := range []uint8{0, 30} {
		tokenIn := testToken("0x0000000000000000000000000000000000000001", 1, decimals, "AAA")
		tokenOut := testToken("0x0000000000000000000000000000000000000002", 1, 18, "BBB")
		pool := v2Pool(tokenIn, tokenOut, "0")

		// reserves sized in each token's own units for a 1:1 pool
		reserveIn := tokenIn.ToUnits(d("1000000"))
		reserveOut := tokenOut.ToUnits(d("1000000"))
		state := &models.PoolState{
			PoolID:      pool.ID,
			BlockNumber: 100,
			ObservedAt:  time.Now(),
			V2:          &models.V2State{Reserve0: reserveIn, Reserve1: reserveOut},
		}

		quote, err := pricer.QuoteAt(pool, state, tokenIn, tokenOut, d("10"))
		require.NoError(t, err, "decimals=%d", decimals)
		// 10 into a deep 1:1 pool returns just under 10
		approxEqual(t, d("10"), quote.AmountOut, "0.001")
		assert.True(t, quote.AmountOut.LessThan(d("10")))
	}
}

func TestQuoteV3WithinRange(t *testing.T) {
	log := logger.New("test")
	pricer := NewPricer(log, NewStateCache())

	token0 := testToken("0x0000000000000000000000000000000000000001", 1, 18, "AAA")
	token1 := testToken("0x0000000000000000000000000000000000000002", 1, 18, "BBB")
	pool := &models.Pool{
		ID:      "test-v3",
		Kind:    models.PoolKindV3,
		ChainID: 1,
		Address: common.HexToAddress("0x00000000000000000000000000000000000000ab"),
		Tokens:  []models.Token{token0, token1},
		V3:      &models.V3Params{FeePips: decimal.Zero, TickSpacing: 1},
	}

	// sqrtPriceX96 = 2^96 is a 1:1 price
	state := &models.PoolState{
		PoolID:      pool.ID,
		BlockNumber: 100,
		V3: &models.V3State{
			SqrtPriceX96: decimal.NewFromInt(2).Pow(decimal.NewFromInt(96)),
			Liquidity:    d("1000000000000000000000000"),
			Tick:         0,
		},
	}

	quote, err := pricer.QuoteAt(pool, state, token0, token1, d("1"))
	require.NoError(t, err)
	approxEqual(t, d("1"), quote.AmountOut, "0.01")

	reverse, err := pricer.QuoteAt(pool, state, token1, token0, d("1"))
	require.NoError(t, err)
	approxEqual(t, d("1"), reverse.AmountOut, "0.01")
}

func TestQuoteV3RefusesDepthBreach(t *testing.T) {
	log := logger.New("test")
	pricer := NewPricer(log, NewStateCache())

	token0 := testToken("0x0000000000000000000000000000000000000001", 1, 18, "AAA")
	token1 := testToken("0x0000000000000000000000000000000000000002", 1, 18, "BBB")
	pool := &models.Pool{
		ID:      "thin-v3",
		Kind:    models.PoolKindV3,
		ChainID: 1,
		Address: common.HexToAddress("0x00000000000000000000000000000000000000ac"),
		Tokens:  []models.Token{token0, token1},
		V3:      &models.V3Params{FeePips: decimal.Zero, TickSpacing: 1},
	}
	state := &models.PoolState{
		PoolID: pool.ID,
		V3: &models.V3State{
			SqrtPriceX96: decimal.NewFromInt(2).Pow(decimal.NewFromInt(96)),
			Liquidity:    d("1000000000000000000"), // 1e18: very thin
			Tick:         0,
		},
	}

	_, err := pricer.QuoteAt(pool, state, token0, token1, d("100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestQuoteCurveBalancedPool(t *testing.T) {
	log := logger.New("test")
	pricer := NewPricer(log, NewStateCache())

	dai := testToken("0x0000000000000000000000000000000000000001", 1, 18, "DAI")
	usdc := testToken("0x0000000000000000000000000000000000000002", 1, 6, "USDC")
	pool := &models.Pool{
		ID:      "test-curve",
		Kind:    models.PoolKindCurve,
		ChainID: 1,
		Address: common.HexToAddress("0x00000000000000000000000000000000000000ad"),
		Tokens:  []models.Token{dai, usdc},
		Curve: &models.CurveParams{
			Amplification: d("2000"),
			FeeBps:        d("1"),
			TokenIndex: map[string]int{
				dai.Address.Hex():  0,
				usdc.Address.Hex(): 1,
			},
		},
	}
	state := &models.PoolState{
		PoolID: pool.ID,
		Curve: &models.CurveState{
			Balances: []decimal.Decimal{
				dai.ToUnits(d("10000000")),
				usdc.ToUnits(d("10000000")),
			},
		},
	}

	quote, err := pricer.QuoteAt(pool, state, dai, usdc, d("1000"))
	require.NoError(t, err)
	// a balanced stable pool with high amplification trades near par
	approxEqual(t, d("1000"), quote.AmountOut, "1")
	assert.True(t, quote.AmountOut.LessThan(d("1000")))
}

func TestQuoteBalancerEqualWeightsMatchesConstantProduct(t *testing.T) {
	log := logger.New("test")
	pricer := NewPricer(log, NewStateCache())

	tokenA := testToken("0x0000000000000000000000000000000000000001", 1, 18, "AAA")
	tokenB := testToken("0x0000000000000000000000000000000000000002", 1, 18, "BBB")
	pool := &models.Pool{
		ID:      "test-balancer",
		Kind:    models.PoolKindBalancer,
		ChainID: 1,
		Address: common.HexToAddress("0x00000000000000000000000000000000000000ae"),
		Tokens:  []models.Token{tokenA, tokenB},
		Balancer: &models.BalancerParams{
			SwapFeeBps: decimal.Zero,
			Weights: map[string]decimal.Decimal{
				tokenA.Address.Hex(): d("0.5"),
				tokenB.Address.Hex(): d("0.5"),
			},
		},
	}
	state := &models.PoolState{
		PoolID: pool.ID,
		Balancer: &models.BalancerState{
			Balances: map[string]decimal.Decimal{
				tokenA.Address.Hex(): tokenA.ToUnits(d("1000")),
				tokenB.Address.Hex(): tokenB.ToUnits(d("1000")),
			},
		},
	}

	quote, err := pricer.QuoteAt(pool, state, tokenA, tokenB, d("10"))
	require.NoError(t, err)

	// equal weights, zero fee degenerates to x·y=k
	expected := d("10").Mul(d("1000")).Div(d("1010"))
	approxEqual(t, expected, quote.AmountOut, "0.0001")
}

func TestQuoteUnavailableWithoutState(t *testing.T) {
	log := logger.New("test")
	pricer := NewPricer(log, NewStateCache())

	tokenA := testToken("0x0000000000000000000000000000000000000001", 1, 18, "AAA")
	tokenB := testToken("0x0000000000000000000000000000000000000002", 1, 18, "BBB")
	pool := v2Pool(tokenA, tokenB, "30")

	_, err := pricer.Quote(pool, tokenA, tokenB, d("1"))
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestStateCacheEviction(t *testing.T) {
	cache := NewStateCache()

	for _, block := range []uint64{100, 101, 102, 103} {
		cache.Put(1, &models.PoolState{PoolID: "p1", BlockNumber: block})
	}

	// head is 103; entries below 101 are gone
	_, ok := cache.Get("p1", 100)
	assert.False(t, ok)
	_, ok = cache.Get("p1", 101)
	assert.True(t, ok)

	latest, ok := cache.Latest("p1")
	require.True(t, ok)
	assert.Equal(t, uint64(103), latest.BlockNumber)
}
