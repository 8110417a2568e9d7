package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseFile() File {
	usdc := models.Token{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ChainID: 1, Decimals: 6, Symbol: "USDC", CanonicalID: "usdc",
	}
	weth := models.Token{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000002"),
		ChainID: 1, Decimals: 18, Symbol: "WETH", CanonicalID: "eth",
	}
	usdcPoly := models.Token{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000003"),
		ChainID: 137, Decimals: 6, Symbol: "USDC", CanonicalID: "usdc",
	}

	return File{
		Tokens: []models.Token{usdc, weth, usdcPoly},
		Pools: []models.Pool{{
			ID:      "pool-a",
			Kind:    models.PoolKindV2,
			ChainID: 1,
			Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Tokens:  []models.Token{usdc, weth},
			V2:      &models.V2Params{FeeBps: d("30")},
		}},
		Providers: []FlashLoanProvider{
			{ID: "balancer", ChainID: 1, FeeBps: d("0"), Rank: 0},
			{ID: "aave", ChainID: 1, FeeBps: d("5"), Rank: 1},
		},
		Anchors: map[string][]string{"1": {"USDC"}},
		Natives: map[string]string{"1": "eth", "137": "matic"},
	}
}

func TestLookups(t *testing.T) {
	reg, err := New(baseFile())
	require.NoError(t, err)

	token, ok := reg.TokenByAddress(1, common.HexToAddress("0x0000000000000000000000000000000000000001"))
	require.True(t, ok)
	assert.Equal(t, "USDC", token.Symbol)

	token, ok = reg.TokenBySymbol(1, "weth")
	require.True(t, ok)
	assert.Equal(t, "WETH", token.Symbol)

	_, ok = reg.TokenByAddress(137, common.HexToAddress("0x0000000000000000000000000000000000000001"))
	assert.False(t, ok)

	pool, ok := reg.Pool("pool-a")
	require.True(t, ok)
	assert.Equal(t, models.PoolKindV2, pool.Kind)
	assert.Len(t, reg.PoolsOnChain(1), 1)
	assert.Empty(t, reg.PoolsOnChain(137))
}

func TestCanonicalEquivalence(t *testing.T) {
	reg, err := New(baseFile())
	require.NoError(t, err)

	equivalents := reg.Equivalents("usdc")
	require.Len(t, equivalents, 2)

	chains := map[uint64]bool{}
	for _, token := range equivalents {
		chains[token.ChainID] = true
	}
	assert.True(t, chains[1])
	assert.True(t, chains[137])
}

func TestProviderRanking(t *testing.T) {
	reg, err := New(baseFile())
	require.NoError(t, err)

	best, ok := reg.BestProvider(1)
	require.True(t, ok)
	assert.Equal(t, "balancer", best.ID)
	assert.True(t, best.FeeBps.IsZero())

	provs := reg.ProvidersOnChain(1)
	require.Len(t, provs, 2)
	assert.Equal(t, "balancer", provs[0].ID)
}

func TestZeroFeeProviderMustOutrankNonzero(t *testing.T) {
	file := baseFile()
	// invert the ranks: the free provider now ranks below the paid one
	file.Providers = []FlashLoanProvider{
		{ID: "balancer", ChainID: 1, FeeBps: d("0"), Rank: 2},
		{ID: "aave", ChainID: 1, FeeBps: d("5"), Rank: 1},
	}

	_, err := New(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero-fee")
}

func TestAnchorsAndNatives(t *testing.T) {
	reg, err := New(baseFile())
	require.NoError(t, err)

	anchors := reg.Anchors(1)
	require.Len(t, anchors, 1)
	assert.Equal(t, "USDC", anchors[0].Symbol)

	native, ok := reg.NativeCanonical(1)
	require.True(t, ok)
	assert.Equal(t, "eth", native)
}

func TestRejectsUnknownAnchor(t *testing.T) {
	file := baseFile()
	file.Anchors = map[string][]string{"1": {"DOGE"}}
	_, err := New(file)
	assert.Error(t, err)
}

func TestRejectsPoolWithUnknownToken(t *testing.T) {
	file := baseFile()
	stranger := models.Token{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		ChainID: 1, Decimals: 18, Symbol: "XXX", CanonicalID: "xxx",
	}
	file.Pools[0].Tokens[1] = stranger
	_, err := New(file)
	assert.Error(t, err)
}

func TestRejectsPoolVariantMismatch(t *testing.T) {
	file := baseFile()
	file.Pools[0].Kind = models.PoolKindCurve // params still v2
	_, err := New(file)
	assert.Error(t, err)
}

func TestRejectsExcessiveDecimals(t *testing.T) {
	file := baseFile()
	file.Tokens[0].Decimals = 31
	_, err := New(file)
	assert.Error(t, err)
}
