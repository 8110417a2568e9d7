package scanner

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/internal/bus"
	"github.com/vegas-max/titan/internal/chains"
	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/internal/pricing"
	"github.com/vegas-max/titan/internal/profit"
	"github.com/vegas-max/titan/internal/registry"
	"github.com/vegas-max/titan/pkg/config"
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

var (
	usdcAddr  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	wethAddr  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	poolAAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolBAddr = common.HexToAddress("0x00000000000000000000000000000000000000ab")
)

// fakeChainClient answers getReserves with scripted V2 reserves per pool.
type fakeChainClient struct {
	blockNumber uint64
	reserves    map[common.Address][2]*big.Int
}

func (f *fakeChainClient) ChainID() uint64 { return 1 }

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, nil
}

func (f *fakeChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	reserves, ok := f.reserves[*call.To]
	if !ok {
		return nil, ethereum.NotFound
	}
	out := make([]byte, 96)
	copy(out[0:32], common.LeftPadBytes(reserves[0].Bytes(), 32))
	copy(out[32:64], common.LeftPadBytes(reserves[1].Bytes(), 32))
	return out, nil
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 440_000, nil
}

func (f *fakeChainClient) FeeData(ctx context.Context) (*chains.FeeData, error) {
	return &chains.FeeData{
		BaseFee:   big.NewInt(4_000_000_000),
		TipCap:    big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(9_000_000_000),
	}, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChainClient) Healthy() bool                           { return true }
func (f *fakeChainClient) EndpointHealth() []chains.EndpointHealth { return nil }
func (f *fakeChainClient) Close()                                  {}

type fakePool struct {
	client *fakeChainClient
}

func (p *fakePool) Client(chainID uint64) (chains.Client, error) { return p.client, nil }
func (p *fakePool) HealthyChains() []uint64                      { return []uint64{1} }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	usdc := models.Token{Address: usdcAddr, ChainID: 1, Decimals: 6, Symbol: "USDC", CanonicalID: "usdc"}
	weth := models.Token{Address: wethAddr, ChainID: 1, Decimals: 18, Symbol: "WETH", CanonicalID: "eth"}

	reg, err := registry.New(registry.File{
		Tokens: []models.Token{usdc, weth},
		Pools: []models.Pool{
			{
				ID: "pool-a", Kind: models.PoolKindV2, ChainID: 1, Address: poolAAddr,
				Tokens: []models.Token{usdc, weth},
				V2:     &models.V2Params{FeeBps: d("30")},
			},
			{
				ID: "pool-b", Kind: models.PoolKindV2, ChainID: 1, Address: poolBAddr,
				Tokens: []models.Token{usdc, weth},
				V2:     &models.V2Params{FeeBps: d("30")},
			},
		},
		Providers: []registry.FlashLoanProvider{
			{ID: "balancer", ChainID: 1, FeeBps: d("0"), Rank: 0},
		},
		Anchors: map[string][]string{"1": {"USDC"}},
		Natives: map[string]string{"1": "eth"},
	})
	require.NoError(t, err)
	return reg
}

func testScannerConfig() config.EngineConfig {
	return config.EngineConfig{
		Mode:            config.ModePaper,
		MinProfitUSD:    d("10"),
		ScanInterval:    time.Second,
		TickBudget:      5 * time.Second,
		MaxHops:         4,
		MinNotionalUSD:  d("1000"),
		SlippageBps:     d("0"),
		FreshnessBlocks: 2,
		SignalTTL:       time.Minute,
		MEVPolicy:       config.MEVPolicyAllowPublic,
	}
}

// mispricedClient prices WETH at 2000 USDC on pool-a and 2100 on pool-b.
func mispricedClient() *fakeChainClient {
	usdcUnits := func(amount int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(amount), big.NewInt(1_000_000))
	}
	wethUnits := func(amount int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(amount), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	}
	return &fakeChainClient{
		blockNumber: 100,
		reserves: map[common.Address][2]*big.Int{
			poolAAddr: {usdcUnits(2_000_000), wethUnits(1000)},
			poolBAddr: {usdcUnits(2_100_000), wethUnits(1000)},
		},
	}
}

func newTestScanner(t *testing.T, client *fakeChainClient) (*Scanner, bus.Bus) {
	t.Helper()
	log := logger.New("test")

	priceOracle := oracle.NewStaticOracle(map[string]decimal.Decimal{
		"usdc": d("1"),
		"eth":  d("2000"),
	})
	cache := pricing.NewStateCache()
	pricer := pricing.NewPricer(log, cache)
	fetcher := pricing.NewStateFetcher(log, cache)
	profits := profit.NewEngine(profit.Config{MinProfitUSD: d("10"), SlippageBps: d("0")}, priceOracle)

	signalBus, err := bus.NewFilesystemBus(log, t.TempDir())
	require.NoError(t, err)

	scan := New(log, testScannerConfig(), testRegistry(t), &fakePool{client: client},
		pricer, fetcher, profits, signalBus, priceOracle, nil)
	return scan, signalBus
}

func TestTickEmitsProfitableSignal(t *testing.T) {
	scan, signalBus := newTestScanner(t, mispricedClient())

	scan.runTick(context.Background())

	signal, err := signalBus.Consume(context.Background())
	require.NoError(t, err, "expected a signal from the mispriced pools")

	assert.Equal(t, models.SignalVersion, signal.Version)
	assert.NotEmpty(t, signal.ID)
	assert.Equal(t, "balancer", signal.FlashProviderID)
	assert.True(t, signal.ExpiresAt.After(signal.CreatedAt))

	opp := signal.Opportunity
	assert.True(t, opp.NetProfitUSD.GreaterThanOrEqual(d("10")),
		"net profit %s below minimum", opp.NetProfitUSD)
	assert.True(t, opp.NetProfitUSD.GreaterThanOrEqual(opp.Fees.GasCostUSD.Mul(d("2"))),
		"net profit %s below 2x gas %s", opp.NetProfitUSD, opp.Fees.GasCostUSD)

	// the route is a closed flash-loanable cycle pinned to the scanned block
	assert.True(t, opp.Route.IsClosed())
	assert.Equal(t, uint64(100), opp.Route.SourceBlocks[1])
}

func TestTickEmitsNothingOnBalancedPools(t *testing.T) {
	client := mispricedClient()
	// equal prices leave no spread to harvest
	client.reserves[poolBAddr] = client.reserves[poolAAddr]

	scan, signalBus := newTestScanner(t, client)
	scan.runTick(context.Background())

	_, err := signalBus.Consume(context.Background())
	assert.ErrorIs(t, err, bus.ErrEmpty)
}

func TestTickSurvivesZeroHealthyChains(t *testing.T) {
	scan, signalBus := newTestScanner(t, mispricedClient())
	scan.pool = &emptyPool{}

	scan.runTick(context.Background())

	_, err := signalBus.Consume(context.Background())
	assert.ErrorIs(t, err, bus.ErrEmpty)
}

type emptyPool struct{}

func (p *emptyPool) Client(chainID uint64) (chains.Client, error) {
	return nil, chains.ErrAllEndpointsDown
}
func (p *emptyPool) HealthyChains() []uint64 { return nil }

func TestIntervalAdjustment(t *testing.T) {
	scan, _ := newTestScanner(t, mispricedClient())

	assert.Equal(t, time.Second, scan.Interval())
	scan.SetInterval(4 * time.Second)
	assert.Equal(t, 4*time.Second, scan.Interval())
}

func TestEnumerateCyclesFindsTwoHopCycle(t *testing.T) {
	usdc := models.Token{Address: usdcAddr, ChainID: 1, Symbol: "USDC", CanonicalID: "usdc"}
	weth := models.Token{Address: wethAddr, ChainID: 1, Symbol: "WETH", CanonicalID: "eth"}
	poolA := &models.Pool{ID: "pool-a", ChainID: 1}
	poolB := &models.Pool{ID: "pool-b", ChainID: 1}

	g := newTokenGraph()
	g.add(edge{kind: edgeSwap, pool: poolA, tokenIn: usdc, tokenOut: weth, gain: d("0.997")})
	g.add(edge{kind: edgeSwap, pool: poolB, tokenIn: weth, tokenOut: usdc, gain: d("1.046")})
	g.add(edge{kind: edgeSwap, pool: poolB, tokenIn: usdc, tokenOut: weth, gain: d("0.95")})
	g.add(edge{kind: edgeSwap, pool: poolA, tokenIn: weth, tokenOut: usdc, gain: d("1.002")})

	cycles := enumerateCycles(g, usdc, 4)
	require.NotEmpty(t, cycles)

	// the profitable a→b cycle is among them
	found := false
	for _, cyc := range cycles {
		if len(cyc.edges) == 2 && cyc.edges[0].pool.ID == "pool-a" && cyc.edges[1].pool.ID == "pool-b" {
			found = true
		}
		// no cycle may cross the same pool twice
		seen := map[string]bool{}
		for _, e := range cyc.edges {
			assert.False(t, seen[e.pool.ID], "pool %s used twice", e.pool.ID)
			seen[e.pool.ID] = true
		}
	}
	assert.True(t, found)
}

func TestEnumerateCyclesPrunesLosingPaths(t *testing.T) {
	usdc := models.Token{Address: usdcAddr, ChainID: 1, Symbol: "USDC", CanonicalID: "usdc"}
	weth := models.Token{Address: wethAddr, ChainID: 1, Symbol: "WETH", CanonicalID: "eth"}
	poolA := &models.Pool{ID: "pool-a", ChainID: 1}
	poolB := &models.Pool{ID: "pool-b", ChainID: 1}

	g := newTokenGraph()
	// every edge loses value: nothing can close above 1
	g.add(edge{kind: edgeSwap, pool: poolA, tokenIn: usdc, tokenOut: weth, gain: d("0.99")})
	g.add(edge{kind: edgeSwap, pool: poolB, tokenIn: weth, tokenOut: usdc, gain: d("0.99")})

	cycles := enumerateCycles(g, usdc, 4)
	assert.Empty(t, cycles)
}

func TestResolveOverlapsKeepsBetterRatio(t *testing.T) {
	mkOpp := func(poolID, net, gas string) *models.Opportunity {
		return &models.Opportunity{
			Route: models.Route{Hops: []models.Hop{
				{Kind: models.HopKindSwap, Swap: &models.Quote{PoolID: poolID}},
			}},
			NetProfitUSD: d(net),
			Fees:         models.FeeBreakdown{GasCostUSD: d(gas)},
		}
	}

	contested := []*models.Opportunity{
		mkOpp("pool-x", "30", "10"), // ratio 3
		mkOpp("pool-x", "20", "2"),  // ratio 10: wins the pool
		mkOpp("pool-y", "15", "5"),  // uncontested
	}

	kept := resolveOverlaps(contested)
	require.Len(t, kept, 2)

	var nets []string
	for _, opp := range kept {
		nets = append(nets, opp.NetProfitUSD.String())
	}
	assert.Contains(t, nets, "20")
	assert.Contains(t, nets, "15")
	assert.NotContains(t, nets, "30")
}

func TestEmissionOrderIsNonIncreasing(t *testing.T) {
	scan, signalBus := newTestScanner(t, mispricedClient())

	scan.runTick(context.Background())

	var profits []decimal.Decimal
	for {
		signal, err := signalBus.Consume(context.Background())
		if err != nil {
			break
		}
		profits = append(profits, signal.Opportunity.NetProfitUSD)
	}

	for i := 1; i < len(profits); i++ {
		assert.True(t, profits[i].LessThanOrEqual(profits[i-1]),
			"emission order not non-increasing: %s after %s", profits[i], profits[i-1])
	}
}
