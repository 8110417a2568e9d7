package pricing

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vegas-max/titan/internal/chains"
	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
)

// Method selectors for the pool state views.
var (
	selGetReserves = common.Hex2Bytes("0902f1ac") // getReserves()
	selSlot0       = common.Hex2Bytes("3850c7bd") // slot0()
	selLiquidity   = common.Hex2Bytes("1a686502") // liquidity()
	selBalances    = common.Hex2Bytes("4903b0d1") // balances(uint256)
	selBalanceOf   = common.Hex2Bytes("70a08231") // balanceOf(address)
)

// fetchConcurrency bounds in-flight state calls per tick.
const fetchConcurrency = 8

// StateFetcher pulls pool states from the chain into the cache once per scan
// tick.
type StateFetcher struct {
	logger *logger.Logger
	cache  *StateCache
}

// NewStateFetcher creates a fetcher writing into the given cache.
func NewStateFetcher(log *logger.Logger, cache *StateCache) *StateFetcher {
	return &StateFetcher{
		logger: log.Named("state-fetcher"),
		cache:  cache,
	}
}

// FetchChain refreshes the state of every given pool at the chain's current
// head block. Individual pool failures are logged and skipped; the returned
// block number is the head the batch was pinned to.
func (f *StateFetcher) FetchChain(ctx context.Context, client chains.Client, pools []*models.Pool) (uint64, error) {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch head block: %w", err)
	}
	blockNum := new(big.Int).SetUint64(head)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			state, err := f.fetchPool(gctx, client, pool, blockNum, head)
			if err != nil {
				f.logger.Debug("Pool state fetch failed",
					zap.String("pool", pool.ID),
					zap.Error(err))
				return nil // per-pool failure drops the pool, not the tick
			}
			f.cache.Put(pool.ChainID, state)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return head, err
	}
	return head, nil
}

func (f *StateFetcher) fetchPool(ctx context.Context, client chains.Client, pool *models.Pool, blockNum *big.Int, head uint64) (*models.PoolState, error) {
	state := &models.PoolState{
		PoolID:      pool.ID,
		BlockNumber: head,
		ObservedAt:  time.Now(),
	}

	switch pool.Kind {
	case models.PoolKindV2:
		v2, err := f.fetchV2(ctx, client, pool, blockNum)
		if err != nil {
			return nil, err
		}
		state.V2 = v2
	case models.PoolKindV3:
		v3, err := f.fetchV3(ctx, client, pool, blockNum)
		if err != nil {
			return nil, err
		}
		state.V3 = v3
	case models.PoolKindCurve:
		cs, err := f.fetchCurve(ctx, client, pool, blockNum)
		if err != nil {
			return nil, err
		}
		state.Curve = cs
	case models.PoolKindBalancer:
		bs, err := f.fetchBalancer(ctx, client, pool, blockNum)
		if err != nil {
			return nil, err
		}
		state.Balancer = bs
	default:
		return nil, fmt.Errorf("unknown pool kind %q", pool.Kind)
	}

	return state, nil
}

func (f *StateFetcher) fetchV2(ctx context.Context, client chains.Client, pool *models.Pool, blockNum *big.Int) (*models.V2State, error) {
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &pool.Address, Data: selGetReserves}, blockNum)
	if err != nil {
		return nil, err
	}
	if len(out) < 64 {
		return nil, fmt.Errorf("short getReserves return (%d bytes)", len(out))
	}
	reserve0 := new(big.Int).SetBytes(out[0:32])
	reserve1 := new(big.Int).SetBytes(out[32:64])
	return &models.V2State{
		Reserve0: decimal.NewFromBigInt(reserve0, 0),
		Reserve1: decimal.NewFromBigInt(reserve1, 0),
	}, nil
}

func (f *StateFetcher) fetchV3(ctx context.Context, client chains.Client, pool *models.Pool, blockNum *big.Int) (*models.V3State, error) {
	slot0, err := client.CallContract(ctx, ethereum.CallMsg{To: &pool.Address, Data: selSlot0}, blockNum)
	if err != nil {
		return nil, err
	}
	if len(slot0) < 64 {
		return nil, fmt.Errorf("short slot0 return (%d bytes)", len(slot0))
	}
	sqrtPrice := new(big.Int).SetBytes(slot0[0:32])
	tick := decodeSigned(slot0[32:64])

	liq, err := client.CallContract(ctx, ethereum.CallMsg{To: &pool.Address, Data: selLiquidity}, blockNum)
	if err != nil {
		return nil, err
	}
	if len(liq) < 32 {
		return nil, fmt.Errorf("short liquidity return (%d bytes)", len(liq))
	}
	liquidity := new(big.Int).SetBytes(liq[0:32])

	return &models.V3State{
		SqrtPriceX96: decimal.NewFromBigInt(sqrtPrice, 0),
		Liquidity:    decimal.NewFromBigInt(liquidity, 0),
		Tick:         int32(tick.Int64()),
	}, nil
}

// decodeSigned interprets a 32-byte ABI word as a two's-complement integer.
func decodeSigned(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

func (f *StateFetcher) fetchCurve(ctx context.Context, client chains.Client, pool *models.Pool, blockNum *big.Int) (*models.CurveState, error) {
	balances := make([]decimal.Decimal, len(pool.Tokens))
	for i := range pool.Tokens {
		data := make([]byte, 0, 36)
		data = append(data, selBalances...)
		data = append(data, common.LeftPadBytes(big.NewInt(int64(i)).Bytes(), 32)...)

		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &pool.Address, Data: data}, blockNum)
		if err != nil {
			return nil, err
		}
		if len(out) < 32 {
			return nil, fmt.Errorf("short balances(%d) return", i)
		}
		balances[i] = decimal.NewFromBigInt(new(big.Int).SetBytes(out[0:32]), 0)
	}
	return &models.CurveState{Balances: balances}, nil
}

func (f *StateFetcher) fetchBalancer(ctx context.Context, client chains.Client, pool *models.Pool, blockNum *big.Int) (*models.BalancerState, error) {
	balances := make(map[string]decimal.Decimal, len(pool.Tokens))
	for _, token := range pool.Tokens {
		data := make([]byte, 0, 36)
		data = append(data, selBalanceOf...)
		data = append(data, common.LeftPadBytes(pool.Address.Bytes(), 32)...)

		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token.Address, Data: data}, blockNum)
		if err != nil {
			return nil, err
		}
		if len(out) < 32 {
			return nil, fmt.Errorf("short balanceOf return for %s", token.Symbol)
		}
		balances[token.Address.Hex()] = decimal.NewFromBigInt(new(big.Int).SetBytes(out[0:32]), 0)
	}
	return &models.BalancerState{Balances: balances}, nil
}
