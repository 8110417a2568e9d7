package chains

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/logger"
)

// fakeRPC is a scriptable rpcClient.
type fakeRPC struct {
	failing     bool
	blockNumber uint64
	calls       int
}

var errFakeDown = errors.New("connection refused")

func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	if f.failing {
		return 0, errFakeDown
	}
	return f.blockNumber, nil
}

func (f *fakeRPC) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls++
	if f.failing {
		return nil, errFakeDown
	}
	return []byte{0x01}, nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.failing {
		return 0, errFakeDown
	}
	return 21000, nil
}

func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.failing {
		return nil, errFakeDown
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.failing {
		return nil, errFakeDown
	}
	return &types.Header{BaseFee: big.NewInt(10_000_000_000), Number: big.NewInt(int64(f.blockNumber))}, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.failing {
		return errFakeDown
	}
	return nil
}

func (f *fakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if f.failing {
		return 0, errFakeDown
	}
	return 7, nil
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.failing {
		return nil, errFakeDown
	}
	return nil, ethereum.NotFound
}

func (f *fakeRPC) Close() {}

func testClient(t *testing.T, fakes ...*fakeRPC) *ChainClient {
	t.Helper()
	eps := make([]*endpoint, len(fakes))
	for i, fake := range fakes {
		eps[i] = newEndpoint("http://fake/"+string(rune('a'+i)), fake)
	}
	return newChainClientForTest(logger.New("test"), "testchain", 1, eps)
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	bad := &fakeRPC{failing: true}
	good := &fakeRPC{blockNumber: 123}
	client := testClient(t, bad, good)

	// three consecutive probe failures mark the first endpoint unhealthy
	for i := 0; i < 3; i++ {
		client.probe(context.Background())
	}
	assert.False(t, client.endpoints[0].isHealthy())
	assert.True(t, client.endpoints[1].isHealthy())

	// the operation still succeeds, via the healthy endpoint
	block, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), block)

	// subsequent operations prefer the healthy endpoint: the bad one sees
	// no further operation traffic while its backoff window holds
	badCalls := bad.calls
	for i := 0; i < 3; i++ {
		_, err := client.BlockNumber(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, badCalls, bad.calls)

	health := client.EndpointHealth()
	require.Len(t, health, 2)
	assert.False(t, health[0].Healthy)
	assert.True(t, health[0].ConsecutiveFails >= 3)
}

func TestAllEndpointsDown(t *testing.T) {
	client := testClient(t, &fakeRPC{failing: true}, &fakeRPC{failing: true})

	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllEndpointsDown)

	// failed operations alone do not mark endpoints unhealthy; three failed
	// probes on every endpoint take the whole chain down
	for i := 0; i < 3; i++ {
		client.probe(context.Background())
	}
	assert.False(t, client.Healthy())
}

func TestHealthyOrderingPrefersLowerLatency(t *testing.T) {
	slow := &fakeRPC{blockNumber: 1}
	fast := &fakeRPC{blockNumber: 2}
	client := testClient(t, slow, fast)

	client.endpoints[0].recordSuccess(100 * time.Millisecond)
	client.endpoints[1].recordSuccess(5 * time.Millisecond)

	ordered := client.ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, client.endpoints[1], ordered[0])
}

func TestFeeData(t *testing.T) {
	client := testClient(t, &fakeRPC{blockNumber: 50})

	fees, err := client.FeeData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000_000_000), fees.BaseFee)
	assert.Equal(t, big.NewInt(1_000_000_000), fees.TipCap)
	// fee cap leaves headroom: 2·base + tip
	assert.Equal(t, big.NewInt(21_000_000_000), fees.GasFeeCap)
}

func TestReceiptNotFoundIsNotAFailure(t *testing.T) {
	fake := &fakeRPC{blockNumber: 10}
	client := testClient(t, fake)

	_, err := client.TransactionReceipt(context.Background(), common.HexToHash("0x01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ethereum.NotFound)

	health := client.EndpointHealth()
	assert.Equal(t, int64(0), health[0].FailedRequests)
}

func TestPoolHealthyChains(t *testing.T) {
	clientA := testClient(t, &fakeRPC{blockNumber: 1})
	clientB := testClient(t, &fakeRPC{failing: true})
	for i := 0; i < 3; i++ {
		clientB.probe(context.Background())
	}

	pool := newPoolForTest(logger.New("test"), map[uint64]*ChainClient{
		1:   clientA,
		137: clientB,
	})

	assert.True(t, pool.Healthy(1))
	assert.False(t, pool.Healthy(137))
	assert.Equal(t, []uint64{1}, pool.HealthyChains())

	_, err := pool.Client(1)
	require.NoError(t, err)
	_, err = pool.Client(42)
	assert.Error(t, err)
}
