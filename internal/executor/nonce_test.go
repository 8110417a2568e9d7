package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/logger"
)

func nonceTestPool(pending uint64) *fakePool {
	return &fakePool{clients: map[uint64]*fakeChainClient{
		1: {
			chainID:      1,
			pendingNonce: pending,
			baseFee:      big.NewInt(1),
			tipCap:       big.NewInt(1),
			healthy:      true,
		},
	}}
}

func TestNonceManagerSyncsAndAdvances(t *testing.T) {
	nm := NewNonceManager(logger.New("test"), nonceTestPool(42), common.HexToAddress("0x01"))
	ctx := context.Background()

	var used []uint64
	for i := 0; i < 3; i++ {
		err := nm.Submit(ctx, 1, func(nonce uint64) error {
			used = append(used, nonce)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{42, 43, 44}, used)

	next, synced := nm.Next(1)
	assert.True(t, synced)
	assert.Equal(t, uint64(45), next)
}

func TestNonceManagerKeepsNonceOnFailure(t *testing.T) {
	nm := NewNonceManager(logger.New("test"), nonceTestPool(10), common.HexToAddress("0x01"))
	ctx := context.Background()

	err := nm.Submit(ctx, 1, func(nonce uint64) error {
		return errors.New("mempool rejection")
	})
	require.Error(t, err)

	// the failed nonce is reused, not burned
	var used uint64
	require.NoError(t, nm.Submit(ctx, 1, func(nonce uint64) error {
		used = nonce
		return nil
	}))
	assert.Equal(t, uint64(10), used)
}

func TestNonceManagerResync(t *testing.T) {
	pool := nonceTestPool(10)
	nm := NewNonceManager(logger.New("test"), pool, common.HexToAddress("0x01"))
	ctx := context.Background()

	require.NoError(t, nm.Submit(ctx, 1, func(nonce uint64) error { return nil }))

	// the node advanced underneath us (another sender with the same key)
	pool.clients[1].pendingNonce = 99
	require.NoError(t, nm.Resync(ctx, 1))

	next, _ := nm.Next(1)
	assert.Equal(t, uint64(99), next)
}

func TestIsNonceConflict(t *testing.T) {
	assert.True(t, isNonceConflict(errors.New("nonce too low")))
	assert.True(t, isNonceConflict(errors.New("Nonce too high: account has 12")))
	assert.True(t, isNonceConflict(errors.New("already known")))
	assert.False(t, isNonceConflict(errors.New("insufficient funds")))
	assert.False(t, isNonceConflict(nil))
}
