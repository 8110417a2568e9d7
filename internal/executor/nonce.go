package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
)

// NonceManager serializes transaction submission per chain for one signing
// key. It owns the next-nonce counter and is the only path to
// SendTransaction, which keeps per-chain nonce order strict. The counter is
// resynced from the node's pending nonce on first use and after any nonce
// conflict.
type NonceManager struct {
	logger  *logger.Logger
	pool    ChainPool
	account common.Address

	mu     sync.Mutex
	chains map[uint64]*chainNonce
}

type chainNonce struct {
	// submitMu serializes the whole reserve-sign-send window per chain.
	submitMu sync.Mutex
	next     uint64
	synced   bool
}

// NewNonceManager creates a nonce manager for the signing account.
func NewNonceManager(log *logger.Logger, pool ChainPool, account common.Address) *NonceManager {
	return &NonceManager{
		logger:  log.Named("nonce-manager"),
		pool:    pool,
		account: account,
		chains:  make(map[uint64]*chainNonce),
	}
}

func (nm *NonceManager) chain(chainID uint64) *chainNonce {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	cn, ok := nm.chains[chainID]
	if !ok {
		cn = &chainNonce{}
		nm.chains[chainID] = cn
	}
	return cn
}

// Submit runs fn with the next nonce for the chain, holding the chain's
// submission lock for the duration. On success the counter advances; on
// failure it stays, so the nonce is reused by the next submission.
func (nm *NonceManager) Submit(ctx context.Context, chainID uint64, fn func(nonce uint64) error) error {
	cn := nm.chain(chainID)
	cn.submitMu.Lock()
	defer cn.submitMu.Unlock()

	if !cn.synced {
		if err := nm.resyncLocked(ctx, chainID, cn); err != nil {
			return err
		}
	}

	if err := fn(cn.next); err != nil {
		return err
	}

	cn.next++
	return nil
}

// Resync refreshes the counter from the node's pending nonce, used at boot
// and after a nonce conflict.
func (nm *NonceManager) Resync(ctx context.Context, chainID uint64) error {
	cn := nm.chain(chainID)
	cn.submitMu.Lock()
	defer cn.submitMu.Unlock()
	return nm.resyncLocked(ctx, chainID, cn)
}

func (nm *NonceManager) resyncLocked(ctx context.Context, chainID uint64, cn *chainNonce) error {
	client, err := nm.pool.Client(chainID)
	if err != nil {
		return err
	}
	pending, err := client.PendingNonceAt(ctx, nm.account)
	if err != nil {
		return fmt.Errorf("failed to resync nonce on chain %d: %w", chainID, err)
	}
	cn.next = pending
	cn.synced = true

	nm.logger.Info("Nonce resynced",
		zap.Uint64("chain_id", chainID),
		zap.String("account", nm.account.Hex()),
		zap.Uint64("pending_nonce", pending))
	return nil
}

// Next returns the current counter without advancing it.
func (nm *NonceManager) Next(chainID uint64) (uint64, bool) {
	cn := nm.chain(chainID)
	cn.submitMu.Lock()
	defer cn.submitMu.Unlock()
	return cn.next, cn.synced
}
