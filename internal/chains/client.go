// Package chains provides failover-capable RPC access to the configured EVM
// chains. Every operation tries endpoints healthy-first in latency order and
// records the outcome; a background prober drives recovery.
package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
)

// ErrAllEndpointsDown is returned when no endpoint on a chain can serve a
// request.
var ErrAllEndpointsDown = errors.New("all rpc endpoints down")

// FeeData is the current gas market view of one chain.
type FeeData struct {
	BaseFee   *big.Int
	TipCap    *big.Int
	GasFeeCap *big.Int
}

// Client is the per-chain RPC surface the rest of the system consumes.
type Client interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	FeeData(ctx context.Context) (*FeeData, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Healthy() bool
	EndpointHealth() []EndpointHealth
	Close()
}

// ChainClient serves one chain over an ordered endpoint list.
type ChainClient struct {
	logger  *logger.Logger
	chainID uint64
	name    string
	timeout time.Duration

	endpoints []*endpoint
}

// NewChainClient dials every configured endpoint. Endpoints that fail to dial
// are kept in the rotation marked unhealthy so the prober can recover them
// later; only a chain with zero dialable endpoints is an error.
func NewChainClient(ctx context.Context, log *logger.Logger, name string, chainID uint64, urls []string, timeout time.Duration) (*ChainClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain %s: no rpc urls configured", name)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &ChainClient{
		logger:  log.Named("chain-client").With(zap.String("chain", name)),
		chainID: chainID,
		name:    name,
		timeout: timeout,
	}

	dialable := 0
	for _, url := range urls {
		ep, err := dialEndpoint(ctx, url)
		if err != nil {
			c.logger.Warn("Failed to dial endpoint, keeping for recovery",
				zap.String("url", url),
				zap.Error(err))
			ep = newEndpoint(url, nil)
			ep.recordProbe(false, 0, err)
			ep.recordProbe(false, 0, err)
			ep.recordProbe(false, 0, err)
		} else {
			dialable++
		}
		c.endpoints = append(c.endpoints, ep)
	}
	if dialable == 0 {
		return nil, fmt.Errorf("chain %s: %w", name, ErrAllEndpointsDown)
	}

	return c, nil
}

// newChainClientForTest wires explicit endpoints, bypassing dialing.
func newChainClientForTest(log *logger.Logger, name string, chainID uint64, eps []*endpoint) *ChainClient {
	return &ChainClient{
		logger:    log.Named("chain-client").With(zap.String("chain", name)),
		chainID:   chainID,
		name:      name,
		timeout:   time.Second,
		endpoints: eps,
	}
}

// ChainID returns the chain id served by this client.
func (c *ChainClient) ChainID() uint64 { return c.chainID }

// Name returns the configured chain name.
func (c *ChainClient) Name() string { return c.name }

// ordered returns the endpoints to try: healthy ones first, sorted by latency
// EWMA, then unhealthy ones whose backoff window has elapsed.
func (c *ChainClient) ordered() []*endpoint {
	healthy := make([]*endpoint, 0, len(c.endpoints))
	var retryable []*endpoint
	for _, ep := range c.endpoints {
		if ep.client == nil {
			continue
		}
		if ep.isHealthy() {
			healthy = append(healthy, ep)
		} else if ep.usable() {
			retryable = append(retryable, ep)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].ewma() < healthy[j].ewma()
	})
	return append(healthy, retryable...)
}

// do runs op against endpoints in failover order until one succeeds.
func (c *ChainClient) do(ctx context.Context, op func(ctx context.Context, cl rpcClient) error) error {
	candidates := c.ordered()
	if len(candidates) == 0 {
		return fmt.Errorf("chain %s: %w", c.name, ErrAllEndpointsDown)
	}

	var lastErr error
	for _, ep := range candidates {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := op(callCtx, ep.client)
		cancel()

		if err == nil {
			ep.recordSuccess(time.Since(start))
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			// a definitive answer from a working endpoint, not a failure
			ep.recordSuccess(time.Since(start))
			return err
		}

		ep.recordFailure(err)
		lastErr = err
		c.logger.Debug("Endpoint call failed, advancing",
			zap.String("url", ep.url),
			zap.Error(err))

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("chain %s: %w: %v", c.name, ErrAllEndpointsDown, lastErr)
}

// BlockNumber returns the current head block number.
func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		n, err := cl.BlockNumber(ctx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// CallContract executes a read-only call (also used for tx simulation).
func (c *ChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		res, err := cl.CallContract(ctx, call, blockNumber)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// EstimateGas estimates the gas units for the given call.
func (c *ChainClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		n, err := cl.EstimateGas(ctx, call)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// FeeData fetches the head block base fee and the suggested tip cap.
func (c *ChainClient) FeeData(ctx context.Context) (*FeeData, error) {
	var out *FeeData
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		header, err := cl.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		tip, err := cl.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}

		baseFee := header.BaseFee
		if baseFee == nil {
			baseFee = big.NewInt(0)
		}
		// fee cap: 2*baseFee + tip leaves headroom for one full base fee bump
		feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)

		out = &FeeData{BaseFee: baseFee, TipCap: tip, GasFeeCap: feeCap}
		return nil
	})
	return out, err
}

// SendTransaction broadcasts a signed transaction.
func (c *ChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		return cl.SendTransaction(ctx, tx)
	})
}

// PendingNonceAt returns the account nonce including pending transactions.
func (c *ChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		n, err := cl.PendingNonceAt(ctx, account)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ethereum.NotFound while it is still pending.
func (c *ChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := c.do(ctx, func(ctx context.Context, cl rpcClient) error {
		receipt, err := cl.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		out = receipt
		return nil
	})
	return out, err
}

// Healthy reports whether at least one endpoint is currently healthy.
func (c *ChainClient) Healthy() bool {
	for _, ep := range c.endpoints {
		if ep.client != nil && ep.isHealthy() {
			return true
		}
	}
	return false
}

// EndpointHealth returns health snapshots for the metrics surface.
func (c *ChainClient) EndpointHealth() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep.snapshot())
	}
	return out
}

// probe issues one block_number health probe against every endpoint.
func (c *ChainClient) probe(ctx context.Context) {
	for _, ep := range c.endpoints {
		if ep.client == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		_, err := ep.client.BlockNumber(probeCtx)
		cancel()
		ep.recordProbe(err == nil, time.Since(start), err)
	}
}

// Close releases all endpoint connections.
func (c *ChainClient) Close() {
	for _, ep := range c.endpoints {
		if ep.client != nil {
			ep.client.Close()
		}
	}
}
