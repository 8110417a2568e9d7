package chains

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ewmaAlpha weighs the newest latency sample in the rolling average.
const ewmaAlpha = 0.3

// probeFailThreshold is how many consecutive probe failures mark an endpoint
// unhealthy.
const probeFailThreshold = 3

// maxRecoveryBackoff caps the retry backoff for unhealthy endpoints.
const maxRecoveryBackoff = 60 * time.Second

// rpcClient is the slice of ethclient the pool uses. Narrowed to an interface
// so endpoints can be faked in tests.
type rpcClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EndpointHealth is a snapshot of one endpoint's health record.
type EndpointHealth struct {
	URL              string        `json:"url"`
	Healthy          bool          `json:"healthy"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LatencyEWMA      time.Duration `json:"latency_ewma"`
	LastSuccess      time.Time     `json:"last_success"`
	TotalRequests    int64         `json:"total_requests"`
	FailedRequests   int64         `json:"failed_requests"`
	LastError        string        `json:"last_error,omitempty"`
}

// endpoint is one RPC endpoint with its mutable health record. The mutex
// guards only the record; it is never held across I/O.
type endpoint struct {
	url    string
	client rpcClient

	mu               sync.Mutex
	healthy          bool
	consecutiveFails int
	probeFails       int
	latencyEWMA      time.Duration
	lastSuccess      time.Time
	lastError        string
	totalRequests    int64
	failedRequests   int64
	retryAt          time.Time
	recovery         *backoff.ExponentialBackOff
}

func newEndpoint(url string, client rpcClient) *endpoint {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxRecoveryBackoff
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	return &endpoint{
		url:      url,
		client:   client,
		healthy:  true,
		recovery: bo,
	}
}

func dialEndpoint(ctx context.Context, url string) (*endpoint, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return newEndpoint(url, client), nil
}

// recordSuccess updates the health record after a successful call.
func (e *endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.consecutiveFails = 0
	e.lastSuccess = time.Now()
	if e.latencyEWMA == 0 {
		e.latencyEWMA = latency
	} else {
		e.latencyEWMA = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(e.latencyEWMA))
	}
	if !e.healthy {
		e.healthy = true
		e.probeFails = 0
		e.recovery.Reset()
	}
}

// recordFailure updates the health record after a failed call.
func (e *endpoint) recordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.failedRequests++
	e.consecutiveFails++
	if err != nil {
		e.lastError = err.Error()
	}
}

// recordProbe folds one background probe result into the record. Three
// consecutive probe failures mark the endpoint unhealthy; recovery retries
// follow the capped exponential backoff.
func (e *endpoint) recordProbe(ok bool, latency time.Duration, err error) {
	if ok {
		e.recordSuccess(latency)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.probeFails++
	e.consecutiveFails++
	e.failedRequests++
	e.totalRequests++
	if err != nil {
		e.lastError = err.Error()
	}
	if e.probeFails >= probeFailThreshold && e.healthy {
		e.healthy = false
	}
	if !e.healthy {
		e.retryAt = time.Now().Add(e.recovery.NextBackOff())
	}
}

// usable reports whether the endpoint may serve a request right now.
// Unhealthy endpoints become usable again once their backoff window elapses.
func (e *endpoint) usable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.healthy {
		return true
	}
	return time.Now().After(e.retryAt)
}

func (e *endpoint) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *endpoint) ewma() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latencyEWMA
}

// snapshot returns a copy of the health record for the metrics surface.
func (e *endpoint) snapshot() EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointHealth{
		URL:              e.url,
		Healthy:          e.healthy,
		ConsecutiveFails: e.consecutiveFails,
		LatencyEWMA:      e.latencyEWMA,
		LastSuccess:      e.lastSuccess,
		TotalRequests:    e.totalRequests,
		FailedRequests:   e.failedRequests,
		LastError:        e.lastError,
	}
}
