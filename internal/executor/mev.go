package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
)

// PrivateRelay submits signed transactions through a private channel so they
// never touch the public mempool before inclusion.
type PrivateRelay interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Healthy(ctx context.Context) bool
}

// HTTPRelay speaks eth_sendRawTransaction against a private relay endpoint.
type HTTPRelay struct {
	logger   *logger.Logger
	client   *http.Client
	endpoint string

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// relayProbeTTL caches the health probe result between submissions.
const relayProbeTTL = 10 * time.Second

// NewHTTPRelay creates a relay client for the endpoint.
func NewHTTPRelay(log *logger.Logger, endpoint string) *HTTPRelay {
	return &HTTPRelay{
		logger:   log.Named("private-relay"),
		client:   &http.Client{Timeout: 5 * time.Second},
		endpoint: endpoint,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendTransaction submits the raw transaction to the relay.
func (r *HTTPRelay) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	resp, err := r.call(ctx, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("relay rejected transaction: %s", resp.Error.Message)
	}

	r.logger.Info("Transaction submitted via private relay",
		zap.String("tx_hash", tx.Hash().Hex()))
	return nil
}

// Healthy probes the relay with a cheap net_version call, caching the result
// briefly.
func (r *HTTPRelay) Healthy(ctx context.Context) bool {
	r.mu.Lock()
	if time.Since(r.lastProbe) < relayProbeTTL {
		healthy := r.lastHealthy
		r.mu.Unlock()
		return healthy
	}
	r.mu.Unlock()

	resp, err := r.call(ctx, "net_version")
	healthy := err == nil && resp.Error == nil

	r.mu.Lock()
	r.lastProbe = time.Now()
	r.lastHealthy = healthy
	r.mu.Unlock()
	return healthy
}

func (r *HTTPRelay) call(ctx context.Context, method string, params ...interface{}) (*rpcResponse, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned status %d", httpResp.StatusCode)
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	return &resp, nil
}
