package chains

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
)

// Pool holds one failover client per configured chain and runs the background
// health probes.
type Pool struct {
	logger  *logger.Logger
	clients map[uint64]*ChainClient

	probeInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewPool dials every configured chain. A chain whose endpoints are all
// undialable fails startup.
func NewPool(ctx context.Context, log *logger.Logger, chainCfgs []config.ChainConfig) (*Pool, error) {
	p := &Pool{
		logger:        log.Named("chain-pool"),
		clients:       make(map[uint64]*ChainClient),
		probeInterval: 10 * time.Second,
		stopChan:      make(chan struct{}),
	}

	for _, cfg := range chainCfgs {
		client, err := NewChainClient(ctx, log, cfg.Name, cfg.ChainID, cfg.RPCURLs, cfg.RequestTimeout)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize chain %s: %w", cfg.Name, err)
		}
		p.clients[cfg.ChainID] = client
		if cfg.HealthProbeInterval > 0 && cfg.HealthProbeInterval < p.probeInterval {
			p.probeInterval = cfg.HealthProbeInterval
		}
		p.logger.Info("Chain client initialized",
			zap.String("chain", cfg.Name),
			zap.Uint64("chain_id", cfg.ChainID),
			zap.Int("endpoints", len(cfg.RPCURLs)))
	}

	return p, nil
}

// newPoolForTest builds a pool from explicit clients.
func newPoolForTest(log *logger.Logger, clients map[uint64]*ChainClient) *Pool {
	return &Pool{
		logger:        log.Named("chain-pool"),
		clients:       clients,
		probeInterval: 10 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the background health prober.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.ProbeAll(ctx)
			}
		}
	}()
}

// ProbeAll issues one health probe cycle against every chain, in parallel.
func (p *Pool) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, client := range p.clients {
		wg.Add(1)
		go func(c *ChainClient) {
			defer wg.Done()
			c.probe(ctx)
		}(client)
	}
	wg.Wait()
}

// Client returns the client for a chain id.
func (p *Pool) Client(chainID uint64) (Client, error) {
	client, ok := p.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no client configured for chain %d", chainID)
	}
	return client, nil
}

// Healthy reports whether the chain currently has a healthy endpoint.
func (p *Pool) Healthy(chainID uint64) bool {
	client, ok := p.clients[chainID]
	return ok && client.Healthy()
}

// HealthyChains returns the ids of chains with at least one healthy endpoint.
func (p *Pool) HealthyChains() []uint64 {
	var out []uint64
	for id, client := range p.clients {
		if client.Healthy() {
			out = append(out, id)
		}
	}
	return out
}

// ChainIDs returns every configured chain id.
func (p *Pool) ChainIDs() []uint64 {
	out := make([]uint64, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	return out
}

// Health returns endpoint health snapshots per chain for the metrics surface.
func (p *Pool) Health() map[uint64][]EndpointHealth {
	out := make(map[uint64][]EndpointHealth, len(p.clients))
	for id, client := range p.clients {
		out[id] = client.EndpointHealth()
	}
	return out
}

// Close stops probing and releases every connection. The pool closes last
// during shutdown so draining components keep chain access.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	for _, client := range p.clients {
		client.Close()
	}
}
