// Package scanner drives the periodic opportunity discovery: it refreshes
// pool states per chain, assembles the token multigraph, enumerates closed
// cycles from the anchor tokens and emits the profitable survivors onto the
// signal bus in non-increasing net profit order.
package scanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

// Gas unit heuristics for the scan-time estimate. The executor re-estimates
// against the node before submission.
const (
	gasBaseUnits      = 200_000
	gasPerSwapUnits   = 120_000
	gasPerBridgeUnits = 300_000
)

// probeSteps is the length of the geometric input-amount sweep per cycle.
const probeSteps = 5

// maxDepthShare caps how much of a pool's depth one probe may consume.
var maxDepthShare = decimal.NewFromFloat(0.25)

// ChainPool is the slice of the chain client pool the scanner consumes.
type ChainPool interface {
	Client(chainID uint64) (chains.Client, error)
	HealthyChains() []uint64
}

// Observer receives scanner lifecycle events; the supervisor implements it.
type Observer interface {
	TickCompleted(duration time.Duration, candidates, emitted int)
	BusStalled(err error)
}

// nopObserver is used when no observer is wired.
type nopObserver struct{}

func (nopObserver) TickCompleted(time.Duration, int, int) {}
func (nopObserver) BusStalled(error)                      {}

// Scanner is the periodic opportunity discovery driver.
type Scanner struct {
	logger   *logger.Logger
	cfg      config.EngineConfig
	reg      *registry.Registry
	pool     ChainPool
	pricer   *pricing.Pricer
	fetcher  *pricing.StateFetcher
	engine   *profit.Engine
	signals  bus.Bus
	oracle   oracle.PriceOracle
	bridge   BridgeRouter
	observer Observer

	// interval is adjustable by the supervisor's circuit breaker.
	interval atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scanner.
func New(
	log *logger.Logger,
	cfg config.EngineConfig,
	reg *registry.Registry,
	pool ChainPool,
	pricer *pricing.Pricer,
	fetcher *pricing.StateFetcher,
	engine *profit.Engine,
	signalBus bus.Bus,
	priceOracle oracle.PriceOracle,
	bridge BridgeRouter,
) *Scanner {
	s := &Scanner{
		logger:   log.Named("scanner"),
		cfg:      cfg,
		reg:      reg,
		pool:     pool,
		pricer:   pricer,
		fetcher:  fetcher,
		engine:   engine,
		signals:  signalBus,
		oracle:   priceOracle,
		bridge:   bridge,
		observer: nopObserver{},
		stopChan: make(chan struct{}),
	}
	s.interval.Store(int64(cfg.ScanInterval))
	return s
}

// SetObserver wires the supervisor in before Start.
func (s *Scanner) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// Interval returns the current tick interval.
func (s *Scanner) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval adjusts the tick interval; the change applies from the next
// tick.
func (s *Scanner) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
}

// Start launches the scan loop.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Scanner started",
			zap.Duration("interval", s.Interval()),
			zap.Int("max_hops", s.cfg.MaxHops))

		timer := time.NewTimer(s.Interval())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-timer.C:
				s.runTick(ctx)
				timer.Reset(s.Interval())
			}
		}
	}()
}

// Stop halts scheduling; the in-flight tick finishes within its budget.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// runTick performs one full scan under the tick budget.
func (s *Scanner) runTick(ctx context.Context) {
	start := time.Now()
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickBudget)
	defer cancel()

	chainIDs := s.pool.HealthyChains()
	if len(chainIDs) == 0 {
		s.logger.Warn("No healthy chains, skipping tick")
		s.observer.TickCompleted(time.Since(start), 0, 0)
		return
	}

	// stage 1: per-chain fee data and pool states, in parallel
	fees := make(map[uint64]*chains.FeeData)
	heads := make(map[uint64]uint64)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(tickCtx)
	for _, chainID := range chainIDs {
		chainID := chainID
		g.Go(func() error {
			client, err := s.pool.Client(chainID)
			if err != nil {
				return nil
			}
			feeData, err := client.FeeData(gctx)
			if err != nil {
				s.logger.Warn("Fee data fetch failed, skipping chain",
					zap.Uint64("chain_id", chainID),
					zap.Error(err))
				return nil
			}
			head, err := s.fetcher.FetchChain(gctx, client, s.reg.PoolsOnChain(chainID))
			if err != nil {
				s.logger.Warn("State fetch failed, skipping chain",
					zap.Uint64("chain_id", chainID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			fees[chainID] = feeData
			heads[chainID] = head
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(fees) == 0 {
		s.observer.TickCompleted(time.Since(start), 0, 0)
		return
	}

	// stage 2: one graph over every fetched chain, bridges included
	rates := loadUSDRates(tickCtx, s.oracle, s.reg.Tokens())
	graph := newTokenGraph()
	for chainID := range fees {
		buildChainGraph(tickCtx, graph, s.reg.PoolsOnChain(chainID), s.pricer, rates)
	}
	addBridgeEdges(tickCtx, graph, s.bridge, s.reg.Tokens(), s.reg.Equivalents)

	// stages 3-4: enumerate cycles from each chain's anchors and evaluate
	var opportunities []*models.Opportunity
	for chainID := range fees {
		for _, anchor := range s.reg.Anchors(chainID) {
			for _, cyc := range enumerateCycles(graph, anchor, s.cfg.MaxHops) {
				if opp := s.evaluateCycle(tickCtx, cyc, anchor, fees, heads, rates); opp != nil {
					opportunities = append(opportunities, opp)
				}
			}
		}
	}
	candidates := len(opportunities)

	opportunities = resolveOverlaps(opportunities)

	// emission order: non-increasing net profit within the tick
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].NetProfitUSD.GreaterThan(opportunities[j].NetProfitUSD)
	})

	emitted := s.emit(tickCtx, opportunities, heads)
	s.observer.TickCompleted(time.Since(start), candidates, emitted)

	s.logger.Debug("Tick completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("candidates", candidates),
		zap.Int("emitted", emitted))
}

// evaluateCycle prices a cycle over the probe amount sweep and keeps the
// most profitable variant.
func (s *Scanner) evaluateCycle(ctx context.Context, cyc cycle, anchor models.Token, fees map[uint64]*chains.FeeData, heads map[uint64]uint64, rates *usdRates) *models.Opportunity {
	provider, ok := s.provider(anchor.ChainID)
	if !ok {
		return nil
	}
	gas, ok := s.gasEstimate(cyc, anchor.ChainID, fees)
	if !ok {
		return nil
	}
	usdAnchor, ok := rates.prices[anchor.CanonicalID]
	if !ok || usdAnchor.IsZero() {
		return nil
	}

	minAmount := s.cfg.MinNotionalUSD.Div(usdAnchor)

	var best *models.Opportunity
	amount := minAmount
	for step := 0; step < probeSteps; step++ {
		route, ok := s.priceRoute(cyc, amount, heads)
		if ok {
			opp, err := s.engine.Evaluate(ctx, *route, amount, provider, gas)
			if err == nil && (best == nil || opp.NetProfitUSD.GreaterThan(best.NetProfitUSD)) {
				best = opp
			}
		}
		amount = amount.Mul(decimal.NewFromInt(2))
	}
	return best
}

// priceRoute chains quotes hop by hop for one input amount. Any hop that
// cannot be priced, or that would consume too much pool depth, abandons the
// amount.
func (s *Scanner) priceRoute(cyc cycle, amount decimal.Decimal, heads map[uint64]uint64) (*models.Route, bool) {
	hops := make([]models.Hop, 0, len(cyc.edges))
	sourceBlocks := make(map[uint64]uint64)
	current := amount

	for _, e := range cyc.edges {
		switch e.kind {
		case edgeSwap:
			quote, err := s.pricer.Quote(e.pool, e.tokenIn, e.tokenOut, current)
			if err != nil {
				return nil, false
			}
			if quote.DepthUsed.GreaterThan(maxDepthShare) {
				return nil, false
			}
			hops = append(hops, models.Hop{Kind: models.HopKindSwap, Swap: quote})
			sourceBlocks[e.pool.ChainID] = quote.BlockNumber
			current = quote.AmountOut
		case edgeBridge:
			fee := current.Mul(e.bridgeFeeBps).Div(decimal.NewFromInt(10_000))
			hops = append(hops, models.Hop{Kind: models.HopKindBridge, Bridge: &models.BridgeHop{
				Token:       e.tokenIn,
				FromChainID: e.tokenIn.ChainID,
				ToChainID:   e.tokenOut.ChainID,
				Amount:      current,
				Fee:         fee,
				Provider:    e.bridgeName,
			}})
			if head, ok := heads[e.tokenOut.ChainID]; ok {
				sourceBlocks[e.tokenOut.ChainID] = head
			}
			current = current.Sub(fee)
		}
	}

	return &models.Route{Hops: hops, SourceBlocks: sourceBlocks}, true
}

// gasEstimate sizes the execution transaction from the hop mix and the
// chain's current fee data.
func (s *Scanner) gasEstimate(cyc cycle, chainID uint64, fees map[uint64]*chains.FeeData) (profit.GasEstimate, bool) {
	feeData, ok := fees[chainID]
	if !ok {
		return profit.GasEstimate{}, false
	}
	native, ok := s.reg.NativeCanonical(chainID)
	if !ok {
		return profit.GasEstimate{}, false
	}

	units := uint64(gasBaseUnits)
	for _, e := range cyc.edges {
		switch e.kind {
		case edgeSwap:
			units += gasPerSwapUnits
		case edgeBridge:
			units += gasPerBridgeUnits
		}
	}

	price := decimal.NewFromBigInt(feeData.BaseFee, 0).Add(decimal.NewFromBigInt(feeData.TipCap, 0))
	return profit.GasEstimate{
		Units:             units,
		PriceWei:          price,
		NativeCanonicalID: native,
	}, true
}

// provider picks the flash-loan provider funding routes on a chain: the
// configured preference when it lives there, the chain's best otherwise.
func (s *Scanner) provider(chainID uint64) (registry.FlashLoanProvider, bool) {
	if s.cfg.FlashLoanProvider != "" {
		if p, ok := s.reg.Provider(s.cfg.FlashLoanProvider); ok && p.ChainID == chainID {
			return p, true
		}
	}
	return s.reg.BestProvider(chainID)
}

// emit builds signals for the surviving opportunities and places them on the
// bus, dropping any whose source blocks have gone stale. Emission stops for
// the tick when the bus reports unavailability.
func (s *Scanner) emit(ctx context.Context, opportunities []*models.Opportunity, heads map[uint64]uint64) int {
	emitted := 0
	for _, opp := range opportunities {
		if s.stale(ctx, opp, heads) {
			s.logger.Debug("Dropping stale opportunity",
				zap.String("net_profit_usd", opp.NetProfitUSD.String()))
			continue
		}

		startToken, err := opp.Route.StartToken()
		if err != nil {
			continue
		}
		provider, ok := s.provider(startToken.ChainID)
		if !ok {
			continue
		}

		now := time.Now()
		signal := &models.Signal{
			Version:         models.SignalVersion,
			ID:              uuid.New().String(),
			Opportunity:     *opp,
			CreatedAt:       now,
			ExpiresAt:       now.Add(s.cfg.SignalTTL),
			FlashProviderID: provider.ID,
			MEVPolicy:       string(s.cfg.MEVPolicy),
		}

		if err := s.signals.Emit(ctx, signal); err != nil {
			if errors.Is(err, bus.ErrUnavailable) {
				s.logger.Warn("Bus unavailable, pausing emission", zap.Error(err))
				s.observer.BusStalled(err)
				return emitted
			}
			s.logger.Error("Signal emission failed",
				zap.String("signal_id", signal.ID),
				zap.Error(err))
			continue
		}

		emitted++
		s.logger.Info("Signal emitted",
			zap.String("signal_id", signal.ID),
			zap.String("net_profit_usd", opp.NetProfitUSD.String()),
			zap.String("provider", provider.ID))
	}
	return emitted
}

// stale re-checks the freshness window against the current head of every
// chain the route touches.
func (s *Scanner) stale(ctx context.Context, opp *models.Opportunity, heads map[uint64]uint64) bool {
	for chainID, source := range opp.Route.SourceBlocks {
		client, err := s.pool.Client(chainID)
		if err != nil {
			return true
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			head = heads[chainID]
		}
		if head > source && head-source > s.cfg.FreshnessBlocks {
			return true
		}
	}
	return false
}

// resolveOverlaps keeps at most one opportunity per contested pool: the one
// with the better net-to-gas ratio, then the cheaper gas.
func resolveOverlaps(opportunities []*models.Opportunity) []*models.Opportunity {
	sort.SliceStable(opportunities, func(i, j int) bool {
		return profit.PreferForOverlap(opportunities[i], opportunities[j])
	})

	taken := make(map[string]bool)
	var out []*models.Opportunity
	for _, opp := range opportunities {
		conflict := false
		for _, hop := range opp.Route.Hops {
			if hop.Kind == models.HopKindSwap && taken[hop.Swap.PoolID] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, hop := range opp.Route.Hops {
			if hop.Kind == models.HopKindSwap {
				taken[hop.Swap.PoolID] = true
			}
		}
		out = append(out, opp)
	}
	return out
}
