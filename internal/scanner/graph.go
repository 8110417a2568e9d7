package scanner

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/internal/pricing"
	"github.com/vegas-max/titan/pkg/models"
)

// edgeKind labels graph edges as pool swaps or bridge transfers.
type edgeKind int

const (
	edgeSwap edgeKind = iota
	edgeBridge
)

// edge is one directed edge of the token multigraph. Pools contribute one
// edge per ordered token pair; bridges connect canonical-equivalent tokens
// across chains.
type edge struct {
	kind     edgeKind
	pool     *models.Pool
	tokenIn  models.Token
	tokenOut models.Token
	// gain is the optimistic USD value multiplier of taking this edge, used
	// only for DFS pruning. Swap edges take the pool's marginal price net of
	// its swap fee; bridge edges use 1 and ignore the bridge fee.
	gain decimal.Decimal
	// bridgeFeeBps applies to bridge edges.
	bridgeFeeBps decimal.Decimal
	bridgeName   string
}

// tokenGraph is the directed multigraph of one tick: nodes are tokens (keyed
// by chain and address), edges are pools and bridges.
type tokenGraph struct {
	edges   map[string][]edge
	maxGain decimal.Decimal
}

func newTokenGraph() *tokenGraph {
	return &tokenGraph{
		edges:   make(map[string][]edge),
		maxGain: decimal.Zero,
	}
}

func (g *tokenGraph) add(e edge) {
	key := e.tokenIn.Key()
	g.edges[key] = append(g.edges[key], e)
	if e.gain.GreaterThan(g.maxGain) {
		g.maxGain = e.gain
	}
}

// buildChainGraph assembles the swap edges of one chain from every pool with
// fresh state. Edges whose spot price cannot be computed are skipped; the
// pool simply does not participate this tick.
func buildChainGraph(ctx context.Context, g *tokenGraph, pools []*models.Pool, pricer *pricing.Pricer, rates *usdRates) {
	for _, pool := range pools {
		for i, tokenIn := range pool.Tokens {
			for j, tokenOut := range pool.Tokens {
				if i == j {
					continue
				}
				spot, err := pricer.SpotPrice(pool, tokenIn, tokenOut)
				if err != nil {
					continue
				}
				gain := rates.gain(tokenIn, tokenOut, spot)
				if gain.IsZero() {
					continue
				}
				g.add(edge{
					kind:     edgeSwap,
					pool:     pool,
					tokenIn:  tokenIn,
					tokenOut: tokenOut,
					gain:     gain,
				})
			}
		}
	}
}

// BridgeRouter generates cross-chain edges between canonical-equivalent
// tokens. The default router charges a flat fee and connects every registered
// equivalence pair; richer routers can implement live bridge quoting.
type BridgeRouter interface {
	Edges(ctx context.Context, from models.Token, equivalents []models.Token) []BridgeEdge
}

// BridgeEdge is one offered bridge transfer.
type BridgeEdge struct {
	From   models.Token
	To     models.Token
	FeeBps decimal.Decimal
	Name   string
}

// FlatFeeBridgeRouter connects all equivalents at a fixed fee.
type FlatFeeBridgeRouter struct {
	FeeBps decimal.Decimal
	Label  string
}

// Edges returns one edge to every equivalent token on another chain.
func (r *FlatFeeBridgeRouter) Edges(ctx context.Context, from models.Token, equivalents []models.Token) []BridgeEdge {
	var out []BridgeEdge
	for _, to := range equivalents {
		if to.ChainID == from.ChainID {
			continue
		}
		out = append(out, BridgeEdge{From: from, To: to, FeeBps: r.FeeBps, Name: r.Label})
	}
	return out
}

// addBridgeEdges folds the router's offers into the graph.
func addBridgeEdges(ctx context.Context, g *tokenGraph, router BridgeRouter, tokens []models.Token, equivalents func(string) []models.Token) {
	if router == nil {
		return
	}
	for _, token := range tokens {
		for _, be := range router.Edges(ctx, token, equivalents(token.CanonicalID)) {
			g.add(edge{
				kind:         edgeBridge,
				tokenIn:      be.From,
				tokenOut:     be.To,
				gain:         decimal.NewFromInt(1),
				bridgeFeeBps: be.FeeBps,
				bridgeName:   be.Name,
			})
		}
	}
}

// usdRates caches per-tick oracle rates for pruning math.
type usdRates struct {
	prices map[string]decimal.Decimal
}

func loadUSDRates(ctx context.Context, priceOracle oracle.PriceOracle, tokens []models.Token) *usdRates {
	rates := &usdRates{prices: make(map[string]decimal.Decimal)}
	for _, token := range tokens {
		if _, ok := rates.prices[token.CanonicalID]; ok {
			continue
		}
		price, _, err := priceOracle.USDPrice(ctx, token.CanonicalID)
		if err != nil {
			continue
		}
		rates.prices[token.CanonicalID] = price
	}
	return rates
}

// gain converts a spot price into a dimensionless USD value multiplier.
func (r *usdRates) gain(tokenIn, tokenOut models.Token, spot decimal.Decimal) decimal.Decimal {
	usdIn, okIn := r.prices[tokenIn.CanonicalID]
	usdOut, okOut := r.prices[tokenOut.CanonicalID]
	if !okIn || !okOut || usdIn.IsZero() {
		return decimal.Zero
	}
	return spot.Mul(usdOut).Div(usdIn)
}

// cycle is one enumerated candidate: the ordered edges of a closed walk.
type cycle struct {
	edges []edge
}

// enumerateCycles runs a bounded DFS from the anchor token and collects
// closed walks of at most maxHops edges. A partial walk is abandoned when
// even the graph's best edge gain applied to every remaining hop cannot lift
// its optimistic value back to the input.
func enumerateCycles(g *tokenGraph, anchor models.Token, maxHops int) []cycle {
	var cycles []cycle
	one := decimal.NewFromInt(1)

	var walk func(at models.Token, path []edge, gain decimal.Decimal)
	walk = func(at models.Token, path []edge, gain decimal.Decimal) {
		if len(path) >= maxHops {
			return
		}
		for _, e := range g.edges[at.Key()] {
			if usesPool(path, e) {
				continue
			}
			nextGain := gain.Mul(e.gain)

			if e.tokenOut.Key() == anchor.Key() && len(path) >= 1 {
				if nextGain.GreaterThan(one) {
					cp := make([]edge, len(path)+1)
					copy(cp, path)
					cp[len(path)] = e
					cycles = append(cycles, cycle{edges: cp})
				}
				continue
			}

			// prune: even maxGain on every remaining hop cannot recover
			remaining := maxHops - len(path) - 1
			if remaining <= 0 {
				continue
			}
			best := nextGain
			for i := 0; i < remaining; i++ {
				best = best.Mul(g.maxGain)
			}
			if best.LessThanOrEqual(one) {
				continue
			}

			path = append(path, e)
			walk(e.tokenOut, path, nextGain)
			path = path[:len(path)-1]
		}
	}

	walk(anchor, nil, one)
	return cycles
}

// usesPool prevents a walk from crossing the same pool twice, which would
// invalidate the independent-state pricing assumption.
func usesPool(path []edge, e edge) bool {
	if e.kind != edgeSwap {
		return false
	}
	for _, p := range path {
		if p.kind == edgeSwap && p.pool.ID == e.pool.ID {
			return true
		}
	}
	return false
}
