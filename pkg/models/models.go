// Package models holds the domain types shared by the scanner, bus and
// execution engine: tokens, pools, quotes, routes, opportunities and signals.
// All monetary values are arbitrary-precision decimals; big.Int appears only
// at the chain boundary.
package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func init() {
	// USD amounts must carry at least 28 significant digits through division.
	if decimal.DivisionPrecision < 28 {
		decimal.DivisionPrecision = 28
	}
}

// Token represents a canonical ERC-20 token on one chain. Immutable after load.
type Token struct {
	Address     common.Address `json:"address"`
	ChainID     uint64         `json:"chain_id"`
	Decimals    uint8          `json:"decimals"`
	Symbol      string         `json:"symbol"`
	CanonicalID string         `json:"canonical_id"`
}

// Key returns the registry lookup key for the token.
func (t Token) Key() string {
	return fmt.Sprintf("%d:%s", t.ChainID, t.Address.Hex())
}

// ToUnits converts a decimal token amount into integer chain units.
func (t Token) ToUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(int32(t.Decimals)).Truncate(0)
}

// FromUnits converts integer chain units into a decimal token amount.
func (t Token) FromUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-int32(t.Decimals))
}

// PoolKind tags the protocol variant of a liquidity pool.
type PoolKind string

const (
	PoolKindV2       PoolKind = "v2"
	PoolKindV3       PoolKind = "v3"
	PoolKindCurve    PoolKind = "curve"
	PoolKindBalancer PoolKind = "balancer"
)

// V2Params holds constant-product pool parameters.
type V2Params struct {
	FeeBps decimal.Decimal `json:"fee_bps"`
}

// V3Params holds concentrated-liquidity pool parameters.
type V3Params struct {
	FeePips     decimal.Decimal `json:"fee_pips"` // fee in hundredths of a bps (e.g. 3000 = 0.3%)
	TickSpacing int32           `json:"tick_spacing"`
}

// CurveParams holds stable-swap pool parameters.
type CurveParams struct {
	Amplification decimal.Decimal `json:"amplification"`
	FeeBps        decimal.Decimal `json:"fee_bps"`
	// TokenIndex maps token addresses to their coin index in the pool.
	TokenIndex map[string]int `json:"token_index"`
}

// BalancerParams holds weighted pool parameters.
type BalancerParams struct {
	SwapFeeBps decimal.Decimal `json:"swap_fee_bps"`
	// Weights maps token addresses to normalized weights summing to 1.
	Weights map[string]decimal.Decimal `json:"weights"`
}

// Pool represents a liquidity pool on one chain. Exactly one of the params
// fields matching Kind is set. Immutable after load.
type Pool struct {
	ID       string         `json:"id"`
	Kind     PoolKind       `json:"kind"`
	ChainID  uint64         `json:"chain_id"`
	Address  common.Address `json:"address"`
	Tokens   []Token        `json:"tokens"`
	V2       *V2Params       `json:"v2,omitempty"`
	V3       *V3Params       `json:"v3,omitempty"`
	Curve    *CurveParams    `json:"curve,omitempty"`
	Balancer *BalancerParams `json:"balancer,omitempty"`
}

// HasToken reports whether the pool trades the given token.
func (p *Pool) HasToken(addr common.Address) bool {
	for _, t := range p.Tokens {
		if t.Address == addr {
			return true
		}
	}
	return false
}

// PoolState is the protocol-specific on-chain state of a pool as of a block.
// Exactly one of the variant fields matching the pool kind is set.
type PoolState struct {
	PoolID      string    `json:"pool_id"`
	BlockNumber uint64    `json:"block_number"`
	ObservedAt  time.Time `json:"observed_at"`

	V2       *V2State       `json:"v2,omitempty"`
	V3       *V3State       `json:"v3,omitempty"`
	Curve    *CurveState    `json:"curve,omitempty"`
	Balancer *BalancerState `json:"balancer,omitempty"`
}

// V2State holds constant-product reserves in token units.
type V2State struct {
	Reserve0 decimal.Decimal `json:"reserve0"`
	Reserve1 decimal.Decimal `json:"reserve1"`
}

// V3State holds the observable slot0 state plus in-range liquidity.
type V3State struct {
	SqrtPriceX96 decimal.Decimal `json:"sqrt_price_x96"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	Tick         int32           `json:"tick"`
}

// CurveState holds per-coin balances in token units.
type CurveState struct {
	Balances []decimal.Decimal `json:"balances"`
}

// BalancerState holds per-token balances keyed by token address.
type BalancerState struct {
	Balances map[string]decimal.Decimal `json:"balances"`
}

// Quote is the priced output of a single swap hop. Valid only as of
// BlockNumber; consumers must check the freshness window.
type Quote struct {
	PoolID         string          `json:"pool_id"`
	ChainID        uint64          `json:"chain_id"`
	TokenIn        Token           `json:"token_in"`
	TokenOut       Token           `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	DepthUsed      decimal.Decimal `json:"depth_used"`
	BlockNumber    uint64          `json:"block_number"`
	ObservedAt     time.Time       `json:"observed_at"`
}

// HopKind tags a route hop as a swap or a cross-chain bridge transfer.
type HopKind string

const (
	HopKindSwap   HopKind = "swap"
	HopKindBridge HopKind = "bridge"
)

// Hop is one step of a route. Swap hops carry the quote that priced them;
// bridge hops carry the bridge fee in the bridged token.
type Hop struct {
	Kind HopKind `json:"kind"`

	Swap *Quote `json:"swap,omitempty"`

	Bridge *BridgeHop `json:"bridge,omitempty"`
}

// BridgeHop describes moving a token between chains.
type BridgeHop struct {
	Token       Token           `json:"token"`
	FromChainID uint64          `json:"from_chain_id"`
	ToChainID   uint64          `json:"to_chain_id"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Provider    string          `json:"provider"`
}

// Route is an ordered sequence of hops forming a closed cycle in canonical
// token space. SourceBlocks binds the route to the block it was priced at on
// each touched chain.
type Route struct {
	Hops         []Hop             `json:"hops"`
	SourceBlocks map[uint64]uint64 `json:"source_blocks"`
}

// StartToken returns the input token of the first hop.
func (r *Route) StartToken() (Token, error) {
	if len(r.Hops) == 0 {
		return Token{}, fmt.Errorf("route has no hops")
	}
	h := r.Hops[0]
	switch h.Kind {
	case HopKindSwap:
		return h.Swap.TokenIn, nil
	case HopKindBridge:
		return h.Bridge.Token, nil
	}
	return Token{}, fmt.Errorf("unknown hop kind %q", h.Kind)
}

// EndToken returns the output token of the last hop.
func (r *Route) EndToken() (Token, error) {
	if len(r.Hops) == 0 {
		return Token{}, fmt.Errorf("route has no hops")
	}
	h := r.Hops[len(r.Hops)-1]
	switch h.Kind {
	case HopKindSwap:
		return h.Swap.TokenOut, nil
	case HopKindBridge:
		return h.Bridge.Token, nil
	}
	return Token{}, fmt.Errorf("unknown hop kind %q", h.Kind)
}

// IsClosed reports whether the route begins and ends in the same canonical
// token, the condition for flash-loan repayability.
func (r *Route) IsClosed() bool {
	start, err := r.StartToken()
	if err != nil {
		return false
	}
	end, err := r.EndToken()
	if err != nil {
		return false
	}
	return start.CanonicalID == end.CanonicalID
}

// SwapHops returns the number of swap hops in the route.
func (r *Route) SwapHops() int {
	n := 0
	for _, h := range r.Hops {
		if h.Kind == HopKindSwap {
			n++
		}
	}
	return n
}

// Chains returns the distinct chain ids touched by the route.
func (r *Route) Chains() []uint64 {
	seen := make(map[uint64]bool)
	var chains []uint64
	for _, h := range r.Hops {
		switch h.Kind {
		case HopKindSwap:
			if !seen[h.Swap.ChainID] {
				seen[h.Swap.ChainID] = true
				chains = append(chains, h.Swap.ChainID)
			}
		case HopKindBridge:
			for _, id := range []uint64{h.Bridge.FromChainID, h.Bridge.ToChainID} {
				if !seen[id] {
					seen[id] = true
					chains = append(chains, id)
				}
			}
		}
	}
	return chains
}

// FeeBreakdown itemizes everything subtracted between gross output and net
// profit. The components must reconcile exactly against the opportunity.
type FeeBreakdown struct {
	FlashLoanFeeUSD    decimal.Decimal `json:"flash_loan_fee_usd"`
	GasCostUSD         decimal.Decimal `json:"gas_cost_usd"`
	BridgeFeeUSD       decimal.Decimal `json:"bridge_fee_usd"`
	SlippageReserveUSD decimal.Decimal `json:"slippage_reserve_usd"`
}

// Total returns the sum of all fee components.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.FlashLoanFeeUSD.Add(f.GasCostUSD).Add(f.BridgeFeeUSD).Add(f.SlippageReserveUSD)
}

// Opportunity is a profitable route candidate produced by the profit engine.
type Opportunity struct {
	Route          Route           `json:"route"`
	InputAmount    decimal.Decimal `json:"input_amount"`
	InputAmountUSD decimal.Decimal `json:"input_amount_usd"`
	GrossOutUSD    decimal.Decimal `json:"gross_out_usd"`
	GrossSpreadUSD decimal.Decimal `json:"gross_spread_usd"`
	Fees           FeeBreakdown    `json:"fees"`
	NetProfitUSD   decimal.Decimal `json:"net_profit_usd"`
	Confidence     decimal.Decimal `json:"confidence"`
}
