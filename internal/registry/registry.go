// Package registry loads the static token, pool and flash-loan provider
// metadata at boot. The registry is immutable afterwards and shared without
// locks.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vegas-max/titan/pkg/models"
)

// FlashLoanProvider describes one flash-loan source the executor contract can
// draw from.
type FlashLoanProvider struct {
	ID           string          `json:"id"`
	ChainID      uint64          `json:"chain_id"`
	VaultAddress common.Address  `json:"vault_address"`
	FeeBps       decimal.Decimal `json:"fee_bps"`
	Rank         int             `json:"rank"`
}

// File is the on-disk registry layout.
type File struct {
	Tokens    []models.Token      `json:"tokens"`
	Pools     []models.Pool       `json:"pools"`
	Providers []FlashLoanProvider `json:"flash_loan_providers"`
	// Anchors lists the symbols the scanner starts cycle enumeration from,
	// per chain id (stringified for JSON).
	Anchors map[string][]string `json:"anchors"`
	// Natives maps chain ids to the canonical id pricing the chain's gas
	// token.
	Natives map[string]string `json:"natives"`
}

// Registry offers lookups over the loaded metadata.
type Registry struct {
	tokens    []models.Token
	pools     []models.Pool
	providers []FlashLoanProvider

	byAddress   map[string]models.Token
	bySymbol    map[string]models.Token
	byCanonical map[string][]models.Token
	poolsByID   map[string]*models.Pool
	poolsChain  map[uint64][]*models.Pool
	provByID    map[string]FlashLoanProvider
	provChain   map[uint64][]FlashLoanProvider
	anchors     map[uint64][]models.Token
	natives     map[uint64]string
}

// Load reads and indexes the registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	return New(file)
}

// New builds a registry from an already-parsed file.
func New(file File) (*Registry, error) {
	r := &Registry{
		tokens:      file.Tokens,
		pools:       file.Pools,
		providers:   file.Providers,
		byAddress:   make(map[string]models.Token),
		bySymbol:    make(map[string]models.Token),
		byCanonical: make(map[string][]models.Token),
		poolsByID:   make(map[string]*models.Pool),
		poolsChain:  make(map[uint64][]*models.Pool),
		provByID:    make(map[string]FlashLoanProvider),
		provChain:   make(map[uint64][]FlashLoanProvider),
		anchors:     make(map[uint64][]models.Token),
		natives:     make(map[uint64]string),
	}

	for _, t := range file.Tokens {
		if t.Decimals > 30 {
			return nil, fmt.Errorf("token %s has %d decimals, maximum is 30", t.Symbol, t.Decimals)
		}
		if t.CanonicalID == "" {
			return nil, fmt.Errorf("token %s on chain %d has no canonical id", t.Symbol, t.ChainID)
		}
		key := addressKey(t.ChainID, t.Address)
		if _, dup := r.byAddress[key]; dup {
			return nil, fmt.Errorf("duplicate token %s on chain %d", t.Address.Hex(), t.ChainID)
		}
		r.byAddress[key] = t
		r.bySymbol[symbolKey(t.ChainID, t.Symbol)] = t
		r.byCanonical[t.CanonicalID] = append(r.byCanonical[t.CanonicalID], t)
	}

	for i := range file.Pools {
		p := &r.pools[i]
		if err := validatePool(p); err != nil {
			return nil, err
		}
		for _, t := range p.Tokens {
			if _, ok := r.byAddress[addressKey(t.ChainID, t.Address)]; !ok {
				return nil, fmt.Errorf("pool %s references unknown token %s", p.ID, t.Address.Hex())
			}
		}
		if _, dup := r.poolsByID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pool id %s", p.ID)
		}
		r.poolsByID[p.ID] = p
		r.poolsChain[p.ChainID] = append(r.poolsChain[p.ChainID], p)
	}

	for _, prov := range file.Providers {
		if prov.FeeBps.IsNegative() {
			return nil, fmt.Errorf("provider %s has negative fee", prov.ID)
		}
		if _, dup := r.provByID[prov.ID]; dup {
			return nil, fmt.Errorf("duplicate flash loan provider %s", prov.ID)
		}
		r.provByID[prov.ID] = prov
		r.provChain[prov.ChainID] = append(r.provChain[prov.ChainID], prov)
	}

	// Zero-fee providers must outrank every nonzero-fee provider on the same
	// chain.
	for chainID, provs := range r.provChain {
		sort.Slice(provs, func(i, j int) bool { return provs[i].Rank < provs[j].Rank })
		for _, a := range provs {
			if !a.FeeBps.IsZero() {
				continue
			}
			for _, b := range provs {
				if b.FeeBps.IsPositive() && b.Rank <= a.Rank {
					return nil, fmt.Errorf(
						"provider ranking on chain %d: zero-fee %s must rank above %s", chainID, a.ID, b.ID)
				}
			}
		}
	}

	for chainStr, symbols := range file.Anchors {
		var chainID uint64
		if _, err := fmt.Sscanf(chainStr, "%d", &chainID); err != nil {
			return nil, fmt.Errorf("invalid anchor chain id %q", chainStr)
		}
		for _, sym := range symbols {
			tok, ok := r.bySymbol[symbolKey(chainID, sym)]
			if !ok {
				return nil, fmt.Errorf("anchor %s is not a registered token on chain %d", sym, chainID)
			}
			r.anchors[chainID] = append(r.anchors[chainID], tok)
		}
	}

	for chainStr, canonical := range file.Natives {
		var chainID uint64
		if _, err := fmt.Sscanf(chainStr, "%d", &chainID); err != nil {
			return nil, fmt.Errorf("invalid native chain id %q", chainStr)
		}
		r.natives[chainID] = canonical
	}

	return r, nil
}

func validatePool(p *models.Pool) error {
	if len(p.Tokens) < 2 {
		return fmt.Errorf("pool %s needs at least two tokens", p.ID)
	}
	var set int
	if p.V2 != nil {
		set++
	}
	if p.V3 != nil {
		set++
	}
	if p.Curve != nil {
		set++
	}
	if p.Balancer != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("pool %s must carry exactly one parameter variant", p.ID)
	}
	switch p.Kind {
	case models.PoolKindV2:
		if p.V2 == nil {
			return fmt.Errorf("pool %s tagged v2 without v2 params", p.ID)
		}
	case models.PoolKindV3:
		if p.V3 == nil {
			return fmt.Errorf("pool %s tagged v3 without v3 params", p.ID)
		}
	case models.PoolKindCurve:
		if p.Curve == nil {
			return fmt.Errorf("pool %s tagged curve without curve params", p.ID)
		}
	case models.PoolKindBalancer:
		if p.Balancer == nil {
			return fmt.Errorf("pool %s tagged balancer without balancer params", p.ID)
		}
	default:
		return fmt.Errorf("pool %s has unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

// TokenByAddress looks a token up by chain and address.
func (r *Registry) TokenByAddress(chainID uint64, addr common.Address) (models.Token, bool) {
	t, ok := r.byAddress[addressKey(chainID, addr)]
	return t, ok
}

// TokenBySymbol looks a token up by chain and symbol.
func (r *Registry) TokenBySymbol(chainID uint64, symbol string) (models.Token, bool) {
	t, ok := r.bySymbol[symbolKey(chainID, symbol)]
	return t, ok
}

// Equivalents returns all tokens sharing the canonical id, across chains.
func (r *Registry) Equivalents(canonicalID string) []models.Token {
	return r.byCanonical[canonicalID]
}

// Pool returns a pool by id.
func (r *Registry) Pool(id string) (*models.Pool, bool) {
	p, ok := r.poolsByID[id]
	return p, ok
}

// PoolsOnChain returns every pool on the given chain.
func (r *Registry) PoolsOnChain(chainID uint64) []*models.Pool {
	return r.poolsChain[chainID]
}

// Provider returns a flash-loan provider by id.
func (r *Registry) Provider(id string) (FlashLoanProvider, bool) {
	p, ok := r.provByID[id]
	return p, ok
}

// ProvidersOnChain returns the chain's providers in preference order.
func (r *Registry) ProvidersOnChain(chainID uint64) []FlashLoanProvider {
	return r.provChain[chainID]
}

// BestProvider returns the top-ranked provider on a chain.
func (r *Registry) BestProvider(chainID uint64) (FlashLoanProvider, bool) {
	provs := r.provChain[chainID]
	if len(provs) == 0 {
		return FlashLoanProvider{}, false
	}
	return provs[0], true
}

// NativeCanonical returns the canonical id pricing a chain's gas token.
func (r *Registry) NativeCanonical(chainID uint64) (string, bool) {
	id, ok := r.natives[chainID]
	return id, ok
}

// Anchors returns the scanner's anchor tokens on a chain.
func (r *Registry) Anchors(chainID uint64) []models.Token {
	return r.anchors[chainID]
}

// Tokens returns all registered tokens.
func (r *Registry) Tokens() []models.Token {
	return r.tokens
}

func addressKey(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(addr.Hex()))
}

func symbolKey(chainID uint64, symbol string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToUpper(symbol))
}
