package pricing

import (
	"sync"

	"github.com/vegas-max/titan/pkg/models"
)

// cacheDepthBlocks is how many blocks a cached pool state stays valid.
const cacheDepthBlocks = 2

// StateCache caches pool states keyed by (pool, block). Entries older than
// two blocks behind the latest stored head are evicted.
type StateCache struct {
	mu      sync.RWMutex
	entries map[string]map[uint64]*models.PoolState
	heads   map[uint64]uint64 // chain id → highest block seen
	chainOf map[string]uint64
}

// NewStateCache creates an empty state cache.
func NewStateCache() *StateCache {
	return &StateCache{
		entries: make(map[string]map[uint64]*models.PoolState),
		heads:   make(map[uint64]uint64),
		chainOf: make(map[string]uint64),
	}
}

// Put stores a pool state and evicts stale entries on the same chain.
func (c *StateCache) Put(chainID uint64, state *models.PoolState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byBlock, ok := c.entries[state.PoolID]
	if !ok {
		byBlock = make(map[uint64]*models.PoolState)
		c.entries[state.PoolID] = byBlock
	}
	byBlock[state.BlockNumber] = state
	c.chainOf[state.PoolID] = chainID

	if state.BlockNumber > c.heads[chainID] {
		c.heads[chainID] = state.BlockNumber
	}
	c.evictLocked(chainID)
}

// Get returns the cached state for a pool at an exact block.
func (c *StateCache) Get(poolID string, block uint64) (*models.PoolState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byBlock, ok := c.entries[poolID]
	if !ok {
		return nil, false
	}
	state, ok := byBlock[block]
	return state, ok
}

// Latest returns the freshest cached state for a pool, if it is still within
// the cache depth of the chain head.
func (c *StateCache) Latest(poolID string) (*models.PoolState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byBlock, ok := c.entries[poolID]
	if !ok {
		return nil, false
	}
	var best *models.PoolState
	for _, state := range byBlock {
		if best == nil || state.BlockNumber > best.BlockNumber {
			best = state
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func (c *StateCache) evictLocked(chainID uint64) {
	head := c.heads[chainID]
	if head < cacheDepthBlocks {
		return
	}
	floor := head - cacheDepthBlocks
	for poolID, byBlock := range c.entries {
		if c.chainOf[poolID] != chainID {
			continue
		}
		for block := range byBlock {
			if block < floor {
				delete(byBlock, block)
			}
		}
		if len(byBlock) == 0 {
			delete(c.entries, poolID)
			delete(c.chainOf, poolID)
		}
	}
}
