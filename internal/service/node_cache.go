package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/policy"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

// NodeCache is a read cache of nodes owned by other agents. The meta-cache
// holds the bookkeeping the replacement policy consumes, the data cache holds
// the node copies. Both live behind one mutex.
type NodeCache struct {
	config  *NodeCacheConfig
	policy  policy.Policy
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	meta      map[string]*model.CachedNode
	data      map[string]*model.Node
	size      int64
	seq       uint64
	hits      uint64
	misses    uint64
	evictions uint64
}

// NodeCacheConfig holds node cache configuration
type NodeCacheConfig struct {
	AgentID         string
	Enabled         bool
	MaxSize         int64
	LowWatermark    float64
	CleanerInterval time.Duration
}

// NodeCacheStats holds node cache statistics
type NodeCacheStats struct {
	Entries      int
	Size         int64
	MaxSize      int64
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	UsagePercent float64
}

// NewNodeCache creates a node cache evicting with pol
func NewNodeCache(cfg *NodeCacheConfig, pol policy.Policy, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *NodeCache {
	if clk == nil {
		clk = clock.New()
	}
	if pol == nil {
		pol = policy.LRU()
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > 1 {
		cfg.LowWatermark = 0.8
	}
	return &NodeCache{
		config:  cfg,
		policy:  pol,
		clock:   clk,
		metrics: m,
		logger:  logger,
		meta:    make(map[string]*model.CachedNode),
		data:    make(map[string]*model.Node),
	}
}

// isRemote reports whether address may be sourced from another agent
func (c *NodeCache) isRemote(address string) bool {
	if address == util.RootAddress || address == "" {
		return false
	}
	return !util.InSubtree(address, util.AgentRoot(c.config.AgentID))
}

func cacheable(n *model.Node) bool {
	return !n.CacheHint.NoCache && !n.Capabilities.Has(model.CapabilityVirtual)
}

// CacheNode stores the cacheable nodes of tree that lie in the subtree of
// address. Local and root addresses are never cached.
func (c *NodeCache) CacheNode(address string, tree model.NodeTree) int {
	if !c.config.Enabled || !c.isRemote(address) {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stored := 0
	for addr, n := range tree {
		if n == nil || !util.InSubtree(addr, address) || !c.isRemote(addr) || !cacheable(n) {
			continue
		}
		c.store(addr, n.Clone(), now)
		stored++
	}
	c.observe()
	return stored
}

// store inserts or refreshes one entry. Callers hold c.mu.
func (c *NodeCache) store(address string, n *model.Node, now time.Time) {
	size := n.Size()
	entry, ok := c.meta[address]
	if ok {
		c.size -= entry.Size
		entry.Size = size
	} else {
		c.seq++
		entry = model.NewCachedNode(address, size, now, c.seq)
		c.meta[address] = entry
	}
	if ttl := n.CacheHint.TTL; ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	} else {
		entry.ExpiresAt = time.Time{}
	}
	c.data[address] = n
	c.size += size
}

// remove drops one entry from both caches. Callers hold c.mu.
func (c *NodeCache) remove(address string) bool {
	entry, ok := c.meta[address]
	if !ok {
		return false
	}
	c.size -= entry.Size
	delete(c.meta, address)
	delete(c.data, address)
	return true
}

// lookup returns a valid entry, dropping it when expired. Callers hold c.mu.
func (c *NodeCache) lookup(address string, now time.Time) (*model.Node, bool) {
	entry, ok := c.meta[address]
	if !ok {
		return nil, false
	}
	if !entry.IsValid(now) {
		c.remove(address)
		return nil, false
	}
	n, ok := c.data[address]
	if !ok {
		c.remove(address)
		return nil, false
	}
	entry.Touch(now)
	return n, true
}

// GetCachedNode returns a copy of the cached node at address, or nil
func (c *NodeCache) GetCachedNode(address, identity string) *model.Node {
	if !c.config.Enabled || !c.isRemote(address) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.lookup(address, c.clock.Now())
	c.record(ok)
	if !ok {
		c.logger.Debug("Node cache miss",
			zap.String("address", address),
			zap.String("identity", identity))
		return nil
	}
	return n.Clone()
}

// GetCachedSubtree returns copies of every cached node in the subtree of
// address, or nil when address itself is not cached
func (c *NodeCache) GetCachedSubtree(address, identity string) model.NodeTree {
	if !c.config.Enabled || !c.isRemote(address) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	root, ok := c.lookup(address, now)
	c.record(ok)
	if !ok {
		return nil
	}

	tree := model.NodeTree{address: root.Clone()}
	for addr := range c.meta {
		if !util.IsAncestor(address, addr) {
			continue
		}
		if n, ok := c.lookup(addr, now); ok {
			tree[addr] = n.Clone()
		}
	}
	c.logger.Debug("Node cache hit",
		zap.String("address", address),
		zap.String("identity", identity),
		zap.Int("nodes", len(tree)))
	return tree
}

func (c *NodeCache) record(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// HandleSet invalidates every cached node of tree, within the subtree of
// address, whose value differs from the cached copy
func (c *NodeCache) HandleSet(address string, tree model.NodeTree) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, n := range tree {
		if n == nil || !util.InSubtree(addr, address) {
			continue
		}
		cached, ok := c.data[addr]
		if !ok || cached.Value == n.Value {
			continue
		}
		if c.remove(addr) {
			removed++
		}
	}
	c.invalidated(removed)
	return removed
}

// HandleNotification invalidates address and its cached direct children
func (c *NodeCache) HandleNotification(address string) int {
	if !c.config.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if c.remove(address) {
		removed++
	}
	for addr := range c.meta {
		if util.IsDirectChild(addr, address) && c.remove(addr) {
			removed++
		}
	}
	c.invalidated(removed)
	c.logger.Debug("Subtree change notification",
		zap.String("address", address),
		zap.Int("invalidated", removed))
	return removed
}

// InvalidateSubtree drops address and every cached descendant
func (c *NodeCache) InvalidateSubtree(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr := range c.meta {
		if util.InSubtree(addr, address) && c.remove(addr) {
			removed++
		}
	}
	c.invalidated(removed)
	return removed
}

func (c *NodeCache) invalidated(n int) {
	if n == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.CacheInvalidations.Add(float64(n))
	}
	c.observe()
}

// Cleanup drops expired entries, then evicts with the replacement policy
// down to the low watermark when the cache exceeds its maximum size.
// Returns the number of entries removed.
func (c *NodeCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for addr, entry := range c.meta {
		if !entry.IsValid(now) && c.remove(addr) {
			removed++
		}
	}

	if c.size > c.config.MaxSize {
		target := c.size - int64(float64(c.config.MaxSize)*c.config.LowWatermark)
		snapshot := make([]*model.CachedNode, 0, len(c.meta))
		for _, entry := range c.meta {
			snapshot = append(snapshot, entry)
		}

		victims := c.policy.SelectVictims(snapshot, target)
		evicted := 0
		for _, addr := range victims {
			if c.remove(addr) {
				evicted++
			}
		}
		c.evictions += uint64(evicted)
		removed += evicted
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.Add(float64(evicted))
		}
		c.logger.Debug("Evicted cached nodes",
			zap.String("policy", c.policy.Name()),
			zap.Int("evicted", evicted),
			zap.Int64("target_bytes", target),
			zap.Int64("size", c.size))
	}

	c.observe()
	return removed
}

// RunCleaner runs Cleanup every CleanerInterval until ctx is cancelled
func (c *NodeCache) RunCleaner(ctx context.Context) error {
	if !c.config.Enabled || c.config.CleanerInterval <= 0 {
		return nil
	}

	ticker := c.clock.Ticker(c.config.CleanerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Stats returns node cache statistics
func (c *NodeCache) Stats() NodeCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := NodeCacheStats{
		Entries:   len(c.meta),
		Size:      c.size,
		MaxSize:   c.config.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if c.config.MaxSize > 0 {
		stats.UsagePercent = float64(c.size) / float64(c.config.MaxSize) * 100
	}
	return stats
}

func (c *NodeCache) observe() {
	if c.metrics != nil {
		c.metrics.CacheSizeBytes.Set(float64(c.size))
		c.metrics.CacheEntries.Set(float64(len(c.meta)))
	}
}
