package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

const updateKeySeparator = "?"

// UpdateCache parks incremental updates whose baseline hash does not match
// the receiver's state yet
type UpdateCache struct {
	config  *UpdateCacheConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*model.CachedUpdate
}

// UpdateCacheConfig holds update cache configuration
type UpdateCacheConfig struct {
	MaxCacheTime   time.Duration
	ValidityPeriod time.Duration
}

// NewUpdateCache creates an empty update cache
func NewUpdateCache(cfg *UpdateCacheConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *UpdateCache {
	if clk == nil {
		clk = clock.New()
	}
	return &UpdateCache{
		config:  cfg,
		clock:   clk,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*model.CachedUpdate),
	}
}

func updateKey(agentID, fromHash string) string {
	return agentID + updateKeySeparator + fromHash
}

// Add stores update under its agent and baseline hash, replacing any
// previous one. Full updates are ignored.
func (c *UpdateCache) Add(update *model.IncrementalUpdate) {
	if update == nil || update.FromHash == model.EmptyHash {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[updateKey(update.AgentID, update.FromHash)] = &model.CachedUpdate{
		Update:     update,
		ReceivedAt: c.clock.Now(),
	}
	c.observe()

	c.logger.Debug("Parked out-of-order update",
		zap.String("agent_id", update.AgentID),
		zap.String("from_hash", update.FromHash),
		zap.String("to_hash", update.ToHash))
}

// GetUpdate removes and returns the update of agentID based on currentHash,
// or nil when there is none
func (c *UpdateCache) GetUpdate(agentID, currentHash string) *model.IncrementalUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := updateKey(agentID, currentHash)
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	delete(c.entries, key)
	c.observe()
	return entry.Update
}

// Len returns the number of parked updates
func (c *UpdateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops entries older than MaxCacheTime and returns how many
func (c *UpdateCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-c.config.MaxCacheTime)
	removed := 0
	for key, entry := range c.entries {
		if entry.ReceivedAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		if c.metrics != nil {
			c.metrics.UpdatesExpired.Add(float64(removed))
		}
		c.observe()
		c.logger.Debug("Swept expired updates", zap.Int("removed", removed))
	}
	return removed
}

// SweepInterval is the period of the background sweep
func (c *UpdateCache) SweepInterval() time.Duration {
	interval := c.config.ValidityPeriod / 10
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Run sweeps periodically until ctx is cancelled
func (c *UpdateCache) Run(ctx context.Context) error {
	ticker := c.clock.Ticker(c.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *UpdateCache) observe() {
	if c.metrics != nil {
		c.metrics.UpdatesParked.Set(float64(len(c.entries)))
	}
}
