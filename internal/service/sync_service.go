package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
	"github.com/surething-project/SmartSpace-sub004/internal/util/workerpool"
)

// DeltaFetcher retrieves the changes of a remote agent since fromHash. An
// empty fromHash asks for a full update.
type DeltaFetcher interface {
	FetchDelta(ctx context.Context, agentID, fromHash string) (*model.IncrementalUpdate, error)
}

// DeltaFetcherFunc adapts a function to DeltaFetcher
type DeltaFetcherFunc func(ctx context.Context, agentID, fromHash string) (*model.IncrementalUpdate, error)

// FetchDelta calls f
func (f DeltaFetcherFunc) FetchDelta(ctx context.Context, agentID, fromHash string) (*model.IncrementalUpdate, error) {
	return f(ctx, agentID, fromHash)
}

// ApplyResult is what applying one remote update did
type ApplyResult string

const (
	ApplyApplied ApplyResult = "applied"
	ApplyParked  ApplyResult = "parked"
	ApplyStale   ApplyResult = "stale"
)

// SyncService keeps the local view of remote agents in step with their
// advertised repository hashes
type SyncService struct {
	fetcher DeltaFetcher
	updates *UpdateCache
	cache   *NodeCache
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	known map[string]string
}

var _ SyncTrigger = (*SyncService)(nil)

// NewSyncService creates a sync service running fetches on pool
func NewSyncService(fetcher DeltaFetcher, updates *UpdateCache, cache *NodeCache, pool *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) *SyncService {
	return &SyncService{
		fetcher: fetcher,
		updates: updates,
		cache:   cache,
		pool:    pool,
		metrics: m,
		logger:  logger,
		known:   make(map[string]string),
	}
}

// SetFetcher replaces the delta fetcher (called once the transport that
// reaches remote agents is available)
func (s *SyncService) SetFetcher(fetcher DeltaFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = fetcher
}

// KnownHash returns the last applied hash of agentID
func (s *SyncService) KnownHash(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[agentID]
}

// Forget drops everything known about agentID
func (s *SyncService) Forget(agentID string) {
	s.mu.Lock()
	delete(s.known, agentID)
	s.mu.Unlock()

	s.cache.InvalidateSubtree(util.AgentRoot(agentID))
}

// CheckKORUpdate compares remoteHash with the last applied hash of agentID.
// Parked updates that chain from the local state are applied first; if the
// hashes still differ a delta fetch is queued.
func (s *SyncService) CheckKORUpdate(ctx context.Context, agentID, remoteHash string) {
	s.mu.Lock()
	if s.known[agentID] == remoteHash {
		s.mu.Unlock()
		return
	}
	s.drainLocked(agentID)
	from := s.known[agentID]
	fetcher := s.fetcher
	s.mu.Unlock()

	if from == remoteHash {
		return
	}
	if fetcher == nil {
		s.logger.Debug("No delta fetcher configured, remote change not pulled",
			zap.String("agent_id", agentID),
			zap.String("remote_hash", remoteHash))
		return
	}

	queued := s.pool.Submit(workerpool.Job{
		Key: agentID,
		Run: func(ctx context.Context) error {
			return s.fetch(ctx, fetcher, agentID, from)
		},
	})
	if !queued {
		s.logger.Debug("Delta fetch already pending or rejected",
			zap.String("agent_id", agentID))
	}
}

func (s *SyncService) fetch(ctx context.Context, fetcher DeltaFetcher, agentID, from string) error {
	update, err := fetcher.FetchDelta(ctx, agentID, from)
	if err != nil {
		s.countFetch("failed")
		return err
	}
	if update == nil {
		s.countFetch("empty")
		return nil
	}
	if update.AgentID == "" {
		update.AgentID = agentID
	}
	s.countFetch("ok")
	s.Apply(update)
	return nil
}

func (s *SyncService) countFetch(outcome string) {
	if s.metrics != nil {
		s.metrics.SyncFetchesTotal.WithLabelValues(outcome).Inc()
	}
}

// Apply applies update when it starts from the known hash of its agent or
// is a full update, and parks it otherwise
func (s *SyncService) Apply(update *model.IncrementalUpdate) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.known[update.AgentID]
	switch {
	case !update.IsIncremental():
		s.cache.InvalidateSubtree(util.AgentRoot(update.AgentID))
	case update.FromHash == local:
		for _, addr := range update.Changed {
			s.cache.InvalidateSubtree(addr)
		}
	case update.ToHash == local:
		return ApplyStale
	default:
		s.updates.Add(update)
		s.logger.Debug("Parked update with unknown baseline",
			zap.String("agent_id", update.AgentID),
			zap.String("from_hash", update.FromHash),
			zap.String("local_hash", local))
		return ApplyParked
	}

	s.known[update.AgentID] = update.ToHash
	s.applied(update)
	s.drainLocked(update.AgentID)
	return ApplyApplied
}

// drainLocked applies parked updates chaining from the known hash. Callers hold s.mu.
func (s *SyncService) drainLocked(agentID string) {
	for {
		next := s.updates.GetUpdate(agentID, s.known[agentID])
		if next == nil {
			return
		}
		for _, addr := range next.Changed {
			s.cache.InvalidateSubtree(addr)
		}
		s.known[agentID] = next.ToHash
		s.applied(next)
	}
}

func (s *SyncService) applied(update *model.IncrementalUpdate) {
	if s.metrics != nil {
		s.metrics.UpdatesAppliedTotal.Inc()
	}
	s.logger.Debug("Applied remote update",
		zap.String("agent_id", update.AgentID),
		zap.String("from_hash", update.FromHash),
		zap.String("to_hash", update.ToHash),
		zap.Int("changed", len(update.Changed)),
		zap.Bool("full", !update.IsIncremental()))
}
