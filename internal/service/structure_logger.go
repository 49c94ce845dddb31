package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

// StructureLogger records structural changes under hash-labeled log points
// and answers which subtrees changed since a given hash.
//
// Changes are logged into the current point, which is keyed by the hash that
// was current when the changes started. Publishing the next hash seals it.
// A point therefore holds exactly the changes that lead from its hash to the
// next one.
type StructureLogger struct {
	config  *StructureLoggerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	points []*model.LogPoint
	index  map[string]*model.LogPoint
}

// StructureLoggerConfig holds structure log configuration
type StructureLoggerConfig struct {
	AgentID   string
	Retention int
}

// NewStructureLogger creates an inactive structure logger
func NewStructureLogger(cfg *StructureLoggerConfig, m *metrics.Metrics, logger *zap.Logger) *StructureLogger {
	if cfg.Retention <= 0 {
		cfg.Retention = 1000
	}
	return &StructureLogger{
		config:  cfg,
		metrics: m,
		logger:  logger,
		index:   make(map[string]*model.LogPoint),
	}
}

// Activate discards any history and seeds the log with one empty point
func (s *StructureLogger) Activate(initialHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := &model.LogPoint{Hash: initialHash}
	s.points = []*model.LogPoint{first}
	s.index = map[string]*model.LogPoint{initialHash: first}
	s.observe()

	s.logger.Info("Structure log activated", zap.String("hash", initialHash))
}

// LogChangedAddress appends address to the current point
func (s *StructureLogger) LogChangedAddress(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) == 0 {
		s.logger.Warn("Change logged before activation", zap.String("address", address))
		return
	}
	current := s.points[len(s.points)-1]
	current.Changed = append(current.Changed, address)
}

// NewLogpointHash seals the current point and starts one keyed by hash.
// Returns false without changes when hash is already known.
func (s *StructureLogger) NewLogpointHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[hash]; exists {
		s.logger.Debug("Log point already exists", zap.String("hash", hash))
		return false
	}

	point := &model.LogPoint{Hash: hash}
	s.points = append(s.points, point)
	s.index[hash] = point

	for len(s.points) > s.config.Retention {
		oldest := s.points[0]
		s.points[0] = nil
		s.points = s.points[1:]
		delete(s.index, oldest.Hash)
	}

	if s.metrics != nil {
		s.metrics.LogPointsTotal.Inc()
	}
	s.observe()
	return true
}

// GetChangeLogSinceHash returns the collapsed set of addresses changed since
// fromHash was current, in first-seen order. The in-progress point is not
// included. An unknown hash yields the agent root, meaning a full resync.
func (s *StructureLogger) GetChangeLogSinceHash(fromHash string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := -1
	for i, p := range s.points {
		if p.Hash == fromHash {
			start = i
			break
		}
	}
	if start < 0 {
		s.logger.Debug("Unknown log point, full resync required",
			zap.String("from_hash", fromHash))
		return []string{s.FullResyncAddress()}
	}

	var changed []string
	for _, p := range s.points[start : len(s.points)-1] {
		for _, addr := range p.Changed {
			changed = collapse(changed, addr)
		}
	}
	return changed
}

// collapse adds address to changed unless an ancestor is already present,
// dropping any descendants it subsumes
func collapse(changed []string, address string) []string {
	for _, existing := range changed {
		if util.InSubtree(address, existing) {
			return changed
		}
	}
	kept := changed[:0]
	for _, existing := range changed {
		if !util.IsAncestor(address, existing) {
			kept = append(kept, existing)
		}
	}
	return append(kept, address)
}

// FullResyncAddress is the sentinel entry signaling a full resync
func (s *StructureLogger) FullResyncAddress() string {
	return util.AgentRoot(s.config.AgentID)
}

// IsFullResync reports whether a change log is the full resync sentinel
func (s *StructureLogger) IsFullResync(changed []string) bool {
	return len(changed) == 1 && changed[0] == s.FullResyncAddress()
}

// CurrentHash returns the hash of the in-progress point
func (s *StructureLogger) CurrentHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) == 0 {
		return model.EmptyHash
	}
	return s.points[len(s.points)-1].Hash
}

// Len returns the number of retained points, including the current one
func (s *StructureLogger) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func (s *StructureLogger) observe() {
	if s.metrics != nil {
		s.metrics.LogPointsRetained.Set(float64(len(s.points)))
	}
}
