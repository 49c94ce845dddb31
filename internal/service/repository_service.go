package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
	"github.com/surething-project/SmartSpace-sub004/internal/validation"
)

// ReadStatus tells the caller what a read produced
type ReadStatus string

const (
	// ReadFound means Tree holds the requested subtree
	ReadFound ReadStatus = "found"
	// ReadNeedsFetch means the address is remote and not cached; the caller
	// must ask the owning agent and hand the answer to CacheRemote
	ReadNeedsFetch ReadStatus = "needs_fetch"
	// ReadNotFound means the local address does not exist
	ReadNotFound ReadStatus = "not_found"
)

// ReadResponse is the result of RepositoryService.Get
type ReadResponse struct {
	Status ReadStatus
	Tree   model.NodeTree
	Source string
}

// RepositoryService is the main orchestration layer for repository operations
type RepositoryService struct {
	agentID   string
	db        storage.Database
	locker    *Locker
	structure *StructureLogger
	cache     *NodeCache
	validator *validation.Validator
	logger    *zap.Logger

	// mu orders commits against change log reads so every published hash
	// matches exactly one log point
	mu sync.Mutex
}

// NewRepositoryService creates a new repository service
func NewRepositoryService(
	agentID string,
	db storage.Database,
	locker *Locker,
	structure *StructureLogger,
	cache *NodeCache,
	logger *zap.Logger,
) *RepositoryService {
	return &RepositoryService{
		agentID:   agentID,
		db:        db,
		locker:    locker,
		structure: structure,
		cache:     cache,
		validator: validation.NewValidator(),
		logger:    logger,
	}
}

// Activate starts a fresh change history at the genesis hash of the agent
func (s *RepositoryService) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structure.Activate(util.GenesisHash(s.agentID))
}

func (s *RepositoryService) isLocal(address string) bool {
	return util.InSubtree(address, util.AgentRoot(s.agentID))
}

// Get reads the subtree at address on behalf of identity. Local reads come
// from the database with the caller's visible staged writes applied; remote
// reads are served from the node cache.
func (s *RepositoryService) Get(ctx context.Context, address, identity string) (*ReadResponse, error) {
	startTime := time.Now()

	if err := s.validator.ValidateAddress(address); err != nil {
		return nil, err
	}

	if !s.isLocal(address) {
		tree := s.cache.GetCachedSubtree(address, identity)
		if tree == nil {
			return &ReadResponse{Status: ReadNeedsFetch}, nil
		}
		return &ReadResponse{Status: ReadFound, Tree: tree, Source: "cache"}, nil
	}

	tree, err := s.db.GetSubtree(ctx, address)
	switch {
	case errors.Is(err, errors.ErrCodeNodeNotFound):
		tree = model.NodeTree{}
	case err != nil:
		s.logger.Error("Failed to read subtree",
			zap.String("address", address),
			zap.Error(err))
		return nil, err
	}

	s.locker.UpdateGetResultWithLockedData(address, tree, identity)
	if _, ok := tree[address]; !ok {
		return &ReadResponse{Status: ReadNotFound}, nil
	}

	s.logger.Debug("Read completed",
		zap.String("address", address),
		zap.String("identity", identity),
		zap.Int("nodes", len(tree)),
		zap.Duration("latency", time.Since(startTime)))

	return &ReadResponse{Status: ReadFound, Tree: tree, Source: "database"}, nil
}

// Lock locks the local subtree at address for identity
func (s *RepositoryService) Lock(address, identity string, accessIDs []string, handler LockEventHandler) error {
	if err := s.validator.ValidateLock(address, identity, accessIDs); err != nil {
		return err
	}
	if !s.isLocal(address) {
		return errors.InvalidAddress(address, "outside the local namespace")
	}
	if handler == nil {
		handler = noopLockHandler{}
	}
	return s.locker.LockSubtree(address, identity, accessIDs, handler)
}

// Stage records a value write under identity's lock covering address
func (s *RepositoryService) Stage(ctx context.Context, address, identity, value string) error {
	if err := s.validator.ValidateWrite(address, identity, value); err != nil {
		return err
	}

	node, err := s.db.Get(ctx, address)
	switch {
	case errors.Is(err, errors.ErrCodeNodeNotFound):
	case err != nil:
		return err
	case !node.Capabilities.Has(model.CapabilityWritable):
		return errors.NotWritable(address)
	}

	return s.locker.stageAs(address, identity, value)
}

// Commit writes identity's staged writes, records every written address in
// the change log and publishes the next repository hash
func (s *RepositoryService) Commit(ctx context.Context, address, identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written, err := s.locker.CommitSubtree(ctx, address, identity)
	if err != nil {
		return "", err
	}
	if len(written) == 0 {
		return s.structure.CurrentHash(), nil
	}

	for _, addr := range written {
		s.structure.LogChangedAddress(addr)
	}
	hash := util.ChainHash(s.structure.CurrentHash(), written)
	if !s.structure.NewLogpointHash(hash) {
		s.logger.Warn("Repository hash did not change after commit",
			zap.String("address", address),
			zap.String("hash", hash))
	}

	s.logger.Info("Commit published",
		zap.String("address", address),
		zap.String("identity", identity),
		zap.Int("addresses", len(written)),
		zap.String("hash", hash))
	return hash, nil
}

// Rollback discards identity's staged writes under address
func (s *RepositoryService) Rollback(address, identity string) error {
	return s.locker.RollbackSubtree(address, identity)
}

// CurrentHash returns the latest published repository hash
func (s *RepositoryService) CurrentHash() string {
	return s.structure.CurrentHash()
}

// ChangeLogSince describes the changes a peer at fromHash must apply to
// reach the current hash. An unknown fromHash yields a full resync.
func (s *RepositoryService) ChangeLogSince(fromHash string) *model.IncrementalUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := &model.IncrementalUpdate{
		AgentID:  s.agentID,
		FromHash: fromHash,
		ToHash:   s.structure.CurrentHash(),
	}
	if fromHash == model.EmptyHash {
		update.FullResync = true
		update.Changed = []string{s.structure.FullResyncAddress()}
		return update
	}

	changed := s.structure.GetChangeLogSinceHash(fromHash)
	update.FullResync = s.structure.IsFullResync(changed)
	update.Changed = changed
	return update
}

// CacheRemote stores a subtree fetched from its owner
func (s *RepositoryService) CacheRemote(address string, tree model.NodeTree) int {
	if s.isLocal(address) {
		return 0
	}
	return s.cache.CacheNode(address, tree)
}

// Notify handles an owner's change notification for a remote address
func (s *RepositoryService) Notify(address string) int {
	return s.cache.HandleNotification(address)
}

// NotifySet handles an owner's notification carrying the new subtree values
func (s *RepositoryService) NotifySet(address string, tree model.NodeTree) int {
	return s.cache.HandleSet(address, tree)
}
