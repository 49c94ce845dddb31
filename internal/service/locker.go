package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/scheduler"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

// LockEventHandler receives lifecycle callbacks of one lock
type LockEventHandler interface {
	LockAcquired(address string)
	LockWillExpire(address string)
	LockExpired(address string)
}

type noopLockHandler struct{}

func (noopLockHandler) LockAcquired(string)   {}
func (noopLockHandler) LockWillExpire(string) {}
func (noopLockHandler) LockExpired(string)    {}

// LockerConfig holds subtree lock timing
type LockerConfig struct {
	ExpirationTime time.Duration
	// WarningTime is how long before expiry the holder is warned; 0 disables the warning
	WarningTime time.Duration
}

// LockInfo is a read-only view of an active lock
type LockInfo struct {
	ID        string
	Address   string
	Identity  string
	CreatedAt time.Time
	Staged    int
}

type lockRecord struct {
	id         string
	address    string
	identity   string
	accessIDs  map[string]struct{}
	handler    LockEventHandler
	createdAt  time.Time
	seq        uint64
	staged     []model.ValueWrite
	committing bool
}

func (r *lockRecord) visibleTo(identity string) bool {
	if r.identity == identity {
		return true
	}
	_, ok := r.accessIDs[identity]
	return ok
}

func (r *lockRecord) warnKey() string   { return r.id + ":warn" }
func (r *lockRecord) expireKey() string { return r.id + ":expire" }

// Locker serializes mutation of overlapping subtrees. Each lock holder
// stages writes privately until commit, rollback or expiry.
type Locker struct {
	config    *LockerConfig
	db        storage.Database
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*lockRecord
	seq   uint64
}

// NewLocker creates a locker writing commits to db
func NewLocker(cfg *LockerConfig, db storage.Database, sched *scheduler.Scheduler, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Locker {
	if clk == nil {
		clk = clock.New()
	}
	if sched == nil {
		sched = scheduler.New(clk, logger)
	}
	return &Locker{
		config:    cfg,
		db:        db,
		scheduler: sched,
		clock:     clk,
		metrics:   m,
		logger:    logger,
		locks:     make(map[string]*lockRecord),
	}
}

// covering returns the lock whose subtree contains address. Callers hold l.mu.
func (l *Locker) covering(address string) *lockRecord {
	for _, rec := range l.locks {
		if util.InSubtree(address, rec.address) {
			return rec
		}
	}
	return nil
}

// LockSubtree locks address and its descendants for identity. It fails with
// AlreadyLocked when another identity holds an overlapping lock. Relocking an
// address already covered by the caller's own lock succeeds without a new
// lock; locking an ancestor of the caller's own locks merges them.
func (l *Locker) LockSubtree(address, identity string, accessIDs []string, handler LockEventHandler) error {
	if handler == nil {
		handler = noopLockHandler{}
	}

	l.mu.Lock()

	var covered *lockRecord
	var absorbed []*lockRecord
	for _, rec := range l.locks {
		if !util.Overlaps(rec.address, address) {
			continue
		}
		if rec.identity != identity || rec.committing {
			l.mu.Unlock()
			if l.metrics != nil {
				l.metrics.LocksRejectedTotal.Inc()
			}
			return errors.AlreadyLocked(address, rec.identity)
		}
		if util.InSubtree(address, rec.address) {
			covered = rec
		} else {
			absorbed = append(absorbed, rec)
		}
	}

	if covered != nil {
		for _, id := range accessIDs {
			covered.accessIDs[id] = struct{}{}
		}
		l.mu.Unlock()
		handler.LockAcquired(address)
		return nil
	}

	rec := &lockRecord{
		id:        uuid.NewString(),
		address:   address,
		identity:  identity,
		accessIDs: make(map[string]struct{}, len(accessIDs)),
		handler:   handler,
		createdAt: l.clock.Now(),
	}
	l.seq++
	rec.seq = l.seq
	for _, id := range accessIDs {
		rec.accessIDs[id] = struct{}{}
	}

	sortBySeq(absorbed)
	for _, old := range absorbed {
		rec.staged = append(rec.staged, old.staged...)
		for id := range old.accessIDs {
			rec.accessIDs[id] = struct{}{}
		}
		l.cancelTimers(old)
		delete(l.locks, old.id)
	}

	l.locks[rec.id] = rec
	l.startTimers(rec)
	l.observe()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LocksAcquiredTotal.Inc()
	}
	l.logger.Debug("Subtree locked",
		zap.String("address", address),
		zap.String("identity", identity),
		zap.String("lock_id", rec.id),
		zap.Int("merged", len(absorbed)))

	handler.LockAcquired(address)
	return nil
}

func sortBySeq(recs []*lockRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].seq < recs[j-1].seq; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func (l *Locker) startTimers(rec *lockRecord) {
	id := rec.id
	if w := l.config.WarningTime; w > 0 && w < l.config.ExpirationTime {
		l.scheduler.Schedule(rec.warnKey(), l.config.ExpirationTime-w, func() { l.warn(id) })
	}
	l.scheduler.Schedule(rec.expireKey(), l.config.ExpirationTime, func() { l.expire(id) })
}

func (l *Locker) cancelTimers(rec *lockRecord) {
	l.scheduler.Cancel(rec.warnKey())
	l.scheduler.Cancel(rec.expireKey())
}

func (l *Locker) warn(id string) {
	l.mu.Lock()
	rec, ok := l.locks[id]
	if !ok || rec.committing {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LockWarningsTotal.Inc()
	}
	l.logger.Info("Lock about to expire",
		zap.String("address", rec.address),
		zap.String("identity", rec.identity))
	rec.handler.LockWillExpire(rec.address)
}

func (l *Locker) expire(id string) {
	l.mu.Lock()
	rec, ok := l.locks[id]
	if !ok || rec.committing {
		l.mu.Unlock()
		return
	}
	delete(l.locks, id)
	l.scheduler.Cancel(rec.warnKey())
	l.observe()
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LocksExpiredTotal.Inc()
	}
	l.logger.Warn("Lock expired, staged writes discarded",
		zap.String("address", rec.address),
		zap.String("identity", rec.identity),
		zap.Int("staged_writes", len(rec.staged)))
	rec.handler.LockExpired(rec.address)
}

// AddNodeValueForCommit stages a write under the lock covering address
func (l *Locker) AddNodeValueForCommit(address, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.covering(address)
	if rec == nil || rec.committing {
		return errors.NotLocked(address)
	}
	rec.staged = append(rec.staged, model.ValueWrite{Address: address, Value: value})
	return nil
}

// stageAs stages a write only when identity holds the lock covering address.
// The ownership check and the append happen under one critical section.
func (l *Locker) stageAs(address, identity, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.covering(address)
	switch {
	case rec == nil || rec.identity != identity:
		return errors.NotOwner(address, identity)
	case rec.committing:
		return errors.NotLocked(address)
	}
	rec.staged = append(rec.staged, model.ValueWrite{Address: address, Value: value})
	return nil
}

// take removes the lock covering address from scheduling on behalf of
// identity. The record stays registered and marked committing so
// overlapping lock attempts keep failing until release.
func (l *Locker) take(address, identity string) (*lockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.covering(address)
	if rec == nil || rec.committing {
		return nil, errors.NotLocked(address)
	}
	if rec.identity != identity {
		return nil, errors.NotOwner(address, identity)
	}
	l.cancelTimers(rec)
	rec.committing = true
	return rec, nil
}

func (l *Locker) release(rec *lockRecord) {
	l.mu.Lock()
	delete(l.locks, rec.id)
	l.observe()
	l.mu.Unlock()
}

// CommitSubtree writes the staged writes of the caller's lock covering
// address to the database in order and releases the lock. It returns every
// distinct written address in first-write order. The lock is released even
// when the database write fails.
func (l *Locker) CommitSubtree(ctx context.Context, address, identity string) ([]string, error) {
	rec, err := l.take(address, identity)
	if err != nil {
		return nil, err
	}
	defer l.release(rec)

	start := l.clock.Now()
	if len(rec.staged) > 0 {
		if err := l.db.SetValueTree(ctx, rec.staged); err != nil {
			if l.metrics != nil {
				l.metrics.CommitsTotal.WithLabelValues("failed").Inc()
			}
			l.logger.Error("Commit failed, lock released",
				zap.String("address", rec.address),
				zap.String("identity", identity),
				zap.Error(err))
			if errors.IsKORError(err) {
				return nil, err
			}
			return nil, errors.DatabaseFailed("failed to commit staged writes", err)
		}
	}

	written := make([]string, 0, len(rec.staged))
	seen := make(map[string]struct{}, len(rec.staged))
	for _, w := range rec.staged {
		if _, ok := seen[w.Address]; ok {
			continue
		}
		seen[w.Address] = struct{}{}
		written = append(written, w.Address)
	}

	if l.metrics != nil {
		l.metrics.CommitsTotal.WithLabelValues("ok").Inc()
		l.metrics.CommitDuration.Observe(l.clock.Since(start).Seconds())
		l.metrics.StagedWritesPerLock.Observe(float64(len(rec.staged)))
	}
	l.logger.Debug("Subtree committed",
		zap.String("address", rec.address),
		zap.String("identity", identity),
		zap.Int("staged_writes", len(rec.staged)),
		zap.Int("addresses", len(written)))

	return written, nil
}

// RollbackSubtree discards the caller's staged writes and releases the lock
func (l *Locker) RollbackSubtree(address, identity string) error {
	rec, err := l.take(address, identity)
	if err != nil {
		return err
	}
	l.release(rec)

	if l.metrics != nil {
		l.metrics.CommitsTotal.WithLabelValues("rolled_back").Inc()
	}
	l.logger.Debug("Subtree rolled back",
		zap.String("address", rec.address),
		zap.String("identity", identity),
		zap.Int("staged_writes", len(rec.staged)))
	return nil
}

// IsLocked reports whether address or one of its ancestors is locked
func (l *Locker) IsLocked(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.covering(address) != nil
}

// IsLockedBy reports whether identity holds the lock covering address
func (l *Locker) IsLockedBy(address, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.covering(address)
	return rec != nil && rec.identity == identity
}

// IsChildLocked reports whether a strict descendant of address is locked
func (l *Locker) IsChildLocked(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.locks {
		if util.IsAncestor(address, rec.address) {
			return true
		}
	}
	return false
}

// UpdateGetResultWithLockedData overlays the staged writes visible to
// identity onto tree, a fresh read of the subtree at address. Every node
// gets its version bumped once per staged write to itself or a descendant.
// Staged writes to addresses not yet in the database appear as new nodes.
func (l *Locker) UpdateGetResultWithLockedData(address string, tree model.NodeTree, identity string) {
	l.mu.Lock()
	var writes []model.ValueWrite
	for _, rec := range l.locks {
		if !rec.visibleTo(identity) || !util.Overlaps(rec.address, address) {
			continue
		}
		for _, w := range rec.staged {
			if util.InSubtree(w.Address, address) {
				writes = append(writes, w)
			}
		}
	}
	l.mu.Unlock()

	if len(writes) == 0 {
		return
	}

	cloned := make(map[string]bool)
	mutable := func(addr string) *model.Node {
		n, ok := tree[addr]
		if !ok {
			return nil
		}
		if !cloned[addr] {
			n = n.Clone()
			tree[addr] = n
			cloned[addr] = true
		}
		return n
	}

	for _, w := range writes {
		node := mutable(w.Address)
		if node == nil {
			node = &model.Node{Address: w.Address, Capabilities: model.DefaultCapabilities}
			tree[w.Address] = node
			cloned[w.Address] = true
		}
		node.Value = w.Value
		node.Version++
		for _, ancestor := range util.Ancestors(w.Address) {
			if parent := mutable(ancestor); parent != nil {
				parent.Version++
			}
		}
	}
}

// ActiveLocks lists the locks currently held
func (l *Locker) ActiveLocks() []LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LockInfo, 0, len(l.locks))
	for _, rec := range l.locks {
		out = append(out, LockInfo{
			ID:        rec.id,
			Address:   rec.address,
			Identity:  rec.identity,
			CreatedAt: rec.createdAt,
			Staged:    len(rec.staged),
		})
	}
	return out
}

// Close cancels every lock timer and drops all locks without committing
func (l *Locker) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, rec := range l.locks {
		l.cancelTimers(rec)
		delete(l.locks, id)
	}
	l.observe()
}

func (l *Locker) observe() {
	if l.metrics != nil {
		l.metrics.LocksHeld.Set(float64(len(l.locks)))
	}
}
