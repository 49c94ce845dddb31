package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/scheduler"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/storage/memdb"
)

// recordingHandler records lock events; expiry also captures IsLocked at callback time
type recordingHandler struct {
	mu              sync.Mutex
	locker          *Locker
	acquired        []string
	warned          []string
	expired         []string
	lockedAtExpired []bool
}

func (h *recordingHandler) LockAcquired(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired = append(h.acquired, address)
}

func (h *recordingHandler) LockWillExpire(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warned = append(h.warned, address)
}

func (h *recordingHandler) LockExpired(address string) {
	locked := h.locker.IsLocked(address)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expired = append(h.expired, address)
	h.lockedAtExpired = append(h.lockedAtExpired, locked)
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acquired), len(h.warned), len(h.expired)
}

// MockDatabase is a mock implementation of storage.Database
type MockDatabase struct {
	mock.Mock
}

func (m *MockDatabase) Get(ctx context.Context, address string) (*model.Node, error) {
	args := m.Called(ctx, address)
	if n := args.Get(0); n != nil {
		return n.(*model.Node), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetSubtree(ctx context.Context, address string) (model.NodeTree, error) {
	args := m.Called(ctx, address)
	if t := args.Get(0); t != nil {
		return t.(model.NodeTree), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Children(ctx context.Context, address string) ([]string, error) {
	args := m.Called(ctx, address)
	if c := args.Get(0); c != nil {
		return c.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) PutNode(ctx context.Context, node *model.Node) error {
	return m.Called(ctx, node).Error(0)
}

func (m *MockDatabase) SetValueTree(ctx context.Context, writes []model.ValueWrite) error {
	return m.Called(ctx, writes).Error(0)
}

func (m *MockDatabase) Close() error {
	return m.Called().Error(0)
}

var _ storage.Database = (*MockDatabase)(nil)

type lockerFixture struct {
	locker  *Locker
	db      *memdb.Store
	clock   *clock.Mock
	sched   *scheduler.Scheduler
	handler *recordingHandler
}

func newLockerFixture(t *testing.T) *lockerFixture {
	t.Helper()
	clk := clock.NewMock()
	db := memdb.New(clk)
	sched := scheduler.New(clk, zap.NewNop())
	l := NewLocker(&LockerConfig{
		ExpirationTime: time.Minute,
		WarningTime:    10 * time.Second,
	}, db, sched, clk, metrics.NewNopMetrics(), zap.NewNop())
	t.Cleanup(l.Close)

	ctx := context.Background()
	for _, addr := range []string{"/ka1", "/ka1/a", "/ka1/a/b", "/ka1/c"} {
		require.NoError(t, db.PutNode(ctx, &model.Node{
			Address:      addr,
			Value:        "init",
			Version:      1,
			Capabilities: model.DefaultCapabilities,
		}))
	}

	return &lockerFixture{locker: l, db: db, clock: clk, sched: sched, handler: &recordingHandler{locker: l}}
}

func TestLocker_SubtreeExclusivity(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, f.handler))

	assert.True(t, l.IsLocked("/ka1/a"))
	assert.True(t, l.IsLocked("/ka1/a/b"))
	assert.False(t, l.IsLocked("/ka1"))
	assert.False(t, l.IsLocked("/ka1/c"))
	assert.True(t, l.IsChildLocked("/ka1"))
	assert.False(t, l.IsChildLocked("/ka1/a"))
	assert.True(t, l.IsLockedBy("/ka1/a/b", "alice"))
	assert.False(t, l.IsLockedBy("/ka1/a/b", "bob"))

	for _, addr := range []string{"/ka1/a/b", "/ka1/a", "/ka1", "/"} {
		err := l.LockSubtree(addr, "bob", nil, nil)
		assert.True(t, errors.Is(err, errors.ErrCodeAlreadyLocked), addr)
	}
	require.NoError(t, l.LockSubtree("/ka1/c", "bob", nil, nil))

	acquired, _, _ := f.handler.counts()
	assert.Equal(t, 1, acquired)
}

func TestLocker_SameIdentityRelockAndMerge(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker

	require.NoError(t, l.LockSubtree("/ka1/a/b", "alice", nil, nil))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a/b", "1"))
	require.NoError(t, l.LockSubtree("/ka1/a/b", "alice", nil, nil))
	assert.Len(t, l.ActiveLocks(), 1)

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, nil))
	locks := l.ActiveLocks()
	require.Len(t, locks, 1)
	assert.Equal(t, "/ka1/a", locks[0].Address)
	assert.Equal(t, 1, locks[0].Staged)
	assert.Equal(t, 2, f.sched.Len())
}

func TestLocker_CommitAppliesWritesInOrder(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker
	ctx := context.Background()

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, nil))
	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, l.AddNodeValueForCommit("/ka1/a/b", v))
	}
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a/new", "fresh"))

	tree, err := f.db.GetSubtree(ctx, "/ka1/a")
	require.NoError(t, err)
	l.UpdateGetResultWithLockedData("/ka1/a", tree, "alice")
	assert.Equal(t, "3", tree["/ka1/a/b"].Value)
	assert.Equal(t, int64(4), tree["/ka1/a/b"].Version)
	assert.Equal(t, int64(5), tree["/ka1/a"].Version)
	assert.Equal(t, "fresh", tree["/ka1/a/new"].Value)

	written, err := l.CommitSubtree(ctx, "/ka1/a", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"/ka1/a/b", "/ka1/a/new"}, written)

	b, err := f.db.Get(ctx, "/ka1/a/b")
	require.NoError(t, err)
	assert.Equal(t, "3", b.Value)
	assert.Equal(t, int64(4), b.Version)

	a, err := f.db.Get(ctx, "/ka1/a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.Version)

	assert.False(t, l.IsLocked("/ka1/a"))
	assert.Equal(t, 0, f.sched.Len())
}

func TestLocker_StagedWritesInvisibleToOthers(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker
	ctx := context.Background()

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", []string{"carol"}, nil))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a", "staged"))

	tree, err := f.db.GetSubtree(ctx, "/ka1/a")
	require.NoError(t, err)
	original := tree["/ka1/a"]

	l.UpdateGetResultWithLockedData("/ka1/a", tree, "bob")
	assert.Equal(t, "init", tree["/ka1/a"].Value)
	assert.Same(t, original, tree["/ka1/a"])

	l.UpdateGetResultWithLockedData("/ka1/a", tree, "carol")
	assert.Equal(t, "staged", tree["/ka1/a"].Value)
	assert.Equal(t, "init", original.Value)
}

func TestLocker_ContentionErrors(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker
	ctx := context.Background()

	err := l.AddNodeValueForCommit("/ka1/a", "x")
	assert.True(t, errors.Is(err, errors.ErrCodeNotLocked))

	_, err = l.CommitSubtree(ctx, "/ka1/a", "alice")
	assert.True(t, errors.Is(err, errors.ErrCodeNotLocked))

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, nil))

	_, err = l.CommitSubtree(ctx, "/ka1/a", "bob")
	assert.True(t, errors.Is(err, errors.ErrCodeNotOwner))
	err = l.RollbackSubtree("/ka1/a/b", "bob")
	assert.True(t, errors.Is(err, errors.ErrCodeNotOwner))
	assert.True(t, l.IsLocked("/ka1/a"))
}

func TestLocker_Rollback(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker
	ctx := context.Background()

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, f.handler))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a", "discard me"))
	require.NoError(t, l.RollbackSubtree("/ka1/a", "alice"))

	assert.False(t, l.IsLocked("/ka1/a"))
	assert.Equal(t, 0, f.sched.Len())

	n, err := f.db.Get(ctx, "/ka1/a")
	require.NoError(t, err)
	assert.Equal(t, "init", n.Value)

	f.clock.Add(2 * time.Minute)
	_, _, expired := f.handler.counts()
	assert.Equal(t, 0, expired)
}

func TestLocker_WarningAndExpiry(t *testing.T) {
	f := newLockerFixture(t)
	l := f.locker
	ctx := context.Background()

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, f.handler))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a", "lost"))

	f.clock.Add(50 * time.Second)
	require.Eventually(t, func() bool {
		_, warned, _ := f.handler.counts()
		return warned == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, l.IsLocked("/ka1/a"))

	f.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		_, _, expired := f.handler.counts()
		return expired == 1
	}, time.Second, 5*time.Millisecond)

	f.handler.mu.Lock()
	assert.Equal(t, []bool{false}, f.handler.lockedAtExpired)
	f.handler.mu.Unlock()

	assert.False(t, l.IsLocked("/ka1/a"))
	n, err := f.db.Get(ctx, "/ka1/a")
	require.NoError(t, err)
	assert.Equal(t, "init", n.Value)

	_, err = l.CommitSubtree(ctx, "/ka1/a", "alice")
	assert.True(t, errors.Is(err, errors.ErrCodeNotLocked))
}

func TestLocker_CommitReleasesLockOnDatabaseFailure(t *testing.T) {
	clk := clock.NewMock()
	db := new(MockDatabase)
	db.On("SetValueTree", mock.Anything, mock.Anything).Return(assert.AnError)

	sched := scheduler.New(clk, zap.NewNop())
	l := NewLocker(&LockerConfig{ExpirationTime: time.Minute}, db, sched, clk,
		metrics.NewNopMetrics(), zap.NewNop())

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, nil))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a", "x"))

	_, err := l.CommitSubtree(context.Background(), "/ka1/a", "alice")
	assert.True(t, errors.Is(err, errors.ErrCodeDatabaseFailed))
	assert.False(t, l.IsLocked("/ka1/a"))
	assert.Equal(t, 0, sched.Len())
	db.AssertExpectations(t)
}

func TestLocker_EmptyCommitSkipsDatabase(t *testing.T) {
	db := new(MockDatabase)
	l := NewLocker(&LockerConfig{ExpirationTime: time.Minute}, db, nil, clock.NewMock(),
		metrics.NewNopMetrics(), zap.NewNop())

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, nil))
	written, err := l.CommitSubtree(context.Background(), "/ka1/a", "alice")
	require.NoError(t, err)
	assert.Empty(t, written)
	db.AssertNotCalled(t, "SetValueTree", mock.Anything, mock.Anything)
}

func TestLocker_CommitInProgressBlocksOverlappingWork(t *testing.T) {
	clk := clock.NewMock()
	entered := make(chan struct{})
	release := make(chan struct{})
	db := new(MockDatabase)
	db.On("SetValueTree", mock.Anything, []model.ValueWrite{{Address: "/ka1/a", Value: "x"}}).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(nil)

	l := NewLocker(&LockerConfig{ExpirationTime: time.Minute, WarningTime: 10 * time.Second}, db,
		scheduler.New(clk, zap.NewNop()), clk, metrics.NewNopMetrics(), zap.NewNop())
	t.Cleanup(l.Close)
	handler := &recordingHandler{locker: l}

	require.NoError(t, l.LockSubtree("/ka1/a", "alice", nil, handler))
	require.NoError(t, l.AddNodeValueForCommit("/ka1/a", "x"))

	done := make(chan error, 1)
	go func() {
		_, err := l.CommitSubtree(context.Background(), "/ka1/a", "alice")
		done <- err
	}()
	<-entered

	err := l.LockSubtree("/ka1/a/b", "bob", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyLocked))
	err = l.LockSubtree("/ka1/a", "alice", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyLocked))
	err = l.AddNodeValueForCommit("/ka1/a", "late")
	assert.True(t, errors.Is(err, errors.ErrCodeNotLocked))
	assert.True(t, l.IsLocked("/ka1/a"))

	clk.Add(2 * time.Minute)
	assert.Never(t, func() bool {
		_, warned, expired := handler.counts()
		return warned > 0 || expired > 0
	}, 100*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, l.IsLocked("/ka1/a"))
	require.NoError(t, l.LockSubtree("/ka1/a/b", "bob", nil, nil))
	db.AssertExpectations(t)
}
