package badgerdb

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

func openTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s, err := Open(Config{InMemory: true}, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	in := &model.Node{
		Address:      "/ka1/sensors/temp",
		Value:        "21.5",
		Version:      4,
		Types:        []string{"sensor"},
		Readers:      []string{"alice"},
		CacheHint:    model.CacheHint{TTL: time.Minute},
		Capabilities: model.CapabilityReadable,
	}
	require.NoError(t, s.PutNode(ctx, in))

	out, err := s.Get(ctx, in.Address)
	require.NoError(t, err)
	assert.Equal(t, in.Value, out.Value)
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Types, out.Types)
	assert.Equal(t, time.Minute, out.CacheHint.TTL)
	assert.False(t, out.Capabilities.Has(model.CapabilityWritable))
}

func TestStore_SubtreeAndChildren(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, addr := range []string{"/ka1", "/ka1/a", "/ka1/a/x", "/ka1/b", "/ka10"} {
		require.NoError(t, s.PutNode(ctx, &model.Node{Address: addr}))
	}

	tree, err := s.GetSubtree(ctx, "/ka1")
	require.NoError(t, err)
	assert.Len(t, tree, 4)
	assert.NotContains(t, tree, "/ka10")

	children, err := s.Children(ctx, "/ka1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/ka1/a", "/ka1/b"}, children)

	_, err = s.GetSubtree(ctx, "/ka9")
	assert.True(t, errors.Is(err, errors.ErrCodeNodeNotFound))
}

func TestStore_SetValueTree(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	clk.Add(time.Hour)

	require.NoError(t, s.PutNode(ctx, &model.Node{Address: "/ka1", Version: 10}))
	require.NoError(t, s.SetValueTree(ctx, []model.ValueWrite{
		{Address: "/ka1/a", Value: "1"},
		{Address: "/ka1/a", Value: "2"},
	}))

	a, err := s.Get(ctx, "/ka1/a")
	require.NoError(t, err)
	assert.Equal(t, "2", a.Value)
	assert.Equal(t, int64(2), a.Version)
	assert.True(t, a.Timestamp.Equal(clk.Now()))

	root, err := s.Get(ctx, "/ka1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), root.Version)
}

func TestStore_DetectsCorruption(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey("/ka1/bad"), []byte("not a sealed record"))
	}))

	_, err := s.Get(ctx, "/ka1/bad")
	assert.True(t, errors.Is(err, errors.ErrCodeCorruptedData))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil, nil)
	assert.Error(t, err)
}
