package service

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

func newTestUpdateCache(clk clock.Clock) *UpdateCache {
	return NewUpdateCache(&UpdateCacheConfig{
		MaxCacheTime:   time.Minute,
		ValidityPeriod: 10 * time.Second,
	}, clk, metrics.NewNopMetrics(), zap.NewNop())
}

func TestUpdateCache_AddAndGet(t *testing.T) {
	c := newTestUpdateCache(clock.NewMock())

	u := &model.IncrementalUpdate{AgentID: "ka2", FromHash: "H1", ToHash: "H2"}
	c.Add(u)
	assert.Equal(t, 1, c.Len())

	assert.Nil(t, c.GetUpdate("ka2", "H0"))
	assert.Nil(t, c.GetUpdate("ka3", "H1"))

	got := c.GetUpdate("ka2", "H1")
	require.NotNil(t, got)
	assert.Equal(t, "H2", got.ToHash)

	assert.Nil(t, c.GetUpdate("ka2", "H1"))
	assert.Equal(t, 0, c.Len())
}

func TestUpdateCache_IgnoresFullUpdates(t *testing.T) {
	c := newTestUpdateCache(clock.NewMock())

	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: model.EmptyHash, ToHash: "H2"})
	c.Add(nil)
	assert.Equal(t, 0, c.Len())
}

func TestUpdateCache_OverwritesSameKey(t *testing.T) {
	c := newTestUpdateCache(clock.NewMock())

	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: "H1", ToHash: "H2"})
	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: "H1", ToHash: "H3"})

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "H3", c.GetUpdate("ka2", "H1").ToHash)
}

func TestUpdateCache_SweepDropsOldEntries(t *testing.T) {
	clk := clock.NewMock()
	c := newTestUpdateCache(clk)

	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: "old", ToHash: "H1"})
	clk.Add(45 * time.Second)
	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: "new", ToHash: "H2"})
	clk.Add(30 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Nil(t, c.GetUpdate("ka2", "old"))
	assert.NotNil(t, c.GetUpdate("ka2", "new"))
}

func TestUpdateCache_RunSweepsInBackground(t *testing.T) {
	clk := clock.NewMock()
	c := newTestUpdateCache(clk)
	assert.Equal(t, time.Second, c.SweepInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Add(&model.IncrementalUpdate{AgentID: "ka2", FromHash: "H1", ToHash: "H2"})

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return c.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Nil(t, c.GetUpdate("ka2", "H1"))

	cancel()
	require.NoError(t, <-done)
}
